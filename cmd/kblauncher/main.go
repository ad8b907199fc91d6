/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package main is the entry point for the knowledge base launcher CLI.
// main 包是知识库启动器 CLI 的入口点。
//
// kblauncher manages the lifecycle of the knowledge base backend fleet:
// kblauncher 管理知识库后端机群的生命周期：
// - start: tear down previous occupants and launch backends / 终止旧进程并启动后端
// - stop: terminate backends / 终止后端
// - status: aggregate fleet status / 聚合机群状态
// - agent: resident monitor with auto restart and status API / 常驻监控，带自动重启与状态 API
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/NingWang-art/Materials-KnowledgeBase/internal/api"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/config"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/launcher"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/logging"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/monitor"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/process"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/restart"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Flag values
// 标志值
var (
	configFile   string
	flagEnv      string
	flagKB       string
	flagNohup    string
	flagOutput   string
	flagAPIAddr  string
	flagInterval string
)

// rootCmd is the root command for the launcher CLI
// rootCmd 是启动器 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "kblauncher",
	Short: "Knowledge base fleet launcher / 知识库机群启动器",
	Long: `kblauncher manages the materials knowledge base backend fleet.
kblauncher 管理材料知识库后端机群。

It starts, stops, and reports on the four knowledge base backends
(hea, ssebrain, chembrain, stainless_steel), each bound to a fixed port.
它启动、停止并报告四个知识库后端（hea、ssebrain、chembrain、
stainless_steel），每个后端绑定固定端口。`,
	SilenceUsage: true,
}

// startCmd launches the selected backends
// startCmd 启动选定的后端
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start knowledge base backends / 启动知识库后端",
	RunE:  runStart,
}

// stopCmd terminates the selected backends
// stopCmd 终止选定的后端
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop knowledge base backends / 停止知识库后端",
	RunE:  runStop,
}

// statusCmd reports the aggregate fleet status
// statusCmd 报告聚合机群状态
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status / 显示机群状态",
	RunE:  runStatus,
}

// agentCmd runs the resident monitor
// agentCmd 运行常驻监控
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the resident fleet monitor / 运行常驻机群监控",
	RunE:  runAgent,
}

// versionCmd shows version information
// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information / 打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kblauncher\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Go Version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: /etc/kblauncher/config.yaml)")

	startCmd.Flags().StringVarP(&flagEnv, "env", "e", config.EnvTest, "deployment environment (test|uat|prod)")
	startCmd.Flags().StringVarP(&flagKB, "knowledge-base", "k", config.SelectorAll, "knowledge base to start (hea|ssebrain|chembrain|stainless_steel|all)")
	startCmd.Flags().StringVar(&flagNohup, "nohup", "true", "run backends detached in the background (true|false)")

	stopCmd.Flags().StringVarP(&flagKB, "knowledge-base", "k", config.SelectorAll, "knowledge base to stop (hea|ssebrain|chembrain|stainless_steel|all)")

	statusCmd.Flags().StringVarP(&flagOutput, "output", "o", "text", "output format (text|yaml|json)")

	agentCmd.Flags().StringVar(&flagAPIAddr, "api-addr", "", "status API listen address (default from config)")
	agentCmd.Flags().StringVar(&flagInterval, "interval", "", "monitor interval, e.g. 5s (default from config)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, agentCmd, versionCmd)
}

// loadConfig loads and validates the configuration, then builds the logger.
// loadConfig 加载并校验配置，随后构建日志器。
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logging: %w", err)
	}
	return cfg, log, nil
}

// validateStartFlags checks the start flag combination before any process
// is touched. Returns whether backends run in the background.
// validateStartFlags 在触碰任何进程之前检查 start 的标志组合。
// 返回后端是否在后台运行。
func validateStartFlags(cfg *config.Config, env, selector, nohup string) (bool, error) {
	if !config.IsKnownEnvironment(env) {
		return false, fmt.Errorf("unknown environment %q, expected one of: %s",
			env, strings.Join(config.KnownEnvironments(), ", "))
	}
	if _, err := cfg.Select(selector); err != nil {
		return false, err
	}

	var background bool
	switch nohup {
	case "true":
		background = true
	case "false":
		background = false
	default:
		return false, fmt.Errorf("invalid --nohup value %q, expected true or false", nohup)
	}

	if !background && selector == config.SelectorAll {
		return false, launcher.ErrForegroundAll
	}
	return background, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	background, err := validateStartFlags(cfg, flagEnv, flagKB, flagNohup)
	if err != nil {
		return err
	}

	l, err := launcher.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init launcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := l.Start(ctx, launcher.StartOptions{
		Environment: flagEnv,
		Selector:    flagKB,
		Background:  background,
	})
	if err != nil {
		return err
	}
	fmt.Print(report.Render())

	// Foreground mode keeps the launcher attached to its single backend.
	// Ctrl-C reaches the whole process group.
	// 前台模式使启动器附着于它唯一的后端，Ctrl-C 会到达整个进程组。
	if !background {
		for _, svc := range report.Services {
			if svc.State == launcher.StateUp {
				return l.Wait(svc.Port)
			}
		}
	}

	// A partial failure is reported, not treated as a command failure.
	// 部分失败只报告，不视为命令失败。
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	l, err := launcher.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init launcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := l.Stop(ctx, flagKB)
	if err != nil {
		return err
	}
	fmt.Print(report.Render())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	l, err := launcher.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init launcher: %w", err)
	}

	report, err := l.Status(context.Background())
	if err != nil {
		return err
	}

	switch flagOutput {
	case "text":
		fmt.Print(report.Render())
	case "yaml":
		out, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	case "json":
		// The report's JSON tags double as the CLI JSON shape.
		// 报告的 JSON 标签同时决定 CLI 的 JSON 形态。
		enc, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(enc))
	default:
		return fmt.Errorf("invalid --output value %q, expected text, yaml or json", flagOutput)
	}
	return nil
}

// runAgent starts the resident monitor: it tracks registered backends,
// restarts crashed ones, and serves the status API until signaled.
// runAgent 启动常驻监控：跟踪已注册的后端、重启崩溃的后端，
// 并提供状态 API 直到收到信号。
func runAgent(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if flagAPIAddr != "" {
		cfg.Agent.APIAddr = flagAPIAddr
	}
	if flagInterval != "" {
		d, err := time.ParseDuration(flagInterval)
		if err != nil {
			return fmt.Errorf("invalid --interval value %q: %w", flagInterval, err)
		}
		cfg.Agent.MonitorInterval = d
	}

	l, err := launcher.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init launcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mon := monitor.New(log)
	mon.SetInterval(cfg.Agent.MonitorInterval)

	restarter := restart.New(func(ctx context.Context, name, environment string) error {
		rep, err := l.StartService(ctx, name, environment)
		if err != nil {
			return err
		}
		if rep.State != launcher.StateUp {
			return fmt.Errorf("restarted %s but it did not become ready: %s", name, rep.Detail)
		}
		mon.Track(rep.Name, rep.Port, rep.PID, environment)
		return nil
	}, log)
	restarter.SetConfig(&restart.Config{
		Enabled:        cfg.Agent.AutoRestart,
		RestartDelay:   restart.DefaultRestartDelay,
		MaxRestarts:    restart.DefaultMaxRestarts,
		TimeWindow:     restart.DefaultTimeWindow,
		CooldownPeriod: restart.DefaultCooldownPeriod,
	})
	mon.SetCrashHandler(func(b *monitor.TrackedBackend) {
		if err := restarter.OnBackendCrashed(b); err != nil {
			log.Error("auto restart gave up", zap.String("backend", b.Name), zap.Error(err))
		}
	})

	// Pick up backends that survived a launcher restart.
	// 接管在启动器重启后仍存活的后端。
	entries, err := l.Registry().List()
	if err != nil {
		return fmt.Errorf("failed to read launch registry: %w", err)
	}
	for _, e := range entries {
		if process.IsAlive(e.PID) {
			mon.Track(e.Service, e.Port, e.PID, e.Environment)
		}
	}

	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = mon.Stop() }()

	srv := api.NewServer(cfg.Agent.APIAddr, l, mon, log)
	return srv.Start(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
