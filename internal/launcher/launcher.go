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

// Package launcher sequences the start, stop, and status of the knowledge
// base backend fleet.
// launcher 包编排知识库后端机群的启动、停止与状态查询。
//
// Launch sequence / 启动序列:
// 1. Resolve the environment profile / 解析环境 profile
// 2. Tear down every known port / 终止所有已知端口上的旧进程
// 3. Start each selected backend / 启动每个选定的后端
// 4. Wait for readiness per backend / 逐个等待后端就绪
// 5. Produce the aggregate fleet report / 生成聚合机群报告
//
// There are no retries: a failed start is reported, never recovered, and a
// partial failure does not roll back the backends that succeeded.
// 没有重试：启动失败只报告、不恢复；部分失败不会回滚已成功的后端。
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NingWang-art/Materials-KnowledgeBase/internal/config"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/health"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/process"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/registry"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/scanner"
)

// ErrForegroundAll rejects the one invalid flag combination: a single
// foreground launcher cannot host the whole fleet.
// ErrForegroundAll 拒绝唯一无效的参数组合：单个前台启动器无法承载整个机群。
var ErrForegroundAll = errors.New("foreground mode (--nohup false) cannot start all knowledge bases")

// ServiceState is the aggregate state of one backend
// ServiceState 是单个后端的聚合状态
type ServiceState string

const (
	StateUp   ServiceState = "up"
	StateDown ServiceState = "down"
)

// ResourceHint is appended to partial-failure reports.
// ResourceHint 附加在部分失败的报告中。
const ResourceHint = "some services failed to start; check memory and port availability on this host"

// ServiceReport describes one backend in a fleet report
// ServiceReport 描述机群报告中的一个后端
type ServiceReport struct {
	Name        string       `json:"name" yaml:"name"`
	DisplayName string       `json:"display_name" yaml:"display_name"`
	Port        int          `json:"port" yaml:"port"`
	PID         int          `json:"pid,omitempty" yaml:"pid,omitempty"`
	State       ServiceState `json:"state" yaml:"state"`
	Detail      string       `json:"detail,omitempty" yaml:"detail,omitempty"`
	LogTail     string       `json:"log_tail,omitempty" yaml:"log_tail,omitempty"`
}

// FleetReport is the aggregate status of the selected backends
// FleetReport 是选定后端的聚合状态
type FleetReport struct {
	Environment string          `json:"environment,omitempty" yaml:"environment,omitempty"`
	GeneratedAt time.Time       `json:"generated_at" yaml:"generated_at"`
	Services    []ServiceReport `json:"services" yaml:"services"`
	Hint        string          `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Up counts services reported up.
// Up 统计报告为正常的服务数。
func (r *FleetReport) Up() int {
	n := 0
	for _, svc := range r.Services {
		if svc.State == StateUp {
			n++
		}
	}
	return n
}

// Down counts services reported down.
// Down 统计报告为停止的服务数。
func (r *FleetReport) Down() int {
	return len(r.Services) - r.Up()
}

// Render formats the report as the operator-facing text block.
// Render 将报告格式化为面向运维的文本块。
func (r *FleetReport) Render() string {
	var sb strings.Builder
	sb.WriteString("================================\n")
	for _, svc := range r.Services {
		icon := "✓"
		if svc.State == StateDown {
			icon = "✗"
		}
		fmt.Fprintf(&sb, "%s %s (port %d): %s", icon, svc.DisplayName, svc.Port, svc.State)
		if svc.Detail != "" {
			fmt.Fprintf(&sb, " - %s", svc.Detail)
		}
		sb.WriteString("\n")
		if svc.LogTail != "" {
			fmt.Fprintf(&sb, "  last log lines:\n")
			for _, line := range strings.Split(svc.LogTail, "\n") {
				fmt.Fprintf(&sb, "    %s\n", line)
			}
		}
	}
	sb.WriteString("================================\n")
	fmt.Fprintf(&sb, "%d up, %d down\n", r.Up(), r.Down())
	if r.Hint != "" {
		fmt.Fprintf(&sb, "hint: %s\n", r.Hint)
	}
	return sb.String()
}

// Prober abstracts readiness checking so tests can substitute the TCP probe.
// Prober 抽象就绪检查，使测试可以替换 TCP 探测。
type Prober interface {
	WaitReady(ctx context.Context, port int, alive func() bool) error
	PortBound(port int) bool
}

// ProcessScanner abstracts the pattern-match fallback.
// ProcessScanner 抽象模式匹配兜底。
type ProcessScanner interface {
	FindByPort(port int) ([]*scanner.Backend, error)
}

// StartOptions parameterize one launch.
// StartOptions 参数化一次启动。
type StartOptions struct {
	// Environment is the profile selector (test/uat/prod)
	// Environment 是 profile 选择器（test/uat/prod）
	Environment string

	// Selector is the knowledge base selector, possibly "all"
	// Selector 是知识库选择器，可以是 "all"
	Selector string

	// Background detaches backends from the launcher (nohup mode)
	// Background 使后端脱离启动器（nohup 模式）
	Background bool
}

// Launcher orchestrates the fleet over an explicit immutable Config.
// Launcher 基于显式的不可变 Config 编排机群。
type Launcher struct {
	cfg    *config.Config
	log    *zap.Logger
	procs  *process.Manager
	reg    *registry.Registry
	scan   ProcessScanner
	prober Prober
}

// New creates a Launcher, opening the launch registry at the configured path.
// New 创建 Launcher，并在配置的路径打开启动注册表。
func New(cfg *config.Config, log *zap.Logger) (*Launcher, error) {
	reg, err := registry.Open(cfg.Launcher.RegistryPath)
	if err != nil {
		return nil, err
	}

	// Rows left behind by a crash or reboot would otherwise shadow the
	// scanner forever.
	// 崩溃或重启遗留的行若不清理，会永久遮蔽扫描兜底。
	if pruned, err := reg.Prune(process.IsAlive); err != nil {
		log.Warn("registry prune failed", zap.Error(err))
	} else if len(pruned) > 0 {
		log.Info("pruned stale registry entries", zap.Ints("ports", pruned))
	}

	checker := health.NewChecker(cfg.Launcher.ReadyTimeout)
	checker.Host = health.ProbeHost(cfg.Launcher.Host)
	return &Launcher{
		cfg:    cfg,
		log:    log,
		procs:  process.NewManager(),
		reg:    reg,
		scan:   scanner.New(scanner.DefaultPattern),
		prober: checker,
	}, nil
}

// SetProber replaces the readiness prober.
// SetProber 替换就绪探测器。
func (l *Launcher) SetProber(p Prober) { l.prober = p }

// SetScanner replaces the process scanner fallback.
// SetScanner 替换进程扫描兜底。
func (l *Launcher) SetScanner(s ProcessScanner) { l.scan = s }

// Registry exposes the launch registry (agent mode and tests).
// Registry 暴露启动注册表（agent 模式与测试使用）。
func (l *Launcher) Registry() *registry.Registry { return l.reg }

// Start tears down the previous fleet occupants and starts the selected
// backends. The returned report names every selected service; a non-nil
// error is only returned for invalid input or infrastructure failures that
// happen before any process is touched.
// Start 先终止先前占用机群端口的进程，再启动选定的后端。返回的报告列出
// 每个选定服务；仅在无效输入或触碰任何进程之前的基础设施失败时返回非空错误。
func (l *Launcher) Start(ctx context.Context, opts StartOptions) (*FleetReport, error) {
	profile, err := l.cfg.Profile(opts.Environment)
	if err != nil {
		return nil, err
	}
	services, err := l.cfg.Select(opts.Selector)
	if err != nil {
		return nil, err
	}
	// Validated before any process is touched.
	// 在触碰任何进程之前完成校验。
	if !opts.Background && len(services) > 1 {
		return nil, ErrForegroundAll
	}

	runID := uuid.NewString()
	l.log.Info("starting fleet",
		zap.String("run_id", runID),
		zap.String("environment", opts.Environment),
		zap.String("selector", opts.Selector),
		zap.Bool("background", opts.Background),
	)

	// Every known port is torn down, not just the selected ones: the fleet
	// owns 50001-50004 as a unit.
	// 终止所有已知端口，而不仅是选定端口：机群把 50001-50004 作为整体拥有。
	for _, port := range l.cfg.Ports() {
		if n, err := l.teardownPort(ctx, port); err != nil {
			l.log.Warn("teardown incomplete", zap.Int("port", port), zap.Error(err))
		} else if n > 0 {
			l.log.Info("terminated previous occupant", zap.Int("port", port), zap.Int("killed", n))
		}
	}

	report := &FleetReport{Environment: opts.Environment, GeneratedAt: time.Now()}
	for _, svc := range services {
		report.Services = append(report.Services,
			l.startOne(ctx, svc, profile, opts, runID))
	}

	if report.Down() > 0 && report.Up() > 0 {
		report.Hint = ResourceHint
	}
	return report, nil
}

// startOne starts a single backend and waits for readiness.
// startOne 启动单个后端并等待其就绪。
func (l *Launcher) startOne(ctx context.Context, svc config.ServiceConfig, profile config.Profile, opts StartOptions, runID string) ServiceReport {
	rep := ServiceReport{
		Name:        svc.Name,
		DisplayName: svc.DisplayName,
		Port:        svc.Port,
	}

	info, err := l.procs.Start(ctx, process.StartParams{
		Service:    svc,
		Host:       l.cfg.Launcher.Host,
		ExtraEnv:   profile.Environ(),
		Foreground: !opts.Background,
	})
	if err != nil {
		rep.State = StateDown
		rep.Detail = err.Error()
		l.log.Error("backend start failed", zap.String("service", svc.Name), zap.Error(err))
		return rep
	}
	rep.PID = info.PID

	entry := &registry.Entry{
		Port:        svc.Port,
		PID:         info.PID,
		Service:     svc.Name,
		RunID:       runID,
		Environment: opts.Environment,
		LogPath:     info.LogPath,
		StartedAt:   info.StartTime,
	}
	if err := l.reg.Record(entry); err != nil {
		// The backend is running; a registry write failure degrades teardown
		// to the scanner fallback, nothing more.
		// 后端已运行；注册表写入失败只会使终止降级为扫描兜底。
		l.log.Warn("registry record failed", zap.Int("port", svc.Port), zap.Error(err))
	}

	if err := l.prober.WaitReady(ctx, svc.Port, func() bool { return process.IsAlive(info.PID) }); err != nil {
		rep.State = StateDown
		rep.Detail = err.Error()
		rep.LogTail = process.CollectLogTail(info.LogPath, process.DefaultLogTailLines)
		l.log.Error("backend not ready",
			zap.String("service", svc.Name),
			zap.Int("port", svc.Port),
			zap.Error(err),
		)
		return rep
	}

	rep.State = StateUp
	rep.Detail = fmt.Sprintf("pid %d", info.PID)
	l.log.Info("backend ready", zap.String("service", svc.Name), zap.Int("port", svc.Port), zap.Int("pid", info.PID))
	return rep
}

// StartService restarts a single named backend in background mode, reusing
// the environment recorded for it. Used by agent-mode auto restart.
// StartService 以后台模式重启单个命名后端，复用为其记录的环境。
// 供 agent 模式的自动重启使用。
func (l *Launcher) StartService(ctx context.Context, name, environment string) (*ServiceReport, error) {
	svc, ok := l.cfg.Service(name)
	if !ok {
		return nil, fmt.Errorf("unknown knowledge base %q", name)
	}
	profile, err := l.cfg.Profile(environment)
	if err != nil {
		return nil, err
	}

	if _, err := l.teardownPort(ctx, svc.Port); err != nil {
		l.log.Warn("teardown incomplete", zap.Int("port", svc.Port), zap.Error(err))
	}

	opts := StartOptions{Environment: environment, Selector: name, Background: true}
	rep := l.startOne(ctx, svc, profile, opts, uuid.NewString())
	return &rep, nil
}

// Stop tears down the selected backends and clears their registry entries.
// Stop 终止选定的后端并清除它们的注册表条目。
func (l *Launcher) Stop(ctx context.Context, selector string) (*FleetReport, error) {
	services, err := l.cfg.Select(selector)
	if err != nil {
		return nil, err
	}

	report := &FleetReport{GeneratedAt: time.Now()}
	for _, svc := range services {
		rep := ServiceReport{
			Name:        svc.Name,
			DisplayName: svc.DisplayName,
			Port:        svc.Port,
			State:       StateDown,
		}
		n, err := l.teardownPort(ctx, svc.Port)
		switch {
		case err != nil:
			rep.Detail = err.Error()
		case n == 0:
			rep.Detail = "was not running"
		default:
			rep.Detail = fmt.Sprintf("terminated %d process(es)", n)
		}
		report.Services = append(report.Services, rep)
	}
	return report, nil
}

// Status produces the aggregate fleet report from the registry, the liveness
// probe, and the scanner fallback.
// Status 依据注册表、存活探测与扫描兜底生成聚合机群报告。
func (l *Launcher) Status(ctx context.Context) (*FleetReport, error) {
	report := &FleetReport{GeneratedAt: time.Now()}

	for _, svc := range l.cfg.Services {
		rep := ServiceReport{
			Name:        svc.Name,
			DisplayName: svc.DisplayName,
			Port:        svc.Port,
			State:       StateDown,
		}

		var stale *registry.Entry
		if entry, err := l.reg.Lookup(svc.Port); err == nil {
			if process.IsAlive(entry.PID) {
				rep.PID = entry.PID
				rep.State = StateUp
				rep.Detail = fmt.Sprintf("pid %d since %s", entry.PID, entry.StartedAt.Format(time.RFC3339))
			} else {
				// A dead registered PID is a stale row; the scanner below
				// still gets its say before the backend is declared down.
				// 已注册 PID 死亡即为过期行；在判定后端停止前仍由扫描兜底。
				stale = entry
				if rerr := l.reg.Remove(svc.Port); rerr != nil {
					l.log.Warn("stale registry entry not removed", zap.Int("port", svc.Port), zap.Error(rerr))
				}
			}
		}

		if rep.State == StateDown {
			if backends, serr := l.scan.FindByPort(svc.Port); serr == nil && len(backends) > 0 {
				// Unregistered but matching; someone started it by hand.
				// 未注册但能匹配上；可能是手工启动的。
				rep.PID = backends[0].PID
				rep.State = StateUp
				rep.Detail = fmt.Sprintf("pid %d (unregistered)", backends[0].PID)
			} else if stale != nil {
				rep.Detail = "registered process is gone"
				rep.LogTail = process.CollectLogTail(stale.LogPath, process.DefaultLogTailLines)
			} else {
				rep.Detail = "not running"
			}
		}

		// A live PID that stopped serving is still down.
		// PID 存活但不再服务的进程仍视为停止。
		if rep.State == StateUp && !l.prober.PortBound(svc.Port) {
			rep.State = StateDown
			rep.Detail = fmt.Sprintf("pid %d alive but port %d not serving", rep.PID, svc.Port)
		}

		report.Services = append(report.Services, rep)
	}

	if report.Down() > 0 && report.Up() > 0 {
		report.Hint = ResourceHint
	}
	return report, nil
}

// Wait blocks until the foreground backend on port exits.
// Wait 阻塞直到端口上的前台后端退出。
func (l *Launcher) Wait(port int) error {
	return l.procs.Wait(port)
}

// teardownPort terminates every process claiming the port: the registered
// handle first, then whatever the scanner finds. Returns how many processes
// were killed.
// teardownPort 终止所有声称占用该端口的进程：先处理注册的句柄，再处理
// 扫描发现的进程。返回被杀死的进程数。
func (l *Launcher) teardownPort(ctx context.Context, port int) (int, error) {
	pids := make(map[int]bool)

	if entry, err := l.reg.Lookup(port); err == nil {
		if process.IsAlive(entry.PID) {
			pids[entry.PID] = true
		}
	} else if !errors.Is(err, registry.ErrNotFound) {
		return 0, err
	}

	if backends, err := l.scan.FindByPort(port); err == nil {
		for _, b := range backends {
			pids[b.PID] = true
		}
	} else {
		l.log.Warn("process scan failed", zap.Int("port", port), zap.Error(err))
	}

	var killErr error
	killed := 0
	for pid := range pids {
		if err := process.Terminate(ctx, pid, l.cfg.Launcher.StopTimeout); err != nil {
			killErr = errors.Join(killErr, err)
			continue
		}
		killed++
	}

	if err := l.reg.Remove(port); err != nil {
		killErr = errors.Join(killErr, err)
	}
	return killed, killErr
}
