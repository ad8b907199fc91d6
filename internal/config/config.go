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

// Package config provides configuration management for the knowledge base launcher.
// config 包提供知识库启动器的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Environment variables / 环境变量
// 2. Configuration file / 配置文件
// 3. Default values / 默认值
//
// The loaded Config is immutable after Load returns: the orchestrator receives
// it as an explicit value and never consults ambient process state.
// Load 返回后 Config 不可变：编排器以显式值接收它，从不读取进程级的环境状态。
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Knowledge base identifiers
// 知识库标识符
const (
	KBHea            = "hea"
	KBSSEBrain       = "ssebrain"
	KBChemBrain      = "chembrain"
	KBStainlessSteel = "stainless_steel"

	// SelectorAll selects every knowledge base at once
	// SelectorAll 一次选择所有知识库
	SelectorAll = "all"
)

// Deployment environments
// 部署环境
const (
	EnvTest = "test"
	EnvUAT  = "uat"
	EnvProd = "prod"
)

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath    = "/etc/kblauncher/config.yaml"
	DefaultLogLevel      = "info"
	DefaultLogFile       = "/var/log/kblauncher/kblauncher.log"
	DefaultLogMaxSize    = 100 // MB
	DefaultLogMaxBackups = 3
	DefaultLogMaxAge     = 7 // days
	DefaultRegistryPath  = "./data/kblauncher.db"
	DefaultReadyTimeout  = 30 * time.Second
	DefaultStopTimeout   = 10 * time.Second
	DefaultAPIAddr       = ":50100"
	DefaultHost          = "0.0.0.0"
)

// Variables applied to every backend regardless of environment
// 无论环境如何都应用于每个后端的变量
const (
	TiefblueBaseURLVar   = "TIEFBLUE_BASE_URL"
	BohriumUseSandboxVar = "BOHRIUM_USE_SANDBOX"

	defaultTiefblueBaseURL   = "https://tiefblue.dp.tech"
	defaultBohriumUseSandbox = "0"
)

// ServiceConfig describes one knowledge base backend
// ServiceConfig 描述一个知识库后端
type ServiceConfig struct {
	// Name is the knowledge base identifier (hea, ssebrain, ...)
	// Name 是知识库标识符（hea、ssebrain 等）
	Name string `mapstructure:"name"`

	// DisplayName is the human readable label used in reports
	// DisplayName 是报告中使用的可读名称
	DisplayName string `mapstructure:"display_name"`

	// Dir is the working directory the backend is launched from
	// Dir 是启动后端时的工作目录
	Dir string `mapstructure:"dir"`

	// Port is the TCP port the backend binds
	// Port 是后端绑定的 TCP 端口
	Port int `mapstructure:"port"`

	// Command is the backend executable and its leading arguments;
	// the launcher appends --host and --port.
	// Command 是后端可执行文件及其前置参数；启动器会追加 --host 和 --port。
	Command []string `mapstructure:"command"`
}

// LogPath returns the per-service log file path, overwritten on each start.
// LogPath 返回每个服务的日志文件路径，每次启动时覆盖。
func (s ServiceConfig) LogPath() string {
	return fmt.Sprintf("%s/server_%d.log", strings.TrimRight(s.Dir, "/"), s.Port)
}

// Profile is an explicit set of environment variables for one deployment
// environment, injected into spawned backends only.
// Profile 是一个部署环境的显式环境变量集合，仅注入到派生的后端进程中。
type Profile struct {
	Vars map[string]string `mapstructure:"vars"`
}

// Environ renders the profile as KEY=VALUE pairs in deterministic order.
// Environ 以确定的顺序将 profile 渲染为 KEY=VALUE 键值对。
func (p Profile) Environ() []string {
	keys := make([]string, 0, len(p.Vars))
	for k := range p.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, p.Vars[k]))
	}
	return env
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level"`

	// File is the launcher's own log file path (backends log separately)
	// File 是启动器自身的日志文件路径（后端单独记录日志）
	File string `mapstructure:"file"`

	// MaxSize is the maximum size of the log file in MB before rotation
	// MaxSize 是日志文件轮转前的最大大小（MB）
	MaxSize int `mapstructure:"max_size"`

	// MaxBackups is the maximum number of old log files to retain
	// MaxBackups 是保留的旧日志文件的最大数量
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files
	// MaxAge 是保留旧日志文件的最大天数
	MaxAge int `mapstructure:"max_age"`
}

// LauncherConfig contains orchestration timeouts and paths
// LauncherConfig 包含编排超时和路径
type LauncherConfig struct {
	// Host is passed to every backend via --host
	// Host 通过 --host 传给每个后端
	Host string `mapstructure:"host"`

	// ReadyTimeout bounds the readiness wait after a start
	// ReadyTimeout 限定启动后的就绪等待时间
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// StopTimeout bounds the wait for a killed process to disappear
	// StopTimeout 限定被杀进程消失的等待时间
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// RegistryPath is the sqlite file tracking spawned process handles
	// RegistryPath 是跟踪派生进程句柄的 sqlite 文件
	RegistryPath string `mapstructure:"registry_path"`
}

// AgentConfig contains long-running supervision mode settings
// AgentConfig 包含常驻监督模式的设置
type AgentConfig struct {
	// MonitorInterval is the liveness check interval
	// MonitorInterval 是存活检查间隔
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	// APIAddr is the status HTTP listen address
	// APIAddr 是状态 HTTP 监听地址
	APIAddr string `mapstructure:"api_addr"`

	// AutoRestart enables crash restarts in agent mode
	// AutoRestart 在 agent 模式下启用崩溃重启
	AutoRestart bool `mapstructure:"auto_restart"`
}

// Config is the root launcher configuration
// Config 是启动器的根配置
type Config struct {
	// Services is the static knowledge base table: name -> (dir, port, label)
	// Services 是静态知识库表：名称 -> （目录、端口、显示名）
	Services []ServiceConfig `mapstructure:"services"`

	// Profiles maps an environment selector to its variable set
	// Profiles 将环境选择器映射到其变量集合
	Profiles map[string]Profile `mapstructure:"profiles"`

	// Launcher configuration / 启动器配置
	Launcher LauncherConfig `mapstructure:"launcher"`

	// Agent mode configuration / Agent 模式配置
	Agent AgentConfig `mapstructure:"agent"`

	// Log configuration / 日志配置
	Log LogConfig `mapstructure:"log"`
}

// KnownEnvironments lists the closed environment enumeration.
// KnownEnvironments 列出封闭的环境枚举。
func KnownEnvironments() []string {
	return []string{EnvTest, EnvUAT, EnvProd}
}

// DefaultServices returns the static service table used when the config file
// does not override it.
// DefaultServices 返回配置文件未覆盖时使用的静态服务表。
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{Name: KBHea, DisplayName: "HEA KnowledgeBase", Dir: "domains/HEA/server", Port: 50001, Command: []string{"python3", "server.py"}},
		{Name: KBSSEBrain, DisplayName: "SSEBrain KnowledgeBase", Dir: "domains/ssebrain/server", Port: 50002, Command: []string{"python3", "server.py"}},
		{Name: KBChemBrain, DisplayName: "ChemBrain KnowledgeBase", Dir: "domains/chembrain/server", Port: 50003, Command: []string{"python3", "server.py"}},
		{Name: KBStainlessSteel, DisplayName: "StainlessSteel KnowledgeBase", Dir: "domains/stainless_steel/server", Port: 50004, Command: []string{"python3", "server.py"}},
	}
}

// DefaultProfiles returns the built-in environment profiles. The unconditional
// variables are present in every profile so a backend never starts without them.
// DefaultProfiles 返回内置环境配置。无条件变量存在于每个 profile 中，
// 保证后端启动时不会缺少它们。
func DefaultProfiles() map[string]Profile {
	base := func(extra map[string]string) Profile {
		vars := map[string]string{
			TiefblueBaseURLVar:   defaultTiefblueBaseURL,
			BohriumUseSandboxVar: defaultBohriumUseSandbox,
		}
		for k, v := range extra {
			vars[k] = v
		}
		return Profile{Vars: vars}
	}
	return map[string]Profile{
		EnvTest: base(map[string]string{"KB_DEPLOY_ENV": EnvTest}),
		EnvUAT:  base(map[string]string{"KB_DEPLOY_ENV": EnvUAT}),
		EnvProd: base(map[string]string{"KB_DEPLOY_ENV": EnvProd}),
	}
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values / 设置默认值
	setDefaults(v)

	// Set config file path / 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Check environment variable / 检查环境变量
		envPath := os.Getenv("KBLAUNCHER_CONFIG_PATH")
		if envPath != "" {
			v.SetConfigFile(envPath)
		} else {
			v.SetConfigFile(DefaultConfigPath)
		}
	}

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix("KB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file / 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error if we have defaults
		// 如果有默认值，配置文件未找到不是错误
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, use defaults / 文件不存在，使用默认值
		}
	}

	// Unmarshal config / 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyFallbacks(&cfg)
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("launcher.host", DefaultHost)
	v.SetDefault("launcher.ready_timeout", DefaultReadyTimeout)
	v.SetDefault("launcher.stop_timeout", DefaultStopTimeout)
	v.SetDefault("launcher.registry_path", DefaultRegistryPath)

	v.SetDefault("agent.monitor_interval", 5*time.Second)
	v.SetDefault("agent.api_addr", DefaultAPIAddr)
	v.SetDefault("agent.auto_restart", true)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", DefaultLogFile)
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
}

// applyFallbacks fills the slice/map sections viper defaults cannot express.
// applyFallbacks 填充 viper 默认值无法表达的切片/映射部分。
func applyFallbacks(cfg *Config) {
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices()
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = DefaultProfiles()
	}
	for name, p := range cfg.Profiles {
		// viper lowercases map keys; environment variable names are
		// uppercase by convention, so restore them.
		// viper 会将 map 键转为小写；环境变量名按约定为大写，在此恢复。
		vars := make(map[string]string, len(p.Vars))
		for k, v := range p.Vars {
			vars[strings.ToUpper(k)] = v
		}
		p.Vars = vars
		// The unconditional variables are always present.
		// 无条件变量始终存在。
		if _, ok := p.Vars[TiefblueBaseURLVar]; !ok {
			p.Vars[TiefblueBaseURLVar] = defaultTiefblueBaseURL
		}
		if _, ok := p.Vars[BohriumUseSandboxVar]; !ok {
			p.Vars[BohriumUseSandboxVar] = defaultBohriumUseSandbox
		}
		cfg.Profiles[name] = p
	}
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return errors.New("services table is empty")
	}

	seenNames := make(map[string]bool)
	seenPorts := make(map[int]string)
	for _, svc := range c.Services {
		if svc.Name == "" {
			return errors.New("service name must not be empty")
		}
		if svc.Name == SelectorAll {
			return fmt.Errorf("service name %q is reserved", SelectorAll)
		}
		if seenNames[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seenNames[svc.Name] = true

		if svc.Dir == "" {
			return fmt.Errorf("service %s: dir must not be empty", svc.Name)
		}
		if svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("service %s: invalid port %d", svc.Name, svc.Port)
		}
		// Each port is owned by at most one service.
		// 每个端口最多由一个服务拥有。
		if owner, ok := seenPorts[svc.Port]; ok {
			return fmt.Errorf("port %d claimed by both %s and %s", svc.Port, owner, svc.Name)
		}
		seenPorts[svc.Port] = svc.Name

		if len(svc.Command) == 0 {
			return fmt.Errorf("service %s: command must not be empty", svc.Name)
		}
	}

	for _, env := range KnownEnvironments() {
		if _, ok := c.Profiles[env]; !ok {
			return fmt.Errorf("missing profile for environment %q", env)
		}
	}

	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	if c.Launcher.ReadyTimeout <= 0 {
		return errors.New("launcher.ready_timeout must be positive")
	}
	if c.Launcher.StopTimeout <= 0 {
		return errors.New("launcher.stop_timeout must be positive")
	}

	return nil
}

// IsKnownEnvironment reports whether env is a member of the closed enumeration.
// IsKnownEnvironment 报告 env 是否属于封闭枚举。
func IsKnownEnvironment(env string) bool {
	for _, e := range KnownEnvironments() {
		if e == env {
			return true
		}
	}
	return false
}

// Service returns the service with the given name.
// Service 返回具有给定名称的服务。
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// ServiceByPort returns the service owning the given port.
// ServiceByPort 返回拥有给定端口的服务。
func (c *Config) ServiceByPort(port int) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Port == port {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Select resolves a knowledge base selector into a service list.
// "all" yields every service in table order.
// Select 将知识库选择器解析为服务列表。"all" 按表顺序返回所有服务。
func (c *Config) Select(selector string) ([]ServiceConfig, error) {
	if selector == SelectorAll {
		out := make([]ServiceConfig, len(c.Services))
		copy(out, c.Services)
		return out, nil
	}
	svc, ok := c.Service(selector)
	if !ok {
		return nil, fmt.Errorf("unknown knowledge base %q (valid: %s)", selector, strings.Join(c.SelectorValues(), "|"))
	}
	return []ServiceConfig{svc}, nil
}

// SelectorValues lists the valid --knowledge-base values including "all".
// SelectorValues 列出有效的 --knowledge-base 取值，包含 "all"。
func (c *Config) SelectorValues() []string {
	names := make([]string, 0, len(c.Services)+1)
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	names = append(names, SelectorAll)
	return names
}

// Profile returns the profile for an environment selector.
// Profile 返回环境选择器对应的 profile。
func (c *Config) Profile(env string) (Profile, error) {
	p, ok := c.Profiles[env]
	if !ok {
		return Profile{}, fmt.Errorf("unknown environment %q (valid: %s)", env, strings.Join(KnownEnvironments(), "|"))
	}
	return p, nil
}

// Ports lists every configured port in table order.
// Ports 按表顺序列出所有配置的端口。
func (c *Config) Ports() []int {
	ports := make([]int, 0, len(c.Services))
	for _, svc := range c.Services {
		ports = append(ports, svc.Port)
	}
	return ports
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, fmt.Sprintf("%s:%d", svc.Name, svc.Port))
	}
	return fmt.Sprintf("Config{Services: [%s], ReadyTimeout: %v, Log.Level: %s}",
		strings.Join(names, " "), c.Launcher.ReadyTimeout, c.Log.Level)
}
