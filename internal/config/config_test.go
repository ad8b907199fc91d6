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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig tests configuration loading from a file
// TestLoadConfig 测试从文件加载配置
func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
services:
  - name: hea
    display_name: "HEA KnowledgeBase"
    dir: /srv/kb/hea
    port: 50001
    command: ["python3", "server.py"]
  - name: chembrain
    display_name: "ChemBrain KnowledgeBase"
    dir: /srv/kb/chembrain
    port: 50003
    command: ["python3", "server.py"]

profiles:
  test:
    vars:
      KB_DEPLOY_ENV: test
  uat:
    vars:
      KB_DEPLOY_ENV: uat
  prod:
    vars:
      KB_DEPLOY_ENV: prod

launcher:
  host: 127.0.0.1
  ready_timeout: 15s
  stop_timeout: 5s
  registry_path: /tmp/kblauncher-test.db

log:
  level: debug
  file: /tmp/kblauncher.log
  max_size: 50
  max_backups: 5
  max_age: 14
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify values / 验证值
	require.Len(t, cfg.Services, 2)
	assert.Equal(t, "hea", cfg.Services[0].Name)
	assert.Equal(t, 50001, cfg.Services[0].Port)
	assert.Equal(t, "/srv/kb/hea", cfg.Services[0].Dir)
	assert.Equal(t, []string{"python3", "server.py"}, cfg.Services[0].Command)
	assert.Equal(t, "127.0.0.1", cfg.Launcher.Host)
	assert.Equal(t, 15*time.Second, cfg.Launcher.ReadyTimeout)
	assert.Equal(t, 5*time.Second, cfg.Launcher.StopTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Log.MaxSize)

	require.NoError(t, cfg.Validate())
}

// TestLoadConfigDefaults tests that missing files fall back to defaults
// TestLoadConfigDefaults 测试文件缺失时回退到默认值
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	require.Len(t, cfg.Services, 4)
	assert.Equal(t, KBHea, cfg.Services[0].Name)
	assert.Equal(t, 50001, cfg.Services[0].Port)
	assert.Equal(t, KBSSEBrain, cfg.Services[1].Name)
	assert.Equal(t, 50002, cfg.Services[1].Port)
	assert.Equal(t, KBChemBrain, cfg.Services[2].Name)
	assert.Equal(t, 50003, cfg.Services[2].Port)
	assert.Equal(t, KBStainlessSteel, cfg.Services[3].Name)
	assert.Equal(t, 50004, cfg.Services[3].Port)

	assert.Equal(t, DefaultHost, cfg.Launcher.Host)
	assert.Equal(t, DefaultReadyTimeout, cfg.Launcher.ReadyTimeout)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.True(t, cfg.Agent.AutoRestart)

	require.NoError(t, cfg.Validate())
}

// TestUnconditionalProfileVars tests that every profile carries the
// unconditional variables even when the file does not list them
// TestUnconditionalProfileVars 测试每个 profile 都携带无条件变量，
// 即使配置文件没有列出它们
func TestUnconditionalProfileVars(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
profiles:
  test:
    vars:
      KB_DEPLOY_ENV: test
  uat:
    vars: {}
  prod:
    vars:
      TIEFBLUE_BASE_URL: https://tiefblue.example.com
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	for _, env := range KnownEnvironments() {
		p, err := cfg.Profile(env)
		require.NoError(t, err)
		assert.NotEmpty(t, p.Vars[TiefblueBaseURLVar], "env %s", env)
		assert.NotEmpty(t, p.Vars[BohriumUseSandboxVar], "env %s", env)
	}

	// File values win over the built-in defaults.
	// 文件中的值优先于内置默认值。
	prod, err := cfg.Profile(EnvProd)
	require.NoError(t, err)
	assert.Equal(t, "https://tiefblue.example.com", prod.Vars[TiefblueBaseURLVar])
}

// TestValidate tests configuration validation
// TestValidate 测试配置验证
func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Services: DefaultServices(),
			Profiles: DefaultProfiles(),
			Launcher: LauncherConfig{Host: DefaultHost, ReadyTimeout: DefaultReadyTimeout, StopTimeout: DefaultStopTimeout, RegistryPath: DefaultRegistryPath},
			Log:      LogConfig{Level: "info"},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "empty services",
			mutate:  func(cfg *Config) { cfg.Services = nil },
			wantErr: "services table is empty",
		},
		{
			name:    "reserved name all",
			mutate:  func(cfg *Config) { cfg.Services[0].Name = SelectorAll },
			wantErr: "reserved",
		},
		{
			name:    "duplicate name",
			mutate:  func(cfg *Config) { cfg.Services[1].Name = cfg.Services[0].Name },
			wantErr: "duplicate service name",
		},
		{
			name:    "duplicate port",
			mutate:  func(cfg *Config) { cfg.Services[1].Port = cfg.Services[0].Port },
			wantErr: "claimed by both",
		},
		{
			name:    "invalid port",
			mutate:  func(cfg *Config) { cfg.Services[0].Port = 0 },
			wantErr: "invalid port",
		},
		{
			name:    "empty command",
			mutate:  func(cfg *Config) { cfg.Services[0].Command = nil },
			wantErr: "command must not be empty",
		},
		{
			name:    "missing profile",
			mutate:  func(cfg *Config) { delete(cfg.Profiles, EnvUAT) },
			wantErr: `missing profile for environment "uat"`,
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Log.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "non-positive ready timeout",
			mutate:  func(cfg *Config) { cfg.Launcher.ReadyTimeout = 0 },
			wantErr: "ready_timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

// TestSelect tests selector resolution
// TestSelect 测试选择器解析
func TestSelect(t *testing.T) {
	cfg := &Config{Services: DefaultServices(), Profiles: DefaultProfiles()}

	t.Run("all", func(t *testing.T) {
		services, err := cfg.Select(SelectorAll)
		require.NoError(t, err)
		assert.Len(t, services, 4)
		// Table order is preserved / 保持表顺序
		assert.Equal(t, KBHea, services[0].Name)
		assert.Equal(t, KBStainlessSteel, services[3].Name)
	})

	t.Run("single", func(t *testing.T) {
		services, err := cfg.Select(KBChemBrain)
		require.NoError(t, err)
		require.Len(t, services, 1)
		assert.Equal(t, 50003, services[0].Port)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := cfg.Select("quantum")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown knowledge base")
	})

	t.Run("empty selector rejected", func(t *testing.T) {
		_, err := cfg.Select("")
		require.Error(t, err)
	})
}

// TestProfileEnviron tests deterministic env rendering
// TestProfileEnviron 测试确定性的环境变量渲染
func TestProfileEnviron(t *testing.T) {
	p := Profile{Vars: map[string]string{
		"ZED":   "1",
		"ALPHA": "2",
		"MID":   "3",
	}}
	assert.Equal(t, []string{"ALPHA=2", "MID=3", "ZED=1"}, p.Environ())

	assert.Empty(t, Profile{}.Environ())
}

// TestServiceLogPath tests the per-service log path convention
// TestServiceLogPath 测试每服务日志路径约定
func TestServiceLogPath(t *testing.T) {
	svc := ServiceConfig{Dir: "/srv/kb/hea/", Port: 50001}
	assert.Equal(t, "/srv/kb/hea/server_50001.log", svc.LogPath())

	svc = ServiceConfig{Dir: "domains/chembrain/server", Port: 50003}
	assert.Equal(t, "domains/chembrain/server/server_50003.log", svc.LogPath())
}

// TestPortsAndSelectorValues tests the derived lists
// TestPortsAndSelectorValues 测试派生列表
func TestPortsAndSelectorValues(t *testing.T) {
	cfg := &Config{Services: DefaultServices()}
	assert.Equal(t, []int{50001, 50002, 50003, 50004}, cfg.Ports())
	assert.Equal(t, []string{KBHea, KBSSEBrain, KBChemBrain, KBStainlessSteel, SelectorAll}, cfg.SelectorValues())
}

// TestServiceByPort tests reverse port lookup
// TestServiceByPort 测试端口反查
func TestServiceByPort(t *testing.T) {
	cfg := &Config{Services: DefaultServices()}

	svc, ok := cfg.ServiceByPort(50002)
	require.True(t, ok)
	assert.Equal(t, KBSSEBrain, svc.Name)

	_, ok = cfg.ServiceByPort(9999)
	assert.False(t, ok)
}
