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
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Property: For any valid launcher configuration, serializing to YAML and
// parsing back SHALL produce an equivalent configuration.
// 属性：对于任何有效的启动器配置，序列化为 YAML 并解析回来应产生等效的配置。
func TestProperty_ConfigYAMLRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := generateValidConfig(t)

		yamlData, err := cfg.ToYAML()
		if err != nil {
			t.Fatalf("Failed to serialize config to YAML: %v", err)
		}

		parsedCfg, err := LoadFromYAML(yamlData)
		if err != nil {
			t.Fatalf("Failed to parse config from YAML: %v\nYAML content:\n%s", err, string(yamlData))
		}

		if !cfg.Equal(parsedCfg) {
			t.Fatalf("Round-trip failed: original and parsed configs are not equal\nOriginal: %+v\nParsed: %+v\nYAML:\n%s",
				cfg, parsedCfg, string(yamlData))
		}
	})
}

// Property: Select accepts exactly the configured names plus "all";
// any other selector yields an error.
// 属性：Select 只接受配置的名称加上 "all"，其他选择器都返回错误。
func TestProperty_SelectorClosedSet(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := generateValidConfig(t)

		valid := make(map[string]bool)
		for _, v := range cfg.SelectorValues() {
			valid[v] = true
		}

		selector := rapid.OneOf(
			rapid.SampledFrom(cfg.SelectorValues()),
			rapid.StringMatching(`[a-z_]{0,12}`),
		).Draw(t, "selector")

		services, err := cfg.Select(selector)
		if valid[selector] {
			if err != nil {
				t.Fatalf("valid selector %q rejected: %v", selector, err)
			}
			if selector == SelectorAll {
				if len(services) != len(cfg.Services) {
					t.Fatalf("all returned %d of %d services", len(services), len(cfg.Services))
				}
			} else if len(services) != 1 || services[0].Name != selector {
				t.Fatalf("selector %q resolved to %+v", selector, services)
			}
		} else if err == nil {
			t.Fatalf("invalid selector %q accepted", selector)
		}
	})
}

// generateValidConfig generates a valid Config for property testing
// generateValidConfig 为属性测试生成有效的 Config
func generateValidConfig(t *rapid.T) *Config {
	numServices := rapid.IntRange(1, 6).Draw(t, "numServices")
	services := make([]ServiceConfig, 0, numServices)
	usedNames := make(map[string]bool)
	usedPorts := make(map[int]bool)
	for i := 0; i < numServices; i++ {
		name := rapid.StringMatching(`[a-z][a-z0-9_]{0,12}`).
			Filter(func(s string) bool { return s != SelectorAll && !usedNames[s] }).
			Draw(t, fmt.Sprintf("name%d", i))
		usedNames[name] = true

		port := rapid.IntRange(1024, 65535).
			Filter(func(p int) bool { return !usedPorts[p] }).
			Draw(t, fmt.Sprintf("port%d", i))
		usedPorts[port] = true

		services = append(services, ServiceConfig{
			Name:        name,
			DisplayName: rapid.StringMatching(`[A-Za-z ]{0,20}`).Draw(t, fmt.Sprintf("display%d", i)),
			Dir:         "/srv/kb/" + name,
			Port:        port,
			Command:     []string{"python3", "server.py"},
		})
	}

	// Every known environment needs a profile with the unconditional vars,
	// matching what applyFallbacks enforces.
	// 每个已知环境都需要带无条件变量的 profile，与 applyFallbacks 的
	// 强制行为一致。
	profiles := make(map[string]Profile)
	for _, env := range KnownEnvironments() {
		vars := map[string]string{
			TiefblueBaseURLVar:   "https://" + rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "tiefblueHost") + ".example.com",
			BohriumUseSandboxVar: rapid.SampledFrom([]string{"0", "1"}).Draw(t, "sandbox"),
			"KB_DEPLOY_ENV":      env,
		}
		if rapid.Bool().Draw(t, "extraVar") {
			key := "KB_" + rapid.StringMatching(`[A-Z]{2,8}`).Draw(t, "extraKey")
			vars[key] = rapid.StringMatching(`[a-z0-9]{0,16}`).Draw(t, "extraVal")
		}
		profiles[env] = Profile{Vars: vars}
	}

	readySeconds := rapid.IntRange(1, 300).Draw(t, "readySeconds")
	stopSeconds := rapid.IntRange(1, 60).Draw(t, "stopSeconds")
	monitorSeconds := rapid.IntRange(1, 120).Draw(t, "monitorSeconds")

	return &Config{
		Services: services,
		Profiles: profiles,
		Launcher: LauncherConfig{
			Host:         rapid.SampledFrom([]string{"0.0.0.0", "127.0.0.1"}).Draw(t, "host"),
			ReadyTimeout: time.Duration(readySeconds) * time.Second,
			StopTimeout:  time.Duration(stopSeconds) * time.Second,
			RegistryPath: "/var/lib/kblauncher/" + rapid.StringMatching(`[a-z]{1,10}`).Draw(t, "dbName") + ".db",
		},
		Agent: AgentConfig{
			MonitorInterval: time.Duration(monitorSeconds) * time.Second,
			APIAddr:         fmt.Sprintf(":%d", rapid.IntRange(1024, 65535).Draw(t, "apiPort")),
			AutoRestart:     rapid.Bool().Draw(t, "autoRestart"),
		},
		Log: LogConfig{
			Level:      rapid.SampledFrom([]string{"debug", "info", "warn", "error"}).Draw(t, "logLevel"),
			File:       "/var/log/" + rapid.StringMatching(`[a-z]{1,10}`).Draw(t, "logFileName") + ".log",
			MaxSize:    rapid.IntRange(1, 500).Draw(t, "maxSize"),
			MaxBackups: rapid.IntRange(0, 10).Draw(t, "maxBackups"),
			MaxAge:     rapid.IntRange(0, 30).Draw(t, "maxAge"),
		},
	}
}
