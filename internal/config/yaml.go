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
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors Config with the same keys viper reads, so a serialized
// config can be loaded back through the normal path.
// yamlConfig 以 viper 读取的相同键名镜像 Config，使序列化后的配置
// 可以通过正常路径重新加载。
type yamlConfig struct {
	Services []yamlService          `yaml:"services"`
	Profiles map[string]yamlProfile `yaml:"profiles"`
	Launcher yamlLauncher           `yaml:"launcher"`
	Agent    yamlAgent              `yaml:"agent"`
	Log      yamlLog                `yaml:"log"`
}

type yamlService struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Dir         string   `yaml:"dir"`
	Port        int      `yaml:"port"`
	Command     []string `yaml:"command"`
}

type yamlProfile struct {
	Vars map[string]string `yaml:"vars"`
}

type yamlLauncher struct {
	Host         string `yaml:"host"`
	ReadyTimeout string `yaml:"ready_timeout"`
	StopTimeout  string `yaml:"stop_timeout"`
	RegistryPath string `yaml:"registry_path"`
}

type yamlAgent struct {
	MonitorInterval string `yaml:"monitor_interval"`
	APIAddr         string `yaml:"api_addr"`
	AutoRestart     bool   `yaml:"auto_restart"`
}

type yamlLog struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// ToYAML serializes the configuration to YAML format
// ToYAML 将配置序列化为 YAML 格式
func (c *Config) ToYAML() ([]byte, error) {
	out := yamlConfig{
		Profiles: make(map[string]yamlProfile, len(c.Profiles)),
		Launcher: yamlLauncher{
			Host:         c.Launcher.Host,
			ReadyTimeout: c.Launcher.ReadyTimeout.String(),
			StopTimeout:  c.Launcher.StopTimeout.String(),
			RegistryPath: c.Launcher.RegistryPath,
		},
		Agent: yamlAgent{
			MonitorInterval: c.Agent.MonitorInterval.String(),
			APIAddr:         c.Agent.APIAddr,
			AutoRestart:     c.Agent.AutoRestart,
		},
		Log: yamlLog{
			Level:      c.Log.Level,
			File:       c.Log.File,
			MaxSize:    c.Log.MaxSize,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAge,
		},
	}
	for _, svc := range c.Services {
		out.Services = append(out.Services, yamlService{
			Name:        svc.Name,
			DisplayName: svc.DisplayName,
			Dir:         svc.Dir,
			Port:        svc.Port,
			Command:     svc.Command,
		})
	}
	for name, p := range c.Profiles {
		out.Profiles[name] = yamlProfile{Vars: p.Vars}
	}
	return yaml.Marshal(out)
}

// LoadFromYAML loads configuration from YAML bytes
// LoadFromYAML 从 YAML 字节加载配置
func LoadFromYAML(yamlData []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults first / 首先设置默认值
	setDefaults(v)

	// Read from bytes / 从字节读取
	if err := v.ReadConfig(strings.NewReader(string(yamlData))); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Unmarshal config / 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyFallbacks(&cfg)
	return &cfg, nil
}

// Equal compares two configs for equality
// Equal 比较两个配置是否相等
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}

	// Compare services / 比较服务表
	if len(c.Services) != len(other.Services) {
		return false
	}
	for i, svc := range c.Services {
		o := other.Services[i]
		if svc.Name != o.Name || svc.DisplayName != o.DisplayName ||
			svc.Dir != o.Dir || svc.Port != o.Port {
			return false
		}
		if len(svc.Command) != len(o.Command) {
			return false
		}
		for j, arg := range svc.Command {
			if arg != o.Command[j] {
				return false
			}
		}
	}

	// Compare profiles / 比较 profile
	if len(c.Profiles) != len(other.Profiles) {
		return false
	}
	for name, p := range c.Profiles {
		op, ok := other.Profiles[name]
		if !ok || len(p.Vars) != len(op.Vars) {
			return false
		}
		for k, v := range p.Vars {
			if op.Vars[k] != v {
				return false
			}
		}
	}

	// Compare launcher / 比较 launcher
	if c.Launcher != other.Launcher {
		return false
	}

	// Compare agent / 比较 agent
	if c.Agent != other.Agent {
		return false
	}

	// Compare log / 比较 log
	return c.Log == other.Log
}
