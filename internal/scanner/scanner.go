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

// Package scanner discovers running knowledge base backends on the local host.
// scanner 包在本机上发现正在运行的知识库后端。
//
// Scanning matches textual process listings and is inherently racy: it can
// match unrelated processes with similar command lines or miss renamed ones.
// It is the teardown fallback only; the launch registry is the primary
// source of process handles.
// 扫描基于文本进程列表匹配，天然存在竞态：可能匹配到命令行相似的无关
// 进程，也可能漏掉改名的进程。它只是终止时的兜底手段；启动注册表才是
// 进程句柄的主要来源。
package scanner

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPattern matches the backend entrypoint in process command lines
// DefaultPattern 匹配进程命令行中的后端入口
const DefaultPattern = "server.py"

// portFlagRegex extracts the --port argument from a command line
// portFlagRegex 从命令行提取 --port 参数
var portFlagRegex = regexp.MustCompile(`--port[= ](\d+)`)

// Backend represents a discovered backend process
// Backend 表示一个被发现的后端进程
type Backend struct {
	PID     int    `json:"pid"`
	Port    int    `json:"port"`
	Cmdline string `json:"cmdline"`
}

// Scanner scans live process listings for backend processes.
// Scanner 扫描活动进程列表以查找后端进程。
type Scanner struct {
	pattern string
}

// New creates a Scanner matching the given command-line pattern; an empty
// pattern falls back to DefaultPattern.
// New 创建匹配给定命令行模式的 Scanner；模式为空时回退到 DefaultPattern。
func New(pattern string) *Scanner {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Scanner{pattern: pattern}
}

// Scan returns every process whose command line contains the pattern and a
// recognizable --port argument.
// Scan 返回命令行包含该模式且带有可识别 --port 参数的所有进程。
func (s *Scanner) Scan() ([]*Backend, error) {
	// ps + grep, the same pipeline operators run by hand.
	// ps + grep，与运维手工执行的管道一致。
	grepCmd := fmt.Sprintf("ps -ef | grep '%s' | grep -v grep", s.pattern)
	cmd := exec.Command("/bin/bash", "-c", grepCmd)
	output, err := cmd.Output()
	if err != nil {
		// grep exits 1 when nothing matches; that is not an error.
		// 没有匹配时 grep 以 1 退出；这不是错误。
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan processes: %w", err)
	}

	var backends []*Backend
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		backend, err := ParseLine(line)
		if err != nil {
			continue
		}
		backends = append(backends, backend)
	}
	return backends, nil
}

// FindByPort returns the backends claiming the given port.
// FindByPort 返回声称占用给定端口的后端。
func (s *Scanner) FindByPort(port int) ([]*Backend, error) {
	all, err := s.Scan()
	if err != nil {
		return nil, err
	}
	var matched []*Backend
	for _, b := range all {
		if b.Port == port {
			matched = append(matched, b)
		}
	}
	return matched, nil
}

// ParseLine parses a single ps -ef output line into a Backend.
// ParseLine 将一行 ps -ef 输出解析为 Backend。
func ParseLine(line string) (*Backend, error) {
	// ps -ef format: UID PID PPID C STIME TTY TIME CMD
	// ps -ef 格式：UID PID PPID C STIME TTY TIME CMD
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, fmt.Errorf("invalid ps line format")
	}

	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse PID: %w", err)
	}

	cmdline := strings.Join(fields[7:], " ")
	port, err := ExtractPort(cmdline)
	if err != nil {
		return nil, err
	}

	return &Backend{PID: pid, Port: port, Cmdline: cmdline}, nil
}

// ExtractPort extracts the --port value from a command line.
// ExtractPort 从命令行提取 --port 的值。
func ExtractPort(cmdline string) (int, error) {
	matches := portFlagRegex.FindStringSubmatch(cmdline)
	if len(matches) < 2 {
		return 0, fmt.Errorf("no --port argument in command line")
	}
	port, err := strconv.Atoi(matches[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", matches[1])
	}
	return port, nil
}
