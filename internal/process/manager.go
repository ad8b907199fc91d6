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

// Package process provides backend process lifecycle management for the launcher.
// process 包提供启动器的后端进程生命周期管理功能。
//
// This package provides:
// 此包提供：
// - Spawn with log redirection / 带日志重定向的进程派生
// - Forcible teardown keyed by PID / 按 PID 强制终止
// - Liveness probing / 存活探测
// - Log tail collection on failure / 失败时的日志尾部收集
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/NingWang-art/Materials-KnowledgeBase/internal/config"
)

// Common errors for process management
// 进程管理的常见错误
var (
	// ErrProcessNotFound indicates no spawned process exists for the port
	// ErrProcessNotFound 表示该端口没有已派生的进程
	ErrProcessNotFound = errors.New("process not found")

	// ErrProcessAlreadyRunning indicates a process already occupies the port
	// ErrProcessAlreadyRunning 表示已有进程占用该端口
	ErrProcessAlreadyRunning = errors.New("process is already running")

	// ErrStartFailed indicates the backend failed to start
	// ErrStartFailed 表示后端启动失败
	ErrStartFailed = errors.New("process failed to start")

	// ErrStopTimeout indicates the process did not disappear within the wait
	// ErrStopTimeout 表示进程在等待时间内未消失
	ErrStopTimeout = errors.New("process stop timed out")

	// ErrInvalidWorkDir indicates the backend working directory is unusable
	// ErrInvalidWorkDir 表示后端工作目录不可用
	ErrInvalidWorkDir = errors.New("invalid working directory")
)

// Status represents the status of a spawned backend
// Status 表示已派生后端的状态
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// DefaultLogTailLines is the number of log lines surfaced on failure
// DefaultLogTailLines 是失败时展示的日志行数
const DefaultLogTailLines = 50

// StartParams contains parameters for starting a backend
// StartParams 包含启动后端的参数
type StartParams struct {
	// Service is the knowledge base entry being launched
	// Service 是要启动的知识库条目
	Service config.ServiceConfig

	// Host is passed via --host / 通过 --host 传递
	Host string

	// ExtraEnv holds KEY=VALUE pairs appended to the inherited environment
	// ExtraEnv 保存追加到继承环境之后的 KEY=VALUE 键值对
	ExtraEnv []string

	// Foreground attaches the backend to the launcher's lifetime; in
	// background mode the backend gets its own process group and survives
	// the launcher.
	// Foreground 将后端绑定到启动器的生命周期；后台模式下后端拥有独立的
	// 进程组，并在启动器退出后继续存活。
	Foreground bool
}

// Info describes a spawned backend process
// Info 描述一个已派生的后端进程
type Info struct {
	Service   string    `json:"service"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"start_time"`
	LogPath   string    `json:"log_path"`
	LastError string    `json:"last_error,omitempty"`
}

type spawned struct {
	info Info
	cmd  *exec.Cmd
	mu   sync.RWMutex
}

// Manager spawns and terminates backend processes. It holds live handles for
// the current launcher invocation; durable handles live in the registry.
// Manager 派生并终止后端进程。它持有当前启动器调用的活动句柄；
// 持久句柄保存在 registry 中。
type Manager struct {
	// processes stores spawned backends by port
	// processes 按端口存储已派生的后端
	processes sync.Map
}

// NewManager creates a new Manager instance
// NewManager 创建一个新的 Manager 实例
func NewManager() *Manager {
	return &Manager{}
}

// Start launches one backend with the --host/--port contract and redirects its
// output to server_<port>.log in the working directory, truncating any
// previous file.
// Start 按 --host/--port 约定启动一个后端，并将其输出重定向到工作目录下的
// server_<port>.log，覆盖旧文件。
func (m *Manager) Start(ctx context.Context, params StartParams) (*Info, error) {
	svc := params.Service

	if existing, ok := m.processes.Load(svc.Port); ok {
		sp := existing.(*spawned)
		sp.mu.RLock()
		status := sp.info.Status
		pid := sp.info.PID
		sp.mu.RUnlock()
		if (status == StatusRunning || status == StatusStarting) && IsAlive(pid) {
			return nil, fmt.Errorf("%w: port %d", ErrProcessAlreadyRunning, svc.Port)
		}
	}

	// Validate working directory / 验证工作目录
	fi, err := os.Stat(svc.Dir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWorkDir, svc.Dir)
	}

	args := make([]string, 0, len(svc.Command)+3)
	args = append(args, svc.Command[1:]...)
	args = append(args, "--host", params.Host, "--port", strconv.Itoa(svc.Port))

	var cmd *exec.Cmd
	if params.Foreground {
		// Foreground backends live and die with the launcher context.
		// 前台后端与启动器上下文共存亡。
		cmd = exec.CommandContext(ctx, svc.Command[0], args...)
	} else {
		// Background backends must not be tied to the launcher: no context
		// kill, own process group (the nohup-style detach).
		// 后台后端不能绑定启动器：不随上下文终止，拥有独立进程组（nohup 式分离）。
		cmd = exec.Command(svc.Command[0], args...)
		setProcGroupAttr(cmd)
	}
	cmd.Dir = svc.Dir
	cmd.Env = append(os.Environ(), params.ExtraEnv...)

	// Overwrite the per-port log file / 覆盖按端口命名的日志文件
	logPath := svc.LogPath()
	logWriter, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("%w: create log file: %v", ErrStartFailed, err)
	}
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter

	if err := cmd.Start(); err != nil {
		logWriter.Close()
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	sp := &spawned{
		info: Info{
			Service:   svc.Name,
			Port:      svc.Port,
			PID:       cmd.Process.Pid,
			Status:    StatusRunning,
			StartTime: time.Now(),
			LogPath:   logPath,
		},
		cmd: cmd,
	}
	m.processes.Store(svc.Port, sp)

	// Reap the child and release the log file once it exits.
	// 子进程退出后回收并释放日志文件。
	go func() {
		err := cmd.Wait()
		logWriter.Close()
		sp.mu.Lock()
		sp.info.Status = StatusStopped
		if err != nil {
			sp.info.Status = StatusError
			sp.info.LastError = err.Error()
		}
		sp.mu.Unlock()
	}()

	info := sp.snapshot()
	return &info, nil
}

// Wait blocks until the backend on the given port exits. Only meaningful in
// foreground mode.
// Wait 阻塞直到给定端口上的后端退出。仅在前台模式下有意义。
func (m *Manager) Wait(port int) error {
	value, ok := m.processes.Load(port)
	if !ok {
		return ErrProcessNotFound
	}
	sp := value.(*spawned)
	for {
		sp.mu.RLock()
		status := sp.info.Status
		lastErr := sp.info.LastError
		sp.mu.RUnlock()
		if status == StatusStopped {
			return nil
		}
		if status == StatusError {
			return fmt.Errorf("backend on port %d: %s", port, lastErr)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Get returns the spawned process info for a port.
// Get 返回端口对应的已派生进程信息。
func (m *Manager) Get(port int) (*Info, bool) {
	value, ok := m.processes.Load(port)
	if !ok {
		return nil, false
	}
	sp := value.(*spawned)
	info := sp.snapshot()
	return &info, true
}

// List returns all spawned processes of this invocation.
// List 返回本次调用派生的所有进程。
func (m *Manager) List() []*Info {
	var out []*Info
	m.processes.Range(func(_, value interface{}) bool {
		sp := value.(*spawned)
		info := sp.snapshot()
		out = append(out, &info)
		return true
	})
	return out
}

func (sp *spawned) snapshot() Info {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.info
}

// Terminate forcibly kills a PID and waits until it disappears or the timeout
// elapses. There is no graceful drain; ports must be free for the next start.
// Terminate 强制杀死 PID 并等待其消失或超时。没有优雅排空；端口必须为
// 下一次启动腾出。
func Terminate(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 || !IsAlive(pid) {
		return nil
	}

	if err := sendSignal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !IsAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if IsAlive(pid) {
		return fmt.Errorf("%w: pid %d", ErrStopTimeout, pid)
	}
	return nil
}

// IsAlive checks if a process with the given PID is alive
// IsAlive 检查给定 PID 的进程是否存活
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// FindProcess always succeeds on Unix; signal 0 performs the real check.
	// Unix 上 FindProcess 总是成功；信号 0 执行真正的检查。
	return proc.Signal(syscall.Signal(0)) == nil
}

// sendSignal sends a signal to a process
// sendSignal 向进程发送信号
func sendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// CollectLogTail collects the last N lines from a log file for failure reports.
// CollectLogTail 从日志文件收集最后 N 行用于失败报告。
func CollectLogTail(logFile string, lines int) string {
	file, err := os.Open(logFile)
	if err != nil {
		return fmt.Sprintf("failed to open log file: %v", err)
	}
	defer file.Close()

	var all []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}

	start := 0
	if len(all) > lines {
		start = len(all) - lines
	}
	return strings.Join(all[start:], "\n")
}
