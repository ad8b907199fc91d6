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

// Package monitor watches the knowledge base backend fleet in agent mode.
// monitor 包在 agent 模式下监视知识库后端机群。
//
// This package provides:
// 此包提供：
// - Periodic liveness checks / 周期性存活检查
// - Manual stop marking / 手动停止标记
// - Consecutive failure detection / 连续失败检测
// - Crash event generation / 崩溃事件生成
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NingWang-art/Materials-KnowledgeBase/internal/process"
)

// DefaultInterval is the default liveness check interval
// DefaultInterval 是默认的存活检查间隔
const DefaultInterval = 5 * time.Second

// DefaultConsecutiveFailThreshold is the number of consecutive failures
// before a backend is declared crashed
// DefaultConsecutiveFailThreshold 是宣告后端崩溃前的连续失败次数
const DefaultConsecutiveFailThreshold = 3

// BackendStatus represents the observed status of a tracked backend
// BackendStatus 表示被跟踪后端的观测状态
type BackendStatus string

const (
	StatusRunning BackendStatus = "running"
	StatusStopped BackendStatus = "stopped"
	StatusUnknown BackendStatus = "unknown"
)

// TrackedBackend represents a backend being tracked by the monitor
// TrackedBackend 表示被监控器跟踪的后端
type TrackedBackend struct {
	Name             string        `json:"name"`
	Port             int           `json:"port"`
	PID              int           `json:"pid"`
	Environment      string        `json:"environment"`
	Status           BackendStatus `json:"status"`
	ManuallyStopped  bool          `json:"manually_stopped"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	LastCheck        time.Time     `json:"last_check"`
}

// EventType represents the type of backend lifecycle event
// EventType 表示后端生命周期事件类型
type EventType string

const (
	EventTracked   EventType = "tracked"
	EventStopped   EventType = "stopped"
	EventCrashed   EventType = "crashed"
	EventRestarted EventType = "restarted"
)

// Event represents a backend lifecycle event
// Event 表示后端生命周期事件
type Event struct {
	Type      EventType `json:"type"`
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler is called when backend events occur
// EventHandler 在后端事件发生时被调用
type EventHandler func(event *Event)

// CrashHandler is called when a backend crash is detected
// CrashHandler 在检测到后端崩溃时被调用
type CrashHandler func(backend *TrackedBackend)

// aliveFunc allows tests to substitute the liveness probe.
// aliveFunc 允许测试替换存活探测。
type aliveFunc func(pid int) bool

// Monitor checks tracked backends on a fixed interval and reports crashes
// after the consecutive failure threshold is crossed.
// Monitor 以固定间隔检查被跟踪的后端，在越过连续失败阈值后上报崩溃。
type Monitor struct {
	backends      map[string]*TrackedBackend // key: backend name / 键为后端名
	interval      time.Duration
	failThreshold int
	eventHandler  EventHandler
	crashHandler  CrashHandler
	alive         aliveFunc
	log           *zap.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	mu            sync.RWMutex
}

// New creates a Monitor with the default interval and threshold.
// New 创建使用默认间隔与阈值的 Monitor。
func New(log *zap.Logger) *Monitor {
	return &Monitor{
		backends:      make(map[string]*TrackedBackend),
		interval:      DefaultInterval,
		failThreshold: DefaultConsecutiveFailThreshold,
		alive:         process.IsAlive,
		log:           log,
	}
}

// SetInterval sets the liveness check interval.
// SetInterval 设置存活检查间隔。
func (m *Monitor) SetInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = interval
}

// SetConsecutiveFailThreshold sets the consecutive failure threshold.
// SetConsecutiveFailThreshold 设置连续失败阈值。
func (m *Monitor) SetConsecutiveFailThreshold(threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failThreshold = threshold
}

// SetEventHandler sets the event handler callback.
// SetEventHandler 设置事件处理回调。
func (m *Monitor) SetEventHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandler = handler
}

// SetCrashHandler sets the crash handler callback.
// SetCrashHandler 设置崩溃处理回调。
func (m *Monitor) SetCrashHandler(handler CrashHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashHandler = handler
}

// SetAliveFunc replaces the liveness probe (tests only).
// SetAliveFunc 替换存活探测（仅测试使用）。
func (m *Monitor) SetAliveFunc(fn aliveFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = fn
}

// Start starts the monitoring loop.
// Start 启动监控循环。
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	interval := m.interval
	m.mu.Unlock()

	m.log.Info("monitor started", zap.Duration("interval", interval))
	go m.loop(interval)
	return nil
}

// Stop stops the monitoring loop.
// Stop 停止监控循环。
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
	m.log.Info("monitor stopped")
	return nil
}

func (m *Monitor) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll()
		}
	}
}

// CheckAll probes every tracked backend once. Exported so tests can drive
// the check without waiting on the ticker.
// CheckAll 对每个被跟踪的后端探测一次。导出是为了让测试无需等待定时器。
func (m *Monitor) CheckAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, b := range m.backends {
		if b.ManuallyStopped {
			continue
		}

		b.LastCheck = time.Now()
		if m.alive(b.PID) {
			b.Status = StatusRunning
			b.ConsecutiveFails = 0
			continue
		}

		b.ConsecutiveFails++
		m.log.Warn("backend not alive",
			zap.String("backend", name),
			zap.Int("pid", b.PID),
			zap.Int("consecutive_fails", b.ConsecutiveFails),
		)

		if b.ConsecutiveFails < m.failThreshold {
			continue
		}
		// The crash is reported once; further misses are suppressed until
		// the backend is tracked again.
		// 崩溃只上报一次；在后端被重新跟踪之前抑制后续失败。
		if b.Status == StatusStopped {
			continue
		}
		b.Status = StatusStopped

		m.notify(&Event{
			Type:      EventCrashed,
			Name:      b.Name,
			Port:      b.Port,
			PID:       b.PID,
			Timestamp: time.Now(),
		})
		if m.crashHandler != nil {
			// Copy to avoid races with the map entry.
			// 复制以避免与 map 条目产生竞态。
			backendCopy := *b
			go m.crashHandler(&backendCopy)
		}
	}
}

func (m *Monitor) notify(event *Event) {
	if m.eventHandler != nil {
		go m.eventHandler(event)
	}
}

// Track starts tracking a backend.
// Track 开始跟踪一个后端。
func (m *Monitor) Track(name string, port, pid int, environment string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backends[name] = &TrackedBackend{
		Name:        name,
		Port:        port,
		PID:         pid,
		Environment: environment,
		Status:      StatusRunning,
		LastCheck:   time.Now(),
	}
	m.log.Info("tracking backend", zap.String("backend", name), zap.Int("port", port), zap.Int("pid", pid))

	m.notify(&Event{
		Type:      EventTracked,
		Name:      name,
		Port:      port,
		PID:       pid,
		Timestamp: time.Now(),
	})
}

// Untrack stops tracking a backend.
// Untrack 停止跟踪一个后端。
func (m *Monitor) Untrack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backends, name)
}

// MarkManuallyStopped marks a backend as intentionally stopped so the
// monitor does not treat its absence as a crash.
// MarkManuallyStopped 将后端标记为人为停止，使监控器不把它的缺席当作崩溃。
func (m *Monitor) MarkManuallyStopped(name string, stopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.backends[name]; ok {
		b.ManuallyStopped = stopped
		if stopped {
			b.Status = StatusStopped
		}
	}
}

// Get returns a copy of a tracked backend.
// Get 返回被跟踪后端的副本。
func (m *Monitor) Get(name string) (*TrackedBackend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[name]
	if !ok {
		return nil, false
	}
	backendCopy := *b
	return &backendCopy, true
}

// List returns copies of all tracked backends.
// List 返回所有被跟踪后端的副本。
func (m *Monitor) List() []*TrackedBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackedBackend, 0, len(m.backends))
	for _, b := range m.backends {
		backendCopy := *b
		out = append(out, &backendCopy)
	}
	return out
}
