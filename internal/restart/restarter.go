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

// Package restart provides automatic backend restart in agent mode.
// restart 包在 agent 模式下提供后端自动重启。
//
// This package provides:
// 此包提供：
// - Automatic restart on backend crash / 后端崩溃时自动重启
// - Restart count limiting / 重启次数限制
// - Cooldown period management / 冷却时间管理
// - Restart history tracking / 重启历史跟踪
package restart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NingWang-art/Materials-KnowledgeBase/internal/monitor"
)

// Default configuration values
// 默认配置值
const (
	DefaultRestartDelay   = 10 * time.Second // 默认重启延迟 / Default restart delay
	DefaultMaxRestarts    = 3                // 默认最大重启次数 / Default max restarts
	DefaultTimeWindow     = 5 * time.Minute  // 默认时间窗口 / Default time window
	DefaultCooldownPeriod = 30 * time.Minute // 默认冷却时间 / Default cooldown period
)

// Config holds the restart policy
// Config 保存重启策略
type Config struct {
	Enabled        bool          `json:"enabled"`
	RestartDelay   time.Duration `json:"restart_delay"`
	MaxRestarts    int           `json:"max_restarts"`
	TimeWindow     time.Duration `json:"time_window"`
	CooldownPeriod time.Duration `json:"cooldown_period"`
}

// DefaultConfig returns the default restart policy.
// DefaultConfig 返回默认重启策略。
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		RestartDelay:   DefaultRestartDelay,
		MaxRestarts:    DefaultMaxRestarts,
		TimeWindow:     DefaultTimeWindow,
		CooldownPeriod: DefaultCooldownPeriod,
	}
}

// History tracks restart history for one backend
// History 跟踪单个后端的重启历史
type History struct {
	Backend       string      `json:"backend"`
	RestartCount  int         `json:"restart_count"`
	LastRestart   time.Time   `json:"last_restart"`
	WindowStart   time.Time   `json:"window_start"`
	CooldownUntil time.Time   `json:"cooldown_until"`
	RestartTimes  []time.Time `json:"restart_times"`
}

// RestartFunc performs the restart of a named backend in its recorded
// environment. The launcher provides the real implementation.
// RestartFunc 在记录的环境中重启命名的后端。真实实现由 launcher 提供。
type RestartFunc func(ctx context.Context, name, environment string) error

// Callback is invoked after a restart attempt completes.
// Callback 在一次重启尝试完成后被调用。
type Callback func(backend string, success bool, err error)

// AutoRestarter restarts crashed backends within the configured limits.
// AutoRestarter 在配置的限制内重启崩溃的后端。
type AutoRestarter struct {
	restartFn RestartFunc
	config    *Config
	history   map[string]*History
	callback  Callback
	log       *zap.Logger
	mu        sync.RWMutex
}

// New creates an AutoRestarter using fn to perform restarts.
// New 创建使用 fn 执行重启的 AutoRestarter。
func New(fn RestartFunc, log *zap.Logger) *AutoRestarter {
	return &AutoRestarter{
		restartFn: fn,
		config:    DefaultConfig(),
		history:   make(map[string]*History),
		log:       log,
	}
}

// SetConfig replaces the restart policy. Takes effect immediately.
// SetConfig 替换重启策略，立即生效。
func (r *AutoRestarter) SetConfig(config *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = config
	r.log.Info("restart policy updated",
		zap.Bool("enabled", config.Enabled),
		zap.Duration("delay", config.RestartDelay),
		zap.Int("max_restarts", config.MaxRestarts),
		zap.Duration("window", config.TimeWindow),
		zap.Duration("cooldown", config.CooldownPeriod),
	)
}

// SetCallback sets the restart callback.
// SetCallback 设置重启回调。
func (r *AutoRestarter) SetCallback(callback Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = callback
}

// OnBackendCrashed handles a crash event from the monitor.
// OnBackendCrashed 处理来自监控器的崩溃事件。
func (r *AutoRestarter) OnBackendCrashed(backend *monitor.TrackedBackend) error {
	r.mu.RLock()
	config := r.config
	r.mu.RUnlock()

	if !config.Enabled {
		r.log.Info("auto restart disabled, skipping", zap.String("backend", backend.Name))
		return nil
	}

	if !r.ShouldRestart(backend.Name) {
		r.log.Warn("restart limit reached or in cooldown", zap.String("backend", backend.Name))
		return fmt.Errorf("restart limit reached or in cooldown for %s", backend.Name)
	}

	r.log.Info("waiting before restart",
		zap.String("backend", backend.Name),
		zap.Duration("delay", config.RestartDelay),
	)
	time.Sleep(config.RestartDelay)

	// The policy may have been disabled during the delay.
	// 策略可能在延迟期间被禁用。
	r.mu.RLock()
	stillEnabled := r.config.Enabled
	r.mu.RUnlock()
	if !stillEnabled {
		r.log.Info("auto restart disabled after delay, skipping", zap.String("backend", backend.Name))
		return nil
	}

	return r.DoRestart(context.Background(), backend)
}

// ShouldRestart reports whether a backend may be restarted under the
// current policy.
// ShouldRestart 报告在当前策略下是否可以重启某个后端。
func (r *AutoRestarter) ShouldRestart(backend string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.Enabled {
		return false
	}

	history, exists := r.history[backend]
	if !exists {
		return true
	}

	now := time.Now()
	if now.Before(history.CooldownUntil) {
		return false
	}
	if !history.CooldownUntil.IsZero() && now.After(history.CooldownUntil) {
		// Cooldown passed; the counter starts over.
		// 冷却已过，计数重新开始。
		r.resetHistoryLocked(backend)
		return true
	}

	windowStart := now.Add(-r.config.TimeWindow)
	restartsInWindow := 0
	for _, t := range history.RestartTimes {
		if t.After(windowStart) {
			restartsInWindow++
		}
	}
	if restartsInWindow >= r.config.MaxRestarts {
		history.CooldownUntil = now.Add(r.config.CooldownPeriod)
		r.log.Warn("max restarts reached, entering cooldown",
			zap.String("backend", backend),
			zap.Int("max_restarts", r.config.MaxRestarts),
			zap.Time("cooldown_until", history.CooldownUntil),
		)
		return false
	}
	return true
}

// DoRestart performs the restart and records the attempt.
// DoRestart 执行重启并记录这次尝试。
func (r *AutoRestarter) DoRestart(ctx context.Context, backend *monitor.TrackedBackend) error {
	r.mu.RLock()
	callback := r.callback
	r.mu.RUnlock()

	r.log.Info("restarting backend", zap.String("backend", backend.Name), zap.Int("port", backend.Port))

	err := r.restartFn(ctx, backend.Name, backend.Environment)
	r.recordRestart(backend.Name)
	if err != nil {
		r.log.Error("restart failed", zap.String("backend", backend.Name), zap.Error(err))
		if callback != nil {
			callback(backend.Name, false, err)
		}
		return err
	}

	r.log.Info("backend restarted", zap.String("backend", backend.Name))
	if callback != nil {
		callback(backend.Name, true, nil)
	}
	return nil
}

// recordRestart records a restart attempt in the history.
// recordRestart 在历史中记录一次重启尝试。
func (r *AutoRestarter) recordRestart(backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	history, exists := r.history[backend]
	if !exists {
		history = &History{
			Backend:      backend,
			WindowStart:  now,
			RestartTimes: make([]time.Time, 0),
		}
		r.history[backend] = history
	}

	history.RestartCount++
	history.LastRestart = now
	history.RestartTimes = append(history.RestartTimes, now)

	// Drop attempts that fell out of the window.
	// 丢弃已落出窗口的尝试。
	windowStart := now.Add(-r.config.TimeWindow)
	var kept []time.Time
	for _, t := range history.RestartTimes {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	history.RestartTimes = kept
}

// ResetRestartCount resets the restart count for a backend.
// ResetRestartCount 重置后端的重启计数。
func (r *AutoRestarter) ResetRestartCount(backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetHistoryLocked(backend)
}

// resetHistoryLocked must be called with the lock held.
// resetHistoryLocked 必须在持有锁时调用。
func (r *AutoRestarter) resetHistoryLocked(backend string) {
	if history, exists := r.history[backend]; exists {
		history.RestartCount = 0
		history.RestartTimes = make([]time.Time, 0)
		history.WindowStart = time.Now()
		history.CooldownUntil = time.Time{}
	}
}

// GetHistory returns a copy of the restart history for a backend.
// GetHistory 返回后端重启历史的副本。
func (r *AutoRestarter) GetHistory(backend string) *History {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history, exists := r.history[backend]
	if !exists {
		return nil
	}
	historyCopy := *history
	historyCopy.RestartTimes = append([]time.Time(nil), history.RestartTimes...)
	return &historyCopy
}
