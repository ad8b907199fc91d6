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

// Package health probes backend readiness.
// health 包探测后端就绪状态。
//
// A backend is ready when it accepts TCP connections on its port. Waiting for
// that replaces fixed sleeps: "looks alive" and "actually serving" are the
// same observation.
// 后端在其端口接受 TCP 连接时即为就绪。以此等待取代固定休眠：
// “看起来活着”与“真正在服务”是同一个观察。
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Errors returned by readiness waits
// 就绪等待返回的错误
var (
	// ErrProcessExited indicates the backend died before becoming ready
	// ErrProcessExited 表示后端在就绪前已退出
	ErrProcessExited = errors.New("process exited before becoming ready")

	// ErrReadyTimeout indicates the backend never accepted within the window
	// ErrReadyTimeout 表示后端在时间窗口内始终未接受连接
	ErrReadyTimeout = errors.New("readiness wait timed out")
)

// Checker polls TCP readiness on backend ports.
// Checker 轮询后端端口的 TCP 就绪状态。
type Checker struct {
	// Host is the address probed; backends bind 0.0.0.0 so localhost works
	// Host 是探测地址；后端绑定 0.0.0.0，因此 localhost 可用
	Host string

	// Timeout bounds one readiness wait / Timeout 限定一次就绪等待
	Timeout time.Duration

	// Interval is the poll cadence / Interval 是轮询节奏
	Interval time.Duration
}

// NewChecker creates a Checker with the given wait budget.
// NewChecker 创建具有给定等待预算的 Checker。
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		Host:     "127.0.0.1",
		Timeout:  timeout,
		Interval: 500 * time.Millisecond,
	}
}

// ProbeHost maps a backend bind address to the address the probe dials.
// A wildcard bind is reachable via loopback; a concrete address must be
// dialed as-is or the probe would miss a backend bound to one interface.
// ProbeHost 将后端绑定地址映射为探测拨号地址。通配绑定可经回环访问；
// 具体地址必须按原样拨号，否则会漏掉只绑定单个网卡的后端。
func ProbeHost(bindHost string) string {
	switch bindHost {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return bindHost
}

// WaitReady blocks until the port accepts a TCP connection, the alive probe
// fails, the timeout elapses, or the context is canceled.
// WaitReady 阻塞直到端口接受 TCP 连接、存活探测失败、超时或上下文取消。
func (c *Checker) WaitReady(ctx context.Context, port int, alive func() bool) error {
	deadline := time.Now().Add(c.Timeout)
	for {
		if c.PortBound(port) {
			return nil
		}
		// A dead process will never accept; fail fast with the log tail path.
		// 死进程永远不会接受连接；尽快失败以便走日志尾部路径。
		if alive != nil && !alive() {
			return ErrProcessExited
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: port %d after %v", ErrReadyTimeout, port, c.Timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Interval):
		}
	}
}

// PortBound reports whether something is accepting on the port right now.
// PortBound 报告当前是否有进程在该端口接受连接。
func (c *Checker) PortBound(port int) bool {
	addr := net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
