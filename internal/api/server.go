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

// Package api serves the agent-mode HTTP status endpoints.
// api 包提供 agent 模式的 HTTP 状态端点。
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NingWang-art/Materials-KnowledgeBase/internal/launcher"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/monitor"
)

// StatusProvider produces the aggregate fleet report.
// StatusProvider 生成聚合机群报告。
type StatusProvider interface {
	Status(ctx context.Context) (*launcher.FleetReport, error)
}

// Server exposes fleet status over HTTP.
// Server 通过 HTTP 暴露机群状态。
type Server struct {
	addr    string
	status  StatusProvider
	monitor *monitor.Monitor
	log     *zap.Logger
	httpSrv *http.Server
}

// NewServer creates a status API server. monitor may be nil when the caller
// runs without agent-mode tracking.
// NewServer 创建状态 API 服务器。调用方不启用 agent 模式跟踪时 monitor 可为空。
func NewServer(addr string, status StatusProvider, mon *monitor.Monitor, log *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		status:  status,
		monitor: mon,
		log:     log,
	}
}

// Router builds the gin handler. Exported for httptest-based tests.
// Router 构建 gin 处理器。导出以便基于 httptest 的测试使用。
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Format(time.RFC3339)})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/backends", s.handleBackends)
	}
	return r
}

// handleStatus returns the aggregate fleet report.
// handleStatus 返回聚合机群报告。
func (s *Server) handleStatus(c *gin.Context) {
	report, err := s.status.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleBackends returns the monitor's tracked backends.
// handleBackends 返回监控器跟踪的后端。
func (s *Server) handleBackends(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{"backends": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": s.monitor.List()})
}

// Start serves until the context is canceled, then shuts down gracefully.
// Start 提供服务直到上下文被取消，然后优雅关闭。
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", zap.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
