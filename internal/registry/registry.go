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

// Package registry persists spawned process handles keyed by port.
// registry 包按端口持久化已派生进程的句柄。
//
// The registry replaces pattern-matching teardown: the PID recorded at spawn
// time is the primary handle, and the process scanner is only a fallback for
// processes the registry does not know about.
// registry 取代了基于模式匹配的终止方式：派生时记录的 PID 是主句柄，
// 进程扫描器只是 registry 不知情进程的兜底手段。
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound indicates no entry exists for the port
// ErrNotFound 表示该端口没有条目
var ErrNotFound = errors.New("registry entry not found")

// Entry is one persisted launch record. The port is the ownership token: at
// most one row per port.
// Entry 是一条持久化的启动记录。端口是所有权令牌：每个端口最多一行。
type Entry struct {
	// Port is the primary key / Port 是主键
	Port int `gorm:"primaryKey" json:"port"`

	// PID of the spawned backend / 派生后端的 PID
	PID int `json:"pid"`

	// Service is the knowledge base identifier / Service 是知识库标识符
	Service string `json:"service"`

	// RunID identifies the launcher invocation that spawned this backend
	// RunID 标识派生此后端的那次启动器调用
	RunID string `json:"run_id"`

	// Environment is the profile selector used at spawn time
	// Environment 是派生时使用的环境选择器
	Environment string `json:"environment"`

	// LogPath is the backend's server_<port>.log location
	// LogPath 是后端 server_<port>.log 的位置
	LogPath string `json:"log_path"`

	// StartedAt is the spawn time / StartedAt 是派生时间
	StartedAt time.Time `json:"started_at"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across gorm naming strategies.
// TableName 使表名在不同 gorm 命名策略下保持稳定。
func (Entry) TableName() string {
	return "launch_entries"
}

// Registry is the sqlite-backed launch registry.
// Registry 是基于 sqlite 的启动注册表。
type Registry struct {
	db *gorm.DB
}

// Open opens (and if needed creates) the registry database at path.
// Open 打开（必要时创建）位于 path 的注册表数据库。
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate registry: %w", err)
	}

	return &Registry{db: db}, nil
}

// Record upserts the entry for its port.
// Record 以端口为键插入或更新条目。
func (r *Registry) Record(entry *Entry) error {
	entry.UpdatedAt = time.Now()
	return r.db.Save(entry).Error
}

// Lookup returns the entry for a port.
// Lookup 返回端口对应的条目。
func (r *Registry) Lookup(port int) (*Entry, error) {
	var entry Entry
	err := r.db.First(&entry, "port = ?", port).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Remove deletes the entry for a port. Removing a missing entry is not an error.
// Remove 删除端口对应的条目。删除不存在的条目不是错误。
func (r *Registry) Remove(port int) error {
	return r.db.Delete(&Entry{}, "port = ?", port).Error
}

// List returns all entries ordered by port.
// List 按端口顺序返回所有条目。
func (r *Registry) List() ([]*Entry, error) {
	var entries []*Entry
	if err := r.db.Order("port").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Prune removes entries whose PID is no longer alive and returns the removed
// ports. Stale entries accumulate when backends crash or the host reboots.
// Prune 删除 PID 已不存活的条目并返回被删除的端口。后端崩溃或主机重启
// 会产生陈旧条目。
func (r *Registry) Prune(isAlive func(pid int) bool) ([]int, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}

	var pruned []int
	for _, entry := range entries {
		if isAlive(entry.PID) {
			continue
		}
		if err := r.Remove(entry.Port); err != nil {
			return pruned, err
		}
		pruned = append(pruned, entry.Port)
	}
	return pruned, nil
}
