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

package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NingWang-art/Materials-KnowledgeBase/internal/config"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/health"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/process"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/registry"
	"github.com/NingWang-art/Materials-KnowledgeBase/internal/scanner"
)

// fakeProber decides readiness per port without touching the network.
// A port absent from ready is polled against the alive probe so dead
// backends fail the way the real checker does.
// fakeProber 按端口决定就绪状态，不触碰网络。不在 ready 中的端口会
// 针对存活探测轮询，使死亡后端以与真实检查器相同的方式失败。
type fakeProber struct {
	ready map[int]bool
	bound map[int]bool
}

func (f *fakeProber) WaitReady(ctx context.Context, port int, alive func() bool) error {
	if f.ready[port] {
		return nil
	}
	for i := 0; i < 20; i++ {
		if alive != nil && !alive() {
			return health.ErrProcessExited
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return health.ErrReadyTimeout
}

func (f *fakeProber) PortBound(port int) bool { return f.bound[port] }

// fakeScanner reports no pattern matches, keeping tests off the real ps.
// fakeScanner 不报告任何模式匹配，使测试不依赖真实的 ps。
type fakeScanner struct {
	backends map[int][]*scanner.Backend
}

func (f *fakeScanner) FindByPort(port int) ([]*scanner.Backend, error) {
	return f.backends[port], nil
}

// newTestLauncher builds a launcher over two fake backends that run long
// enough to observe and terminate.
// newTestLauncher 基于两个运行足够久、可观察并终止的假后端构建启动器。
func newTestLauncher(t *testing.T, ports ...int) (*Launcher, *config.Config, *fakeProber) {
	t.Helper()

	cfg := &config.Config{
		Profiles: config.DefaultProfiles(),
		Launcher: config.LauncherConfig{
			Host:         "127.0.0.1",
			ReadyTimeout: 5 * time.Second,
			StopTimeout:  5 * time.Second,
			RegistryPath: t.TempDir() + "/launcher.db",
		},
		Log: config.LogConfig{Level: "info"},
	}

	names := []string{config.KBHea, config.KBSSEBrain, config.KBChemBrain, config.KBStainlessSteel}
	prober := &fakeProber{ready: map[int]bool{}, bound: map[int]bool{}}
	for i, port := range ports {
		cfg.Services = append(cfg.Services, config.ServiceConfig{
			Name:        names[i],
			DisplayName: names[i],
			Dir:         t.TempDir(),
			Port:        port,
			Command:     []string{"sh", "-c", "sleep 30"},
		})
		prober.ready[port] = true
	}

	l, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	l.SetProber(prober)
	l.SetScanner(&fakeScanner{backends: map[int][]*scanner.Backend{}})

	t.Cleanup(func() {
		_, _ = l.Stop(context.Background(), config.SelectorAll)
	})
	return l, cfg, prober
}

// TestStartAllBackground tests a full background fleet launch
// TestStartAllBackground 测试完整的后台机群启动
func TestStartAllBackground(t *testing.T) {
	l, cfg, _ := newTestLauncher(t, 61001, 61002)

	report, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvTest,
		Selector:    config.SelectorAll,
		Background:  true,
	})
	require.NoError(t, err)
	require.Len(t, report.Services, 2)
	assert.Equal(t, 2, report.Up())
	assert.Equal(t, 0, report.Down())
	assert.Empty(t, report.Hint)
	assert.Equal(t, config.EnvTest, report.Environment)

	for _, svc := range report.Services {
		assert.Equal(t, StateUp, svc.State)
		assert.True(t, process.IsAlive(svc.PID), "service %s", svc.Name)
	}

	// Every started backend leaves a durable registry handle.
	// 每个已启动的后端都留下持久的注册表句柄。
	for _, port := range cfg.Ports() {
		entry, err := l.Registry().Lookup(port)
		require.NoError(t, err)
		assert.Equal(t, config.EnvTest, entry.Environment)
		assert.True(t, process.IsAlive(entry.PID))
	}
}

// TestStartKillsPreviousOccupant tests the teardown-before-start contract
// TestStartKillsPreviousOccupant 测试先终止后启动的约定
func TestStartKillsPreviousOccupant(t *testing.T) {
	l, _, _ := newTestLauncher(t, 61011)

	first, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvTest,
		Selector:    config.SelectorAll,
		Background:  true,
	})
	require.NoError(t, err)
	firstPID := first.Services[0].PID
	require.True(t, process.IsAlive(firstPID))

	second, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvUAT,
		Selector:    config.SelectorAll,
		Background:  true,
	})
	require.NoError(t, err)
	secondPID := second.Services[0].PID

	assert.NotEqual(t, firstPID, secondPID)
	assert.False(t, process.IsAlive(firstPID), "previous occupant must be gone")
	assert.True(t, process.IsAlive(secondPID))

	entry, err := l.Registry().Lookup(61011)
	require.NoError(t, err)
	assert.Equal(t, secondPID, entry.PID)
	assert.Equal(t, config.EnvUAT, entry.Environment)
}

// TestStartForegroundAllRejected tests the invalid flag combination
// TestStartForegroundAllRejected 测试无效的参数组合
func TestStartForegroundAllRejected(t *testing.T) {
	l, _, _ := newTestLauncher(t, 61021, 61022)

	_, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvTest,
		Selector:    config.SelectorAll,
		Background:  false,
	})
	require.ErrorIs(t, err, ErrForegroundAll)
}

// TestStartRejectsUnknownInputs tests validation before any process action
// TestStartRejectsUnknownInputs 测试在任何进程操作之前的校验
func TestStartRejectsUnknownInputs(t *testing.T) {
	l, _, _ := newTestLauncher(t, 61031)

	_, err := l.Start(context.Background(), StartOptions{
		Environment: "staging",
		Selector:    config.SelectorAll,
		Background:  true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown environment")

	_, err = l.Start(context.Background(), StartOptions{
		Environment: config.EnvTest,
		Selector:    "quantum",
		Background:  true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown knowledge base")
}

// TestStartPartialFailure tests the report for a fleet with one dead backend
// TestStartPartialFailure 测试一个后端失败时的机群报告
func TestStartPartialFailure(t *testing.T) {
	l, cfg, prober := newTestLauncher(t, 61041, 61042)

	// The second backend writes a line and dies immediately.
	// 第二个后端写入一行后立即退出。
	cfg.Services[1].Command = []string{"sh", "-c", "echo model load failed; exit 1"}
	prober.ready[61042] = false

	report, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvTest,
		Selector:    config.SelectorAll,
		Background:  true,
	})
	require.NoError(t, err, "partial failure is reported, not returned")
	require.Len(t, report.Services, 2)
	assert.Equal(t, 1, report.Up())
	assert.Equal(t, 1, report.Down())
	assert.Equal(t, ResourceHint, report.Hint)

	failed := report.Services[1]
	assert.Equal(t, StateDown, failed.State)
	assert.Contains(t, failed.LogTail, "model load failed")
}

// TestStopClearsRegistry tests stop semantics
// TestStopClearsRegistry 测试停止语义
func TestStopClearsRegistry(t *testing.T) {
	l, _, _ := newTestLauncher(t, 61051)

	started, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvTest,
		Selector:    config.SelectorAll,
		Background:  true,
	})
	require.NoError(t, err)
	pid := started.Services[0].PID

	report, err := l.Stop(context.Background(), config.SelectorAll)
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Contains(t, report.Services[0].Detail, "terminated 1 process")
	assert.False(t, process.IsAlive(pid))

	_, err = l.Registry().Lookup(61051)
	require.ErrorIs(t, err, registry.ErrNotFound)

	// Stopping an idle fleet reports "was not running".
	// 停止空闲机群时报告 "was not running"。
	report, err = l.Stop(context.Background(), config.SelectorAll)
	require.NoError(t, err)
	assert.Equal(t, "was not running", report.Services[0].Detail)
}

// TestStatus tests aggregate status from registry, liveness, and port probes
// TestStatus 测试基于注册表、存活与端口探测的聚合状态
func TestStatus(t *testing.T) {
	l, _, prober := newTestLauncher(t, 61061, 61062)

	started, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvProd,
		Selector:    config.KBHea,
		Background:  true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, started.Up())
	prober.bound[61061] = true

	report, err := l.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Services, 2)

	assert.Equal(t, StateUp, report.Services[0].State)
	assert.Equal(t, started.Services[0].PID, report.Services[0].PID)
	assert.Equal(t, StateDown, report.Services[1].State)
	assert.Equal(t, "not running", report.Services[1].Detail)
	assert.Equal(t, ResourceHint, report.Hint)
}

// TestStatusAliveButNotServing tests the port probe veto
// TestStatusAliveButNotServing 测试端口探测否决
func TestStatusAliveButNotServing(t *testing.T) {
	l, _, prober := newTestLauncher(t, 61071)

	_, err := l.Start(context.Background(), StartOptions{
		Environment: config.EnvTest,
		Selector:    config.SelectorAll,
		Background:  true,
	})
	require.NoError(t, err)
	prober.bound[61071] = false

	report, err := l.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Equal(t, StateDown, report.Services[0].State)
	assert.Contains(t, report.Services[0].Detail, "not serving")
}

// TestStatusUsesScannerFallback tests unregistered backend discovery
// TestStatusUsesScannerFallback 测试未注册后端的发现
func TestStatusUsesScannerFallback(t *testing.T) {
	l, _, prober := newTestLauncher(t, 61081)
	prober.bound[61081] = true

	l.SetScanner(&fakeScanner{backends: map[int][]*scanner.Backend{
		61081: {{PID: 424242, Port: 61081, Cmdline: "python3 server.py --port 61081"}},
	}})

	report, err := l.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Equal(t, StateUp, report.Services[0].State)
	assert.Equal(t, 424242, report.Services[0].PID)
	assert.Contains(t, report.Services[0].Detail, "unregistered")
}

// exitedPID returns the PID of a child that has already exited and been
// reaped, so liveness probes against it reliably fail.
// exitedPID 返回一个已退出且已回收的子进程 PID，对其的存活探测必然失败。
func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

// TestStatusStaleEntryYieldsToScanner tests that a registry row whose PID is
// dead does not hide a live backend the scanner can still find.
// TestStatusStaleEntryYieldsToScanner 测试 PID 已死亡的注册表行不会掩盖
// 扫描仍能发现的存活后端。
func TestStatusStaleEntryYieldsToScanner(t *testing.T) {
	l, _, prober := newTestLauncher(t, 61091)
	prober.bound[61091] = true

	require.NoError(t, l.Registry().Record(&registry.Entry{
		Port:        61091,
		PID:         exitedPID(t),
		Service:     config.KBHea,
		Environment: config.EnvTest,
		StartedAt:   time.Now(),
	}))
	l.SetScanner(&fakeScanner{backends: map[int][]*scanner.Backend{
		61091: {{PID: 515151, Port: 61091, Cmdline: "python3 server.py --port 61091"}},
	}})

	report, err := l.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Equal(t, StateUp, report.Services[0].State)
	assert.Equal(t, 515151, report.Services[0].PID)
	assert.Contains(t, report.Services[0].Detail, "unregistered")

	// The stale row is gone; it must not shadow the scanner again.
	// 陈旧行已被清除，不会再次遮蔽扫描结果。
	_, err = l.Registry().Lookup(61091)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

// TestStatusDeadRegisteredBackend tests the report when the registered PID is
// dead and nothing else claims the port.
// TestStatusDeadRegisteredBackend 测试注册 PID 死亡且无其他进程占用端口时的报告。
func TestStatusDeadRegisteredBackend(t *testing.T) {
	l, _, _ := newTestLauncher(t, 61095)

	logPath := filepath.Join(t.TempDir(), "server_61095.log")
	require.NoError(t, os.WriteFile(logPath, []byte("segfault in model loader\n"), 0o644))
	require.NoError(t, l.Registry().Record(&registry.Entry{
		Port:        61095,
		PID:         exitedPID(t),
		Service:     config.KBHea,
		Environment: config.EnvTest,
		LogPath:     logPath,
		StartedAt:   time.Now(),
	}))

	report, err := l.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Equal(t, StateDown, report.Services[0].State)
	assert.Equal(t, "registered process is gone", report.Services[0].Detail)
	assert.Contains(t, report.Services[0].LogTail, "segfault in model loader")
}

// TestNewPrunesStaleEntries tests that opening a launcher drops registry rows
// left behind by crashed or rebooted backends.
// TestNewPrunesStaleEntries 测试构建启动器时会清理崩溃或重启遗留的注册表行。
func TestNewPrunesStaleEntries(t *testing.T) {
	cfg := &config.Config{
		Profiles: config.DefaultProfiles(),
		Launcher: config.LauncherConfig{
			Host:         "127.0.0.1",
			ReadyTimeout: 5 * time.Second,
			StopTimeout:  5 * time.Second,
			RegistryPath: filepath.Join(t.TempDir(), "launcher.db"),
		},
		Log: config.LogConfig{Level: "info"},
		Services: []config.ServiceConfig{
			{Name: config.KBHea, DisplayName: config.KBHea, Dir: t.TempDir(), Port: 61098, Command: []string{"sh", "-c", "sleep 30"}},
		},
	}

	reg, err := registry.Open(cfg.Launcher.RegistryPath)
	require.NoError(t, err)
	require.NoError(t, reg.Record(&registry.Entry{
		Port: 61098, PID: exitedPID(t), Service: config.KBHea, Environment: config.EnvTest, StartedAt: time.Now(),
	}))
	require.NoError(t, reg.Record(&registry.Entry{
		Port: 61099, PID: os.Getpid(), Service: config.KBSSEBrain, Environment: config.EnvTest, StartedAt: time.Now(),
	}))

	l, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = l.Registry().Lookup(61098)
	require.ErrorIs(t, err, registry.ErrNotFound)
	entry, err := l.Registry().Lookup(61099)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), entry.PID)
}

// TestNewDerivesProbeHost tests that the readiness prober dials the
// configured backend host instead of assuming loopback.
// TestNewDerivesProbeHost 测试就绪探测器拨号配置的后端主机而非假定回环。
func TestNewDerivesProbeHost(t *testing.T) {
	cfg := &config.Config{
		Profiles: config.DefaultProfiles(),
		Launcher: config.LauncherConfig{
			Host:         "10.12.3.7",
			ReadyTimeout: 5 * time.Second,
			StopTimeout:  5 * time.Second,
			RegistryPath: filepath.Join(t.TempDir(), "launcher.db"),
		},
		Log: config.LogConfig{Level: "info"},
	}

	l, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	checker, ok := l.prober.(*health.Checker)
	require.True(t, ok)
	assert.Equal(t, "10.12.3.7", checker.Host)

	// A wildcard bind is probed via loopback.
	// 通配绑定经回环探测。
	cfg.Launcher.Host = "0.0.0.0"
	cfg.Launcher.RegistryPath = filepath.Join(t.TempDir(), "launcher.db")
	l, err = New(cfg, zap.NewNop())
	require.NoError(t, err)
	checker, ok = l.prober.(*health.Checker)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", checker.Host)
}

// TestRenderReport tests the operator-facing text block
// TestRenderReport 测试面向运维的文本块
func TestRenderReport(t *testing.T) {
	report := &FleetReport{
		Environment: config.EnvTest,
		GeneratedAt: time.Now(),
		Services: []ServiceReport{
			{Name: "hea", DisplayName: "HEA KnowledgeBase", Port: 50001, PID: 42, State: StateUp, Detail: "pid 42"},
			{Name: "chembrain", DisplayName: "ChemBrain KnowledgeBase", Port: 50003, State: StateDown, Detail: "exit status 1", LogTail: "boom"},
		},
		Hint: ResourceHint,
	}

	out := report.Render()
	assert.Contains(t, out, "✓ HEA KnowledgeBase (port 50001): up")
	assert.Contains(t, out, "✗ ChemBrain KnowledgeBase (port 50003): down")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "1 up, 1 down")
	assert.Contains(t, out, "hint: "+ResourceHint)
}
