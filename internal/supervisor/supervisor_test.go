package supervisor_test

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/reportd/internal/engine"
	"github.com/CZERTAINLY/reportd/internal/enginetest"
	"github.com/CZERTAINLY/reportd/internal/model"
	"github.com/CZERTAINLY/reportd/internal/netscan"
	"github.com/CZERTAINLY/reportd/internal/registry"
	"github.com/CZERTAINLY/reportd/internal/supervisor"
)

func testConfig(t *testing.T) model.Engine {
	t.Helper()
	return model.Engine{
		Path:      "/opt/engine/bin/engine",
		Namespace: model.DefaultNamespace,
		Language:  model.DefaultLanguage,
		LogDir:    t.TempDir(),
		Timeout:   model.DefaultTimeout,
		Ports:     model.PortRange{Low: 4000, High: 4010},
	}
}

func newSupervisor(t *testing.T, cfg model.Engine, ports *fakePorts, spawner *fakeSpawner) *supervisor.Supervisor {
	t.Helper()
	sv, err := supervisor.New(cfg,
		supervisor.WithPortAllocator(ports),
		supervisor.WithSpawner(spawner),
	)
	require.NoError(t, err)
	return sv
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	cfg.Path = ""
	_, err := supervisor.New(cfg)
	require.ErrorIs(t, err, model.ErrEngineNotConfigured)

	cfg = testConfig(t)
	cfg.Ports = model.PortRange{Low: 5000, High: 5000}
	_, err = supervisor.New(cfg)
	require.EqualError(t, err, "engine.ports: low 5000 must be lower than high 5000")
}

func TestAcquire(t *testing.T) {
	cfg := testConfig(t)
	ports := newFakePorts()
	spawner := &fakeSpawner{ports: ports}
	sv := newSupervisor(t, cfg, ports, spawner)

	target, err := sv.Acquire(t.Context(), "eng")
	require.NoError(t, err)
	require.NotEmpty(t, target.ID)
	require.Equal(t, "eng", target.Language)
	require.Equal(t, uint16(4000), target.Port)
	require.Equal(t, engine.LogPath(cfg.LogDir, 4000), target.LogPath)

	cmd := spawner.cmds[0]
	require.Equal(t, cfg.Path, cmd.Path)
	require.Equal(t, []string{"-http", "4000", "-logfile", target.LogPath, "-l", "eng", "-timeout", "60"}, cmd.Args())

	t.Run("reuse", func(t *testing.T) {
		again, err := sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)
		require.Equal(t, target, again)
		require.Equal(t, 1, spawner.count())
	})

	t.Run("default language", func(t *testing.T) {
		again, err := sv.Acquire(t.Context(), "")
		require.NoError(t, err)
		require.Equal(t, target, again)
	})

	t.Run("restart stale", func(t *testing.T) {
		ports.set(target.Port, false)
		fresh, err := sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)
		require.NotEqual(t, target.ID, fresh.ID)
		require.Equal(t, 2, spawner.count())
		require.Equal(t, int32(1), spawner.handle(0).kills.Load())

		instances := sv.Instances()
		require.Len(t, instances, 1)
		require.Equal(t, fresh.ID, instances[0].ID)
	})
}

func TestAcquire_DistinctPorts(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartupGrace = 3600
	ports := newFakePorts()
	// engines never listen, only the registry keeps their ports apart
	spawner := &fakeSpawner{ports: ports, quiet: true}
	sv := newSupervisor(t, cfg, ports, spawner)

	seen := make(map[uint16]string)
	for _, lang := range []string{"eng", "fra", "deu", "ces"} {
		target, err := sv.Acquire(t.Context(), lang)
		require.NoError(t, err)
		require.NotContains(t, seen, target.Port, "port of %s reused", seen[target.Port])
		seen[target.Port] = lang
	}

	// within the startup grace an engine which does not listen yet is kept
	_, err := sv.Acquire(t.Context(), "eng")
	require.NoError(t, err)
	require.Equal(t, 4, spawner.count())
}

func TestAcquire_NoGrace(t *testing.T) {
	cfg := testConfig(t)
	ports := newFakePorts()
	spawner := &fakeSpawner{ports: ports, quiet: true}
	sv := newSupervisor(t, cfg, ports, spawner)

	first, err := sv.Acquire(t.Context(), "eng")
	require.NoError(t, err)
	second, err := sv.Acquire(t.Context(), "eng")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 2, spawner.count())
	require.False(t, spawner.handle(0).IsAlive())
}

func TestAcquire_Concurrent(t *testing.T) {
	cfg := testConfig(t)
	ports := newFakePorts()
	spawner := &fakeSpawner{ports: ports, delay: 5 * time.Millisecond}
	sv := newSupervisor(t, cfg, ports, spawner)

	langs := []string{"eng", "fra"}
	var mx sync.Mutex
	targets := make(map[string]map[supervisor.Target]struct{})

	var wg sync.WaitGroup
	for i := range 64 {
		lang := langs[i%len(langs)]
		wg.Go(func() {
			target, err := sv.Acquire(t.Context(), lang)
			if !assertNoError(t, err) {
				return
			}
			mx.Lock()
			defer mx.Unlock()
			if targets[lang] == nil {
				targets[lang] = make(map[supervisor.Target]struct{})
			}
			targets[lang][target] = struct{}{}
		})
	}
	wg.Wait()

	require.Equal(t, 2, spawner.count())
	require.Len(t, targets["eng"], 1)
	require.Len(t, targets["fra"], 1)
	require.Len(t, sv.Instances(), 2)
	require.NotEqual(t, sv.Instances()[0].Port, sv.Instances()[1].Port)
}

func assertNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}

func TestAcquire_Fail(t *testing.T) {
	t.Run("spawn", func(t *testing.T) {
		ports := newFakePorts()
		spawner := &fakeSpawner{ports: ports, err: errors.New("exec format error")}
		sv := newSupervisor(t, testConfig(t), ports, spawner)

		_, err := sv.Acquire(t.Context(), "eng")
		var spawnErr *model.SpawnError
		require.ErrorAs(t, err, &spawnErr)
		require.Equal(t, uint16(4000), spawnErr.Port)
		require.EqualError(t, err, "spawning engine /opt/engine/bin/engine on port 4000: exec format error")
		require.Empty(t, sv.Instances())
		require.Equal(t, 1, spawner.count())
	})

	t.Run("no port", func(t *testing.T) {
		ports := newFakePorts()
		ports.exhausted = true
		spawner := &fakeSpawner{ports: ports}
		sv := newSupervisor(t, testConfig(t), ports, spawner)

		_, err := sv.Acquire(t.Context(), "eng")
		require.ErrorIs(t, err, model.ErrNoPortAvailable)
		require.Empty(t, sv.Instances())
		require.Zero(t, spawner.count())
	})
}

func TestReportFailure(t *testing.T) {
	t.Run("message", func(t *testing.T) {
		ports := newFakePorts()
		spawner := &fakeSpawner{ports: ports, line: "last words"}
		sv := newSupervisor(t, testConfig(t), ports, spawner)

		target, err := sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)

		msg := sv.ReportFailure(t.Context(), target, false, "unknown project")
		require.Equal(t, "unknown project", msg)
		require.Len(t, sv.Instances(), 1)
		require.True(t, spawner.handle(0).IsAlive())
	})

	t.Run("crash", func(t *testing.T) {
		ports := newFakePorts()
		spawner := &fakeSpawner{ports: ports, line: "fatal: out of memory"}
		sv := newSupervisor(t, testConfig(t), ports, spawner)

		target, err := sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)

		msg := sv.ReportFailure(t.Context(), target, true, "")
		require.Equal(t, "fatal: out of memory", msg)
		require.Empty(t, sv.Instances())
		require.Equal(t, int32(1), spawner.handle(0).kills.Load())

		fresh, err := sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)
		require.NotEqual(t, target.ID, fresh.ID)
		require.Equal(t, 2, spawner.count())
	})

	t.Run("already dead", func(t *testing.T) {
		ports := newFakePorts()
		spawner := &fakeSpawner{ports: ports, line: "killed by signal 9"}
		sv := newSupervisor(t, testConfig(t), ports, spawner)

		target, err := sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)
		spawner.handle(0).dead.Store(true)

		msg := sv.ReportFailure(t.Context(), target, true, "")
		require.Equal(t, "killed by signal 9", msg)
		require.Empty(t, sv.Instances())
		require.Equal(t, int32(1), spawner.handle(0).kills.Load())
		require.False(t, sv.Running(target))
	})

	t.Run("unregistered", func(t *testing.T) {
		ports := newFakePorts()
		spawner := &fakeSpawner{ports: ports}
		sv := newSupervisor(t, testConfig(t), ports, spawner)

		logPath := engine.LogPath(t.TempDir(), 4321)
		require.NoError(t, os.WriteFile(logPath, []byte("started\nsegfault\n\n"), 0o600))

		target := supervisor.Target{ID: "gone", Language: "eng", Port: 4321, LogPath: logPath}
		require.Equal(t, "segfault", sv.ReportFailure(t.Context(), target, true, ""))
	})

	t.Run("replaced", func(t *testing.T) {
		ports := newFakePorts()
		spawner := &fakeSpawner{ports: ports, line: "from handle"}
		sv := newSupervisor(t, testConfig(t), ports, spawner)

		old, err := sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)
		ports.set(old.Port, false)
		_, err = sv.Acquire(t.Context(), "eng")
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(old.LogPath, []byte("from file\n"), 0o600))
		msg := sv.ReportFailure(t.Context(), old, true, "")
		require.Equal(t, "from file", msg)
		require.Empty(t, sv.Instances())
		require.False(t, spawner.handle(1).IsAlive())
	})
}

func TestClose(t *testing.T) {
	ports := newFakePorts()
	spawner := &fakeSpawner{ports: ports}
	sv := newSupervisor(t, testConfig(t), ports, spawner)

	for _, lang := range []string{"eng", "fra", "deu"} {
		_, err := sv.Acquire(t.Context(), lang)
		require.NoError(t, err)
	}
	require.NoError(t, sv.Close(t.Context()))
	require.Empty(t, sv.Instances())
	for i := range 3 {
		require.Equal(t, int32(1), spawner.handle(i).kills.Load())
	}
}

func TestClose_KillError(t *testing.T) {
	ports := newFakePorts()
	spawner := supervisor.SpawnFunc(func(_ context.Context, cmd engine.Command) (registry.Handle, error) {
		ports.set(cmd.Port, true)
		return &stuckHandle{}, nil
	})
	sv, err := supervisor.New(testConfig(t),
		supervisor.WithSpawner(spawner),
		supervisor.WithPortAllocator(ports),
	)
	require.NoError(t, err)

	for _, lang := range []string{"eng", "fra"} {
		_, err := sv.Acquire(t.Context(), lang)
		require.NoError(t, err)
	}
	err = sv.Close(t.Context())
	require.ErrorIs(t, err, errNotPermitted)
	require.ErrorContains(t, err, "killing eng engine on port 4000")
	require.ErrorContains(t, err, "killing fra engine on port 4001")
	require.Empty(t, sv.Instances())
}

func TestRunning(t *testing.T) {
	ports := newFakePorts()
	spawner := &fakeSpawner{ports: ports}
	sv := newSupervisor(t, testConfig(t), ports, spawner)

	target, err := sv.Acquire(t.Context(), "eng")
	require.NoError(t, err)
	require.True(t, sv.Running(target))

	require.False(t, sv.Running(supervisor.Target{ID: "other", Language: "eng"}))
	require.False(t, sv.Running(supervisor.Target{ID: target.ID, Language: "fra"}))

	spawner.handle(0).dead.Store(true)
	require.False(t, sv.Running(target))
}

func TestSupervisor_Engine(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	exe, err := enginetest.Executable()
	require.NoError(t, err)

	low := freePort(t)
	cfg := model.Engine{
		Path:         exe,
		Namespace:    enginetest.Namespace,
		Language:     "eng",
		LogDir:       t.TempDir(),
		Timeout:      30,
		StartupGrace: 10,
		Ports:        model.PortRange{Low: low, High: min(low+50, 65536)},
		Env:          enginetest.Env(enginetest.ModeOK),
	}
	sv, err := supervisor.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sv.Close(context.Background())
	})

	target, err := sv.Acquire(t.Context(), "eng")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !netscan.IsPortFree(t.Context(), target.Port)
	}, 10*time.Second, 50*time.Millisecond)

	again, err := sv.Acquire(t.Context(), "eng")
	require.NoError(t, err)
	require.Equal(t, target.ID, again.ID)
	require.Contains(t, engine.LastLine(target.LogPath), "engine started on port")

	require.NoError(t, sv.Close(t.Context()))
	require.Empty(t, sv.Instances())
	require.Eventually(t, func() bool {
		return netscan.IsPortFree(t.Context(), target.Port)
	}, 10*time.Second, 50*time.Millisecond)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
