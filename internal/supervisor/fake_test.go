package supervisor_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/reportd/internal/engine"
	"github.com/CZERTAINLY/reportd/internal/model"
	"github.com/CZERTAINLY/reportd/internal/registry"
)

type fakeHandle struct {
	pid   int
	line  string
	dead  atomic.Bool
	kills atomic.Int32
}

func (h *fakeHandle) IsAlive() bool       { return !h.dead.Load() }
func (h *fakeHandle) LastLogLine() string { return h.line }
func (h *fakeHandle) PID() int            { return h.pid }

func (h *fakeHandle) Kill() error {
	h.kills.Add(1)
	h.dead.Store(true)
	return nil
}

var errNotPermitted = errors.New("operation not permitted")

// stuckHandle is a process that refuses to die.
type stuckHandle struct{}

func (stuckHandle) IsAlive() bool       { return true }
func (stuckHandle) Kill() error         { return errNotPermitted }
func (stuckHandle) LastLogLine() string { return "" }
func (stuckHandle) PID() int            { return 1 }

// fakePorts simulates the loopback port table.
type fakePorts struct {
	mx        sync.Mutex
	listening map[uint16]bool
	exhausted bool
}

func newFakePorts() *fakePorts {
	return &fakePorts{listening: make(map[uint16]bool)}
}

func (p *fakePorts) NextFreePort(_ context.Context, low, high int, reserved ...uint16) (uint16, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.exhausted {
		return 0, model.ErrNoPortAvailable
	}
	for port := low; port < high; port++ {
		if !p.listening[uint16(port)] && !slices.Contains(reserved, uint16(port)) {
			return uint16(port), nil
		}
	}
	return 0, model.ErrNoPortAvailable
}

func (p *fakePorts) IsPortFree(_ context.Context, port uint16) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return !p.listening[port]
}

func (p *fakePorts) set(port uint16, listening bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.listening[port] = listening
}

// fakeSpawner records spawns. Unless quiet, a spawned engine listens at once.
type fakeSpawner struct {
	ports *fakePorts
	quiet bool
	delay time.Duration
	err   error
	line  string

	mx      sync.Mutex
	cmds    []engine.Command
	handles []*fakeHandle
}

func (s *fakeSpawner) Spawn(_ context.Context, cmd engine.Command) (registry.Handle, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.cmds = append(s.cmds, cmd)
	if s.err != nil {
		return nil, &model.SpawnError{Path: cmd.Path, Port: cmd.Port, Err: s.err}
	}
	h := &fakeHandle{pid: 1000 + len(s.handles), line: s.line}
	s.handles = append(s.handles, h)
	if !s.quiet {
		s.ports.set(cmd.Port, true)
	}
	return h, nil
}

func (s *fakeSpawner) count() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.cmds)
}

func (s *fakeSpawner) handle(i int) *fakeHandle {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.handles[i]
}
