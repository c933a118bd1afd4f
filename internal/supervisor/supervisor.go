package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/reportd/internal/engine"
	"github.com/CZERTAINLY/reportd/internal/log"
	"github.com/CZERTAINLY/reportd/internal/model"
	"github.com/CZERTAINLY/reportd/internal/netscan"
	"github.com/CZERTAINLY/reportd/internal/registry"
)

// Spawner starts one engine process described by cmd.
type Spawner interface {
	Spawn(ctx context.Context, cmd engine.Command) (registry.Handle, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context, cmd engine.Command) (registry.Handle, error)

func (f SpawnFunc) Spawn(ctx context.Context, cmd engine.Command) (registry.Handle, error) {
	return f(ctx, cmd)
}

// PortAllocator finds ports for new engines and checks existing ones.
type PortAllocator interface {
	PortChecker
	NextFreePort(ctx context.Context, low, high int, reserved ...uint16) (uint16, error)
}

// Target is what a caller needs to talk to an acquired engine. ID names the
// instance that served the caller. A crash report always kills whatever is
// registered for the language, ID only decides whether the diagnostic comes
// from the registered handle or from the log file at LogPath.
type Target struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Port     uint16 `json:"port"`
	LogPath  string `json:"log_path"`
}

type Option func(*Supervisor)

func WithSpawner(s Spawner) Option {
	return func(sv *Supervisor) { sv.spawner = s }
}

func WithPortAllocator(a PortAllocator) Option {
	return func(sv *Supervisor) { sv.ports = a }
}

func WithLiveness(l Liveness) Option {
	return func(sv *Supervisor) { sv.liveness = l }
}

func WithRegistry(r *registry.Registry) Option {
	return func(sv *Supervisor) { sv.registry = r }
}

// Supervisor owns all engine processes. It is safe for concurrent use.
type Supervisor struct {
	cfg model.Engine

	mx       sync.Mutex
	registry *registry.Registry
	ports    PortAllocator
	liveness Liveness
	spawner  Spawner
}

func New(cfg model.Engine, opts ...Option) (*Supervisor, error) {
	if cfg.Path == "" {
		return nil, model.ErrEngineNotConfigured
	}
	if cfg.Ports.Low >= cfg.Ports.High {
		return nil, fmt.Errorf("engine.ports: low %d must be lower than high %d", cfg.Ports.Low, cfg.Ports.High)
	}
	if cfg.Language == "" {
		cfg.Language = model.DefaultLanguage
	}

	s := &Supervisor{
		cfg:      cfg,
		registry: registry.New(),
		ports:    netscan.NewAllocator(),
		spawner:  processSpawner{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.liveness == nil {
		s.liveness = PortLiveness{Ports: s.ports, Grace: cfg.StartupGraceDuration()}
	}
	return s, nil
}

// Acquire returns a live engine for language, an empty language selects the
// configured default. A registered engine whose port was found free is
// dropped and replaced. The returned engine may not listen yet.
func (s *Supervisor) Acquire(ctx context.Context, language string) (Target, error) {
	if language == "" {
		language = s.cfg.Language
	}
	ctx = log.ContextAttrs(ctx, slog.String("language", language))

	s.mx.Lock()
	defer s.mx.Unlock()

	if inst, ok := s.registry.Get(language); ok {
		if s.liveness.Alive(ctx, inst) {
			return targetOf(inst), nil
		}
		slog.InfoContext(ctx, "engine stopped listening: restarting", "port", inst.Port, "id", inst.ID)
		s.drop(ctx, inst, reasonStale)
	}

	inst, err := s.start(ctx, language)
	if err != nil {
		spawnFailuresTotal.WithLabelValues(language).Inc()
		return Target{}, err
	}
	return targetOf(inst), nil
}

// ReportFailure lets a caller hand back a failed query. When crash is false
// the message is returned as is. Otherwise the engine registered for the
// language is killed and removed, and the last line of the log of the
// target engine is returned as the diagnostic.
func (s *Supervisor) ReportFailure(ctx context.Context, target Target, crash bool, message string) string {
	if !crash {
		return message
	}
	ctx = log.EngineAttrs(ctx, target.Language, target.Port)

	s.mx.Lock()
	defer s.mx.Unlock()

	inst, ok := s.registry.Get(target.Language)
	if !ok {
		slog.DebugContext(ctx, "crashed engine is not registered anymore")
		return engine.LastLine(target.LogPath)
	}
	slog.WarnContext(ctx, "engine crashed: killing", "id", inst.ID, "pid", inst.Handle.PID())
	s.drop(ctx, inst, reasonCrash)

	if inst.ID != target.ID {
		slog.WarnContext(ctx, "crash reported for a replaced engine", "id", target.ID, "registered_id", inst.ID)
		return engine.LastLine(target.LogPath)
	}
	return inst.Handle.LastLogLine()
}

// Running reports whether the engine behind target is still registered and
// its process has not exited.
func (s *Supervisor) Running(target Target) bool {
	inst, ok := s.registry.Get(target.Language)
	if !ok || inst.ID != target.ID {
		return false
	}
	return inst.Handle.IsAlive()
}

// Instances returns a snapshot of registered engines.
func (s *Supervisor) Instances() []registry.Instance {
	return s.registry.List()
}

// Close kills every registered engine. The supervisor may be used again
// afterwards, Acquire then spawns new engines.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	var wg sync.WaitGroup
	var mx sync.Mutex
	var errs []error
	for _, inst := range s.registry.List() {
		s.registry.Remove(inst.Language)
		wg.Go(func() {
			ctx := log.EngineAttrs(ctx, inst.Language, inst.Port)
			slog.DebugContext(ctx, "stopping engine", "id", inst.ID)
			if err := inst.Handle.Kill(); err != nil {
				mx.Lock()
				errs = append(errs, fmt.Errorf("killing %s engine on port %d: %w", inst.Language, inst.Port, err))
				mx.Unlock()
			}
		})
	}
	wg.Wait()
	activeEngines.Set(float64(s.registry.Len()))
	return errors.Join(errs...)
}

// start must be called with s.mx held.
func (s *Supervisor) start(ctx context.Context, language string) (registry.Instance, error) {
	port, err := s.ports.NextFreePort(ctx, s.cfg.Ports.Low, s.cfg.Ports.High, s.registry.Ports()...)
	if err != nil {
		return registry.Instance{}, fmt.Errorf("starting %s engine: %w", language, err)
	}

	cmd := engine.Command{
		Path:     s.cfg.Path,
		Port:     port,
		LogPath:  engine.LogPath(s.cfg.LogDirectory(), port),
		Language: language,
		Timeout:  s.cfg.TimeoutDuration(),
		Env:      s.cfg.Environ(),
	}
	ctx = log.EngineAttrs(ctx, language, port)
	handle, err := s.spawner.Spawn(ctx, cmd)
	if err != nil {
		slog.ErrorContext(ctx, "engine failed to start", "path", cmd.Path, "error", err)
		return registry.Instance{}, err
	}

	inst := registry.Instance{
		ID:       uuid.NewString(),
		Language: language,
		Port:     port,
		LogPath:  cmd.LogPath,
		Started:  time.Now().UTC(),
		Handle:   handle,
	}
	s.registry.Put(inst)
	spawnsTotal.WithLabelValues(language).Inc()
	activeEngines.Set(float64(s.registry.Len()))
	slog.InfoContext(ctx, "engine started", "id", inst.ID, "pid", handle.PID(), "log", inst.LogPath)
	return inst, nil
}

// drop must be called with s.mx held.
func (s *Supervisor) drop(ctx context.Context, inst registry.Instance, reason string) {
	s.registry.Remove(inst.Language)
	if err := inst.Handle.Kill(); err != nil {
		slog.WarnContext(ctx, "killing engine", "id", inst.ID, "error", err)
	}
	restartsTotal.WithLabelValues(inst.Language, reason).Inc()
	activeEngines.Set(float64(s.registry.Len()))
}

func targetOf(inst registry.Instance) Target {
	return Target{
		ID:       inst.ID,
		Language: inst.Language,
		Port:     inst.Port,
		LogPath:  inst.LogPath,
	}
}

type processSpawner struct{}

func (processSpawner) Spawn(ctx context.Context, cmd engine.Command) (registry.Handle, error) {
	proc, err := engine.Spawn(ctx, cmd, logStderr)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func logStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "engine stderr", "line", line)
}
