package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/reportd/internal/model"
)

const (
	// killWait bounds how long Kill waits for the process to be reaped
	killWait = 5 * time.Second
	// waitDelay bounds stderr draining after the engine exited
	waitDelay = 2 * time.Second
)

// StderrFunc receives engine stderr line by line.
type StderrFunc func(ctx context.Context, line string)

// Command describes one engine instance to be started.
type Command struct {
	Path     string
	Port     uint16
	LogPath  string
	Language string
	Timeout  time.Duration
	Env      []string // nil inherits the parent environment
}

// Args returns the engine command line flags.
func (c Command) Args() []string {
	return []string{
		"-http", strconv.Itoa(int(c.Port)),
		"-logfile", c.LogPath,
		"-l", c.Language,
		"-timeout", strconv.Itoa(int(c.Timeout / time.Second)),
	}
}

// LogPath returns the log file of an engine listening on port.
func LogPath(dir string, port uint16) string {
	return filepath.Join(dir, "engine_"+strconv.Itoa(int(port))+".log")
}

// Process is a spawned engine. It is safe for concurrent use.
type Process struct {
	cmd      *exec.Cmd
	language string
	port     uint16
	logPath  string
	started  time.Time

	mx      sync.RWMutex
	state   *os.ProcessState
	waitErr error
	done    chan struct{}
}

// Spawn starts the engine in its own process group and returns without
// waiting for its HTTP listener. The process is not bound to ctx, it lives
// until killed or until it exits on its own.
func Spawn(ctx context.Context, proto Command, stderrFunc StderrFunc) (*Process, error) {
	if proto.Path == "" {
		return nil, &model.SpawnError{Port: proto.Port, Err: model.ErrEngineNotConfigured}
	}

	cmd := exec.Command(proto.Path, proto.Args()...)
	cmd.Env = proto.Env
	cmd.WaitDelay = waitDelay
	detach(cmd)

	var stderr *io.PipeReader
	var stderrW *io.PipeWriter
	if stderrFunc != nil {
		stderr, stderrW = io.Pipe()
		cmd.Stderr = stderrW
	}

	p := &Process{
		cmd:      cmd,
		language: proto.Language,
		port:     proto.Port,
		logPath:  proto.LogPath,
		done:     make(chan struct{}),
	}

	p.started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		if stderrW != nil {
			_ = stderrW.Close()
		}
		return nil, &model.SpawnError{Path: proto.Path, Port: proto.Port, Err: err}
	}

	// outlives the request which triggered the spawn
	ctx = context.WithoutCancel(ctx)
	if stderr != nil {
		go processStderr(ctx, stderr, stderrFunc)
	}
	go p.wait(ctx, stderrW)
	return p, nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing engine stderr", "error", err)
	}
}

func (p *Process) wait(ctx context.Context, stderrW *io.PipeWriter) {
	err := p.cmd.Wait()
	if stderrW != nil {
		_ = stderrW.Close()
	}

	p.mx.Lock()
	p.state = p.cmd.ProcessState
	p.waitErr = err
	p.mx.Unlock()
	close(p.done)

	slog.DebugContext(ctx, "engine exited", "pid", p.PID(), "language", p.language, "port", p.port, "error", err)
}

// IsAlive reports whether the process has not exited yet.
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process exited and was reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Kill forcibly terminates the engine and its children. Killing an
// already exited process is a no-op.
func (p *Process) Kill() error {
	if !p.IsAlive() {
		return nil
	}
	err := kill(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	if err != nil {
		return err
	}

	select {
	case <-p.done:
	case <-time.After(killWait):
		return errors.New("engine did not exit after kill")
	}
	return nil
}

// ExitState returns the process state and the Wait error, nil while running.
func (p *Process) ExitState() (*os.ProcessState, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.state, p.waitErr
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Language() string   { return p.language }
func (p *Process) Port() uint16       { return p.port }
func (p *Process) LogPath() string    { return p.logPath }
func (p *Process) Started() time.Time { return p.started }

// LastLogLine returns the last non empty line of the engine log, or an
// empty string when the log is missing or empty.
func (p *Process) LastLogLine() string {
	return LastLine(p.logPath)
}
