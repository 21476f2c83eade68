// Package procmgr manages the lifecycle of a single child process: starting
// it with piped stdio, capturing its stderr into a ring buffer, and waiting
// for it to exit. It is deliberately transport-agnostic — neither the
// supervisor (spawning per-agent server processes) nor the ACP façade
// adapter (spawning the wrapped tool-calling runtime) bakes any
// protocol-specific behavior into it; they layer their own stdio protocol on
// top of Stdin/Stdout.
package procmgr

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/logging"
)

// Status is the lifecycle state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// errorWrapper lets us store a possibly-nil error in an atomic.Value, which
// otherwise panics on a nil interface value.
type errorWrapper struct {
	err error
}

// Config describes how to launch a managed process.
type Config struct {
	// Args is the full argv, Args[0] is the executable.
	Args []string
	// Dir is the working directory the process is started in.
	Dir string
	// Env is the process environment. Nil means "inherit the supervisor's".
	Env []string
	// OutputBufferSize bounds how many stderr lines are retained for
	// diagnostics. Defaults to 1000 lines.
	OutputBufferSize int
}

// Manager owns one child process's lifecycle: start, stdio access, stderr
// capture, and exit tracking. A Manager is single-use — create a new one to
// restart a process.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	status   atomic.Value // Status
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	outputBuffer *OutputBuffer

	mu      sync.RWMutex
	wg      sync.WaitGroup
	startMu sync.Mutex
}

// NewManager creates a Manager for cfg. The process is not started yet.
func NewManager(cfg Config, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	m := &Manager{
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "procmgr")),
		outputBuffer: NewOutputBuffer(cfg.OutputBufferSize),
	}
	m.status.Store(StatusStopped)
	m.exitCode.Store(-1)
	return m
}

// Status returns the process's current lifecycle state.
func (m *Manager) Status() Status {
	return m.status.Load().(Status)
}

// ExitCode returns the process's exit code, or -1 if it hasn't exited.
func (m *Manager) ExitCode() int {
	return int(m.exitCode.Load())
}

// ExitError returns the error Wait() returned, if the process has exited
// and didn't exit cleanly.
func (m *Manager) ExitError() error {
	if v := m.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// OutputBuffer returns the ring buffer of captured stderr lines.
func (m *Manager) OutputBuffer() *OutputBuffer {
	return m.outputBuffer
}

// Stdin returns the process's stdin pipe, valid once Start has succeeded.
func (m *Manager) Stdin() io.WriteCloser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stdin
}

// Stdout returns the process's stdout pipe, valid once Start has succeeded.
func (m *Manager) Stdout() io.ReadCloser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stdout
}

// PID returns the OS process id, or 0 if the process hasn't started.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Start launches the process. It is not tied to ctx's lifetime — cancelling
// ctx after Start returns does not kill the process; use Stop for that.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if s := m.Status(); s == StatusRunning || s == StatusStarting {
		return fmt.Errorf("procmgr: process already running")
	}
	if len(m.cfg.Args) == 0 {
		return fmt.Errorf("procmgr: no command configured")
	}

	m.status.Store(StatusStarting)
	m.exitCode.Store(-1)
	m.exitErr.Store(errorWrapper{})

	m.logger.Info("starting process", zap.Strings("args", redactArgs(m.cfg.Args)), zap.String("dir", m.cfg.Dir))

	cmd := exec.Command(m.cfg.Args[0], m.cfg.Args[1:]...)
	cmd.Dir = m.cfg.Dir
	cmd.Env = m.cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("procmgr: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("procmgr: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("procmgr: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("procmgr: start: %w", err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.stdout = stdout
	m.stderr = stderr
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readStderr()
	go m.waitForExit()

	m.status.Store(StatusRunning)
	m.logger.Info("process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop closes stdin (signalling EOF) and waits for the process to exit,
// force-killing it if ctx expires first.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	status := m.Status()
	if status == StatusStopped || status == StatusStopping {
		m.mu.Unlock()
		return nil
	}
	m.status.Store(StatusStopping)
	stdin := m.stdin
	cmd := m.cmd
	m.mu.Unlock()

	m.logger.Info("stopping process")
	if stdin != nil {
		stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("process stopped")
	case <-ctx.Done():
		if cmd != nil && cmd.Process != nil {
			m.logger.Warn("force killing process after stop deadline")
			cmd.Process.Kill()
		}
		<-done
	}

	m.status.Store(StatusStopped)
	return nil
}

func (m *Manager) readStderr() {
	defer m.wg.Done()
	scanner := bufio.NewScanner(m.stderr)
	for scanner.Scan() {
		m.outputBuffer.Add(OutputLine{Timestamp: time.Now(), Stream: "stderr", Content: scanner.Text()})
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("stderr reader stopped", zap.Error(err))
	}
}

func (m *Manager) waitForExit() {
	defer m.wg.Done()
	err := m.cmd.Wait()
	if err != nil {
		m.exitErr.Store(errorWrapper{err: err})
		if exitErr, ok := err.(*exec.ExitError); ok {
			m.exitCode.Store(int32(exitErr.ExitCode()))
		}
		m.logger.Info("process exited with error", zap.Error(err))
	} else {
		m.exitCode.Store(0)
		m.logger.Info("process exited")
	}
	m.status.Store(StatusStopped)
}

// Info summarizes process state for /info-style diagnostics endpoints.
func (m *Manager) Info() map[string]any {
	info := map[string]any{
		"status":    string(m.Status()),
		"exit_code": m.ExitCode(),
		"pid":       m.PID(),
	}
	if err := m.ExitError(); err != nil {
		info["exit_error"] = err.Error()
	}
	return info
}

// redactArgs never logs argv values beyond the executable name — tinycrab
// never puts secrets on the command line, but argv can still
// carry workspace paths or model names a log scrubber shouldn't have to
// second-guess.
func redactArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return []string{args[0], fmt.Sprintf("(+%d args)", len(args)-1)}
}
