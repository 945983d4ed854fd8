// File: internal/orchestrator/backend.go
// Description: Process backends. A Backend owns at most one crawl child
// process; the subprocess flavor outlives the CLI that spawned it, the
// supervised flavor is tied to its host's context for embedded use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/protocol"
)

// startupProbe is how long Start watches a fresh child for an immediate
// exit before declaring the launch successful.
const startupProbe = 2 * time.Second

// supervisedKillDelay bounds how long a supervised child may ignore the
// SIGTERM sent on context cancellation before it is killed.
const supervisedKillDelay = 5 * time.Second

// Backend runs and supervises one crawl child process.
type Backend interface {
	// Start launches the child described by plan. It fails when a child
	// is already running or dies within the startup window.
	Start(ctx context.Context, plan *LaunchPlan) error
	// Stop requests graceful termination and escalates to a kill once the
	// grace period elapses. Stopping an idle backend is a no-op.
	Stop(grace time.Duration) error
	// IsRunning reports whether the child is alive.
	IsRunning() bool
	// PID returns the child's process id while it is running.
	PID() (int, bool)
	// Monitor drains the child's stdout through parser until the stream
	// ends, then reports the exit result. At most one Monitor per Start.
	Monitor(ctx context.Context, parser *protocol.Parser) error
}

// NewBackend selects a backend implementation by its configuration name.
func NewBackend(kind string, logger *zap.Logger) (Backend, error) {
	switch kind {
	case config.BackendSubprocess:
		return NewSubprocessBackend(logger), nil
	case config.BackendSupervised:
		return NewSupervisedBackend(logger), nil
	default:
		return nil, fmt.Errorf("unknown supervisor backend %q", kind)
	}
}

// child carries the bookkeeping shared by both backends: the running
// command, its stdout pipe and the reaped exit result. waitErr is written
// before done closes and read only after, so it needs no lock.
type child struct {
	logger *zap.Logger
	probe  time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  *os.File
	done    chan struct{}
	waitErr error
}

// launch wires the plan's streams into cmd, starts it, and watches the
// startup window. Child stderr always goes to the crawl log; stdout goes to
// a pipe for Monitor, or into the same log when the plan detaches.
func (c *child) launch(cmd *exec.Cmd, plan *LaunchPlan) error {
	c.mu.Lock()
	if c.runningLocked() {
		c.mu.Unlock()
		return errors.New("a crawl process is already running")
	}

	logFile, err := openCrawlLog(plan.LogPath)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	cmd.Stderr = logFile

	var pr, pw *os.File
	if plan.Detach {
		cmd.Stdout = logFile
	} else {
		pr, pw, err = os.Pipe()
		if err != nil {
			logFile.Close()
			c.mu.Unlock()
			return fmt.Errorf("creating stdout pipe: %w", err)
		}
		cmd.Stdout = pw
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		if pw != nil {
			pw.Close()
			pr.Close()
		}
		c.mu.Unlock()
		return fmt.Errorf("starting crawl process: %w", err)
	}
	if pw != nil {
		pw.Close()
	}

	done := make(chan struct{})
	c.cmd = cmd
	c.stdout = pr
	c.done = done
	c.waitErr = nil
	c.mu.Unlock()

	go func() {
		err := cmd.Wait()
		logFile.Close()
		c.waitErr = err
		close(done)
	}()

	// Catch children that die during their own bootstrap (bad config,
	// store locked) instead of reporting a successful start. A zero exit
	// inside the window is a completed run, not a launch failure.
	select {
	case <-done:
		if c.waitErr != nil {
			if pr != nil {
				pr.Close()
			}
			return fmt.Errorf("crawl process exited during startup: %v (see %s)", c.waitErr, plan.LogPath)
		}
	case <-time.After(c.probe):
	}

	c.logger.Info("Crawl process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("log", plan.LogPath))
	return nil
}

// runningLocked reports liveness; callers hold mu.
func (c *child) runningLocked() bool {
	if c.cmd == nil || c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// IsRunning reports whether the child is alive.
func (c *child) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

// PID returns the child's process id while it is running.
func (c *child) PID() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.runningLocked() {
		return 0, false
	}
	return c.cmd.Process.Pid, true
}

// Stop signals SIGTERM, waits up to grace for the child to exit, then kills.
func (c *child) Stop(grace time.Duration) error {
	c.mu.Lock()
	cmd, done := c.cmd, c.done
	c.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signaling crawl process: %w", err)
	}
	if grace > 0 {
		select {
		case <-done:
			return nil
		case <-time.After(grace):
		}
	}
	c.logger.Warn("Crawl process ignored SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing crawl process: %w", err)
	}
	<-done
	return nil
}

// Monitor feeds parser from the child's stdout. The pipe reaches EOF when
// the child exits, so the parse loop doubles as the exit wait.
func (c *child) Monitor(ctx context.Context, parser *protocol.Parser) error {
	c.mu.Lock()
	pr, done := c.stdout, c.done
	c.mu.Unlock()
	if pr == nil || done == nil {
		return errors.New("no crawl process output to monitor")
	}

	// A canceled context must unblock the line scanner even while the
	// child stays quiet; closing the read end is the only portable way.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			pr.Close()
		case <-stop:
		}
	}()
	err := parser.Run(ctx, pr)
	close(stop)
	pr.Close()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("reading crawl output: %w", err)
	}
	<-done
	if c.waitErr != nil {
		return fmt.Errorf("crawl process exited with failure: %w", c.waitErr)
	}
	return nil
}

func openCrawlLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening crawl log: %w", err)
	}
	return f, nil
}

// SubprocessBackend launches the crawl as a plain OS child. It is not tied
// to any context: the CLI can exit and leave the crawl running.
type SubprocessBackend struct {
	child
}

// NewSubprocessBackend returns a backend owning a detachable child process.
func NewSubprocessBackend(logger *zap.Logger) *SubprocessBackend {
	return &SubprocessBackend{child: child{
		logger: logger.Named("backend.subprocess"),
		probe:  startupProbe,
	}}
}

// Start launches the child described by plan.
func (b *SubprocessBackend) Start(ctx context.Context, plan *LaunchPlan) error {
	cmd := exec.Command(plan.Executable, plan.Args...)
	cmd.Dir = plan.WorkDir
	if len(plan.Env) > 0 {
		cmd.Env = plan.Env
	}
	return b.launch(cmd, plan)
}

// SupervisedBackend ties the child to the host's context: cancellation
// SIGTERMs the child and escalates after supervisedKillDelay. Hosts embed it
// where a crawl must never outlive them.
type SupervisedBackend struct {
	child
	onExit []func(error)
}

// NewSupervisedBackend returns a backend whose child dies with the host.
func NewSupervisedBackend(logger *zap.Logger) *SupervisedBackend {
	return &SupervisedBackend{child: child{
		logger: logger.Named("backend.supervised"),
		probe:  startupProbe,
	}}
}

// OnExit registers fn to run when the child terminates, with the exit error
// (nil on a clean exit). Register before Start.
func (b *SupervisedBackend) OnExit(fn func(error)) *SupervisedBackend {
	b.onExit = append(b.onExit, fn)
	return b
}

// Start launches the child described by plan under the host's context.
func (b *SupervisedBackend) Start(ctx context.Context, plan *LaunchPlan) error {
	cmd := exec.CommandContext(ctx, plan.Executable, plan.Args...)
	cmd.Dir = plan.WorkDir
	if len(plan.Env) > 0 {
		cmd.Env = plan.Env
	}
	// On ctx cancel the child gets SIGTERM; WaitDelay bounds how long it
	// may ignore it before the kill.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = supervisedKillDelay

	if err := b.launch(cmd, plan); err != nil {
		return err
	}

	done := b.doneChan()
	go func() {
		<-done
		for _, fn := range b.onExit {
			fn(b.waitErr)
		}
	}()
	return nil
}

func (c *child) doneChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
