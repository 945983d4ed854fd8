// File: internal/orchestrator/orchestrator.go
// Description: Operator-facing lifecycle control. The Orchestrator turns
// start/stop/pause/resume/status intents into flag files, PID bookkeeping
// and backend calls. It runs in the CLI process, never in the crawl child;
// the runtime state file lets any later invocation answer status questions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/control"
	"github.com/ganainy/appium-traverser-sub001/internal/protocol"
)

// stopPollInterval paces the wait for a child acting on the shutdown flag.
const stopPollInterval = 250 * time.Millisecond

// runtimeState is persisted next to the PID file at start so that a later
// status invocation, from a different process, can answer without the child.
type runtimeState struct {
	PID                int       `json:"pid"`
	AppPackage         string    `json:"app_package"`
	StartActivity      string    `json:"start_activity,omitempty"`
	OutputDir          string    `json:"output_dir"`
	StartedAt          time.Time `json:"started_at"`
	ValidationPassed   bool      `json:"validation_passed"`
	ValidationMessages []string  `json:"validation_messages,omitempty"`
}

// Status is the operator-facing snapshot of the crawl process.
type Status struct {
	Running            bool      `json:"running"`
	Paused             bool      `json:"paused"`
	PID                int       `json:"pid,omitempty"`
	AppPackage         string    `json:"app_package,omitempty"`
	StartActivity      string    `json:"start_activity,omitempty"`
	OutputDir          string    `json:"output_dir,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	ValidationPassed   bool      `json:"validation_passed"`
	ValidationMessages []string  `json:"validation_messages,omitempty"`
}

// Orchestrator drives the crawl child's lifecycle from the CLI process.
type Orchestrator struct {
	cfg     *config.Config
	prober  HealthProber
	backend Backend
	logger  *zap.Logger

	configFile string
	env        []string
	detach     bool
	parser     *protocol.Parser

	shutdown *control.FlagFile
	pause    *control.FlagFile

	mu    sync.Mutex
	group *errgroup.Group
}

// Option adjusts orchestrator construction.
type Option func(*Orchestrator)

// WithConfigFile propagates the operator's config file to the crawl child.
func WithConfigFile(path string) Option {
	return func(o *Orchestrator) { o.configFile = path }
}

// WithEnv replaces the child's inherited environment.
func WithEnv(env []string) Option {
	return func(o *Orchestrator) { o.env = env }
}

// WithDetach sends the child's progress stream to the crawl log instead of
// a monitored pipe, so the child survives this process exiting.
func WithDetach(detach bool) Option {
	return func(o *Orchestrator) { o.detach = detach }
}

// WithParser substitutes the parser receiving the child's progress stream.
func WithParser(p *protocol.Parser) Option {
	return func(o *Orchestrator) { o.parser = p }
}

// New assembles an orchestrator around an already selected backend.
func New(cfg *config.Config, prober HealthProber, backend Backend, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || prober == nil || backend == nil || logger == nil {
		return nil, errors.New("orchestrator requires config, prober, backend and logger")
	}
	o := &Orchestrator{
		cfg:      cfg,
		prober:   prober,
		backend:  backend,
		logger:   logger.Named("orchestrator"),
		shutdown: control.NewFlagFile(cfg.Output.ShutdownFlagPath(), control.ShutdownSentinel),
		pause:    control.NewFlagFile(cfg.Output.PauseFlagPath(), control.PauseSentinel),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.parser == nil {
		o.parser = echoParser(o.logger)
	}
	return o, nil
}

// echoParser relays the child's progress into the orchestrator log when the
// caller did not install richer callbacks.
func echoParser(logger *zap.Logger) *protocol.Parser {
	crawl := logger.Named("crawl")
	return protocol.NewParser(logger).
		OnStatus(func(s string) { crawl.Info(s) }).
		OnEnd(func(s string) { crawl.Info("Crawl finished", zap.String("status", s)) }).
		OnLog(func(line string) { crawl.Info(line) })
}

// PreparePlan resolves the child command line and artifact locations and
// runs the pre-flight checks. The plan is returned even when validation
// fails so callers can surface the messages.
func (o *Orchestrator) PreparePlan(ctx context.Context) (*LaunchPlan, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving current executable: %w", err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}
	outputDir, err := filepath.Abs(o.cfg.Output.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving output directory: %w", err)
	}

	args := []string{"crawl"}
	if o.configFile != "" {
		cfgPath, err := filepath.Abs(o.configFile)
		if err != nil {
			return nil, fmt.Errorf("resolving config file: %w", err)
		}
		args = append(args, "--config", cfgPath)
	}
	// The child re-reads config file and environment on its own; only the
	// crawl identity is pinned on the command line so the run matches what
	// was validated here, wherever the values came from.
	if o.cfg.Crawl.AppPackage != "" {
		args = append(args, "--app", o.cfg.Crawl.AppPackage)
	}
	if o.cfg.Crawl.StartActivity != "" {
		args = append(args, "--activity", o.cfg.Crawl.StartActivity)
	}
	if o.cfg.Crawl.Continue {
		args = append(args, "--continue")
	}

	out := config.OutputConfig{BaseDir: outputDir}
	plan := &LaunchPlan{
		Executable:    exe,
		Args:          args,
		WorkDir:       workDir,
		Env:           o.env,
		AppPackage:    o.cfg.Crawl.AppPackage,
		StartActivity: o.cfg.Crawl.StartActivity,
		OutputDir:     outputDir,
		LogPath:       out.CrawlLogPath(),
		ShutdownFlag:  out.ShutdownFlagPath(),
		PauseFlag:     out.PauseFlagPath(),
		PIDFile:       out.PIDFilePath(),
		StateFile:     out.RunStateFilePath(),
		Detach:        o.detach,
	}
	o.validate(ctx, plan)
	return plan, nil
}

// Start validates, launches the crawl child and begins monitoring its
// progress stream. It returns once the child survives its startup window;
// use Wait to block until the run ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if pid, running := o.currentPID(); running {
		return fmt.Errorf("a crawl process is already running (pid %d)", pid)
	}

	plan, err := o.PreparePlan(ctx)
	if err != nil {
		return err
	}
	for _, msg := range plan.ValidationMessages {
		if strings.HasPrefix(msg, warningPrefix) {
			o.logger.Warn(strings.TrimSpace(strings.TrimPrefix(msg, warningPrefix)))
		} else {
			o.logger.Error("Pre-flight check failed", zap.String("issue", msg))
		}
	}
	if !plan.ValidationPassed {
		return &ValidationError{Messages: plan.ValidationMessages}
	}

	if err := o.shutdown.Clear(); err != nil {
		return fmt.Errorf("clearing stale shutdown flag: %w", err)
	}
	for _, dir := range []string{plan.OutputDir, filepath.Dir(plan.LogPath), filepath.Dir(plan.PIDFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := o.backend.Start(ctx, plan); err != nil {
		return err
	}

	if pid, ok := o.backend.PID(); ok {
		if err := o.writePIDFile(pid); err != nil {
			o.logger.Warn("Could not write PID file", zap.Error(err))
		}
		if err := o.writeStateFile(plan, pid); err != nil {
			o.logger.Warn("Could not write runtime state", zap.Error(err))
		}
		o.logger.Info("Crawl started",
			zap.Int("pid", pid),
			zap.String("app", plan.AppPackage),
			zap.String("output", plan.OutputDir))
	}

	if !plan.Detach {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return o.backend.Monitor(gctx, o.parser) })
		o.group = g
	}
	return nil
}

// Wait blocks until the monitored child exits and returns the monitor's
// verdict. Detached starts have nothing to wait on.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	g := o.group
	o.mu.Unlock()
	if g == nil {
		return nil
	}
	err := g.Wait()
	o.removePIDFile()
	return err
}

// Stop requests a cooperative shutdown through the flag file and waits for
// the child to act on it. With killAfter > 0 the wait is bounded by it and
// followed by OS-level termination; otherwise the child gets one grace
// period and is left to finish on its own if still busy.
func (o *Orchestrator) Stop(ctx context.Context, killAfter time.Duration) error {
	if err := o.shutdown.Set(); err != nil {
		return fmt.Errorf("setting shutdown flag: %w", err)
	}
	pid, running := o.currentPID()
	if !running {
		o.logger.Info("No crawl process is running")
		o.removePIDFile()
		return nil
	}
	o.logger.Info("Shutdown requested", zap.Int("pid", pid), zap.Duration("kill_after", killAfter))

	wait := killAfter
	if wait <= 0 {
		wait = o.cfg.Supervisor.GracePeriod
	}
	deadline := time.Now().Add(wait)
	for {
		if _, still := o.currentPID(); !still {
			o.finishStop(pid)
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		slice := stopPollInterval
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slice):
		}
	}

	if killAfter <= 0 {
		o.logger.Warn("Crawl process has not exited yet; the shutdown flag stays set and it will stop at its next control check",
			zap.Int("pid", pid))
		return nil
	}

	if o.backend.IsRunning() {
		if err := o.backend.Stop(o.cfg.Supervisor.GracePeriod); err != nil {
			return err
		}
	} else if err := terminatePID(pid, o.cfg.Supervisor.GracePeriod, o.logger); err != nil {
		return err
	}
	o.finishStop(pid)
	return nil
}

// Pause suspends the crawl at its next control check.
func (o *Orchestrator) Pause() error {
	if _, running := o.currentPID(); !running {
		return errors.New("no crawl process is running")
	}
	if err := o.pause.Set(); err != nil {
		return fmt.Errorf("setting pause flag: %w", err)
	}
	o.logger.Info("Pause requested")
	return nil
}

// Resume lifts a pause.
func (o *Orchestrator) Resume() error {
	if _, running := o.currentPID(); !running {
		return errors.New("no crawl process is running")
	}
	if err := o.pause.Clear(); err != nil {
		return fmt.Errorf("clearing pause flag: %w", err)
	}
	o.logger.Info("Resume requested")
	return nil
}

// Status reports the crawl process state. It works from the PID and runtime
// state files so any CLI invocation can answer, not just the one that
// started the crawl.
func (o *Orchestrator) Status() *Status {
	pid, running := o.currentPID()
	paused, err := o.pause.IsSet()
	if err != nil {
		o.logger.Warn("Could not read pause flag", zap.Error(err))
	}

	st := &Status{
		Running:       running,
		Paused:        paused,
		AppPackage:    o.cfg.Crawl.AppPackage,
		StartActivity: o.cfg.Crawl.StartActivity,
		OutputDir:     o.cfg.Output.BaseDir,
	}
	if running {
		st.PID = pid
	}

	raw, err := os.ReadFile(o.statePath())
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Warn("Could not read runtime state", zap.Error(err))
		}
		return st
	}
	var state runtimeState
	if err := json.Unmarshal(raw, &state); err != nil {
		o.logger.Warn("Runtime state file is corrupt", zap.Error(err))
		return st
	}
	// The state file was written at start time; prefer it over the current
	// config, which may have changed since.
	st.AppPackage = state.AppPackage
	st.StartActivity = state.StartActivity
	st.OutputDir = state.OutputDir
	st.StartedAt = state.StartedAt
	st.ValidationPassed = state.ValidationPassed
	st.ValidationMessages = state.ValidationMessages
	return st
}

// currentPID resolves the live crawl pid, preferring the in-process backend
// and falling back to the PID file for detached children. Stale PID files
// are removed on sight.
func (o *Orchestrator) currentPID() (int, bool) {
	if pid, ok := o.backend.PID(); ok {
		return pid, true
	}
	pid, err := readPIDFile(o.pidPath())
	if err != nil || pid <= 0 {
		return 0, false
	}
	if !pidAlive(pid) {
		o.logger.Debug("Removing stale PID file", zap.Int("pid", pid))
		_ = os.Remove(o.pidPath())
		return 0, false
	}
	return pid, true
}

func (o *Orchestrator) pidPath() string   { return o.cfg.Output.PIDFilePath() }
func (o *Orchestrator) statePath() string { return o.cfg.Output.RunStateFilePath() }

func (o *Orchestrator) writePIDFile(pid int) error {
	return os.WriteFile(o.pidPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (o *Orchestrator) writeStateFile(plan *LaunchPlan, pid int) error {
	state := runtimeState{
		PID:                pid,
		AppPackage:         plan.AppPackage,
		StartActivity:      plan.StartActivity,
		OutputDir:          plan.OutputDir,
		StartedAt:          time.Now(),
		ValidationPassed:   plan.ValidationPassed,
		ValidationMessages: plan.ValidationMessages,
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(plan.StateFile, raw, 0o644)
}

func (o *Orchestrator) finishStop(pid int) {
	o.logger.Info("Crawl process stopped", zap.Int("pid", pid))
	o.removePIDFile()
}

func (o *Orchestrator) removePIDFile() {
	if err := os.Remove(o.pidPath()); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("Could not remove PID file", zap.Error(err))
	}
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID file %s: %w", path, err)
	}
	return pid, nil
}

// pidAlive probes the process with signal 0; nothing is delivered.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminatePID escalates on a process this invocation does not own, such as
// a child detached by an earlier start: SIGTERM, one grace period, SIGKILL.
func terminatePID(pid int, grace time.Duration, logger *zap.Logger) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return nil
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(stopPollInterval)
	}
	logger.Warn("Process ignored SIGTERM, killing", zap.Int("pid", pid))
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", pid, err)
	}
	return nil
}
