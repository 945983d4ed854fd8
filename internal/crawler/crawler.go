// File: internal/crawler/crawler.go
// Description: The step-driven crawl loop. Each iteration checks the control
// flags, verifies the app owns the screen, captures and dedups the current
// state, asks the oracle for one action, executes it, and records the
// outcome. The loop ends on a budget, a control signal, or a consecutive
// failure threshold, and always walks the ordered shutdown sequence.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/api/schemas"
	"github.com/ganainy/appium-traverser-sub001/internal/automation"
	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/control"
	"github.com/ganainy/appium-traverser-sub001/internal/oracle"
	"github.com/ganainy/appium-traverser-sub001/internal/protocol"
	"github.com/ganainy/appium-traverser-sub001/internal/screenstate"
	"github.com/ganainy/appium-traverser-sub001/internal/store"
)

// finalizeTimeout bounds the run-row update during shutdown, which runs on a
// fresh context because the loop's context is usually already canceled.
const finalizeTimeout = 5 * time.Second

// defaultPollInterval is used when the config leaves poll_interval unset.
const defaultPollInterval = 500 * time.Millisecond

// AutomationClient is the slice of the automation client the crawler drives.
// *automation.Client satisfies it.
type AutomationClient interface {
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	CaptureUITree(ctx context.Context) (xml, activity string, err error)
	CurrentForegroundApp(ctx context.Context) (pkg, activity string, err error)
	LaunchApp(ctx context.Context, appPackage, startActivity string) error
	PerformAction(ctx context.Context, action schemas.DeviceAction) (*schemas.ToolResult, error)
	Close()
}

// RunStore is the slice of the store the crawler writes run progress to.
// *store.Store satisfies it.
type RunStore interface {
	GetOrCreateRun(ctx context.Context, appPackage, startActivity string, continueRun bool) (*store.Run, bool, error)
	FinishRun(ctx context.Context, runID string, status schemas.RunStatus) error
	InsertStep(ctx context.Context, st *store.Step) error
	InsertTransition(ctx context.Context, tr *store.Transition) error
	SetRunMeta(ctx context.Context, runID, key, value string) error
}

// ScreenIndex is the dedup index the crawler resolves captures against.
// *screenstate.Manager satisfies it.
type ScreenIndex interface {
	InitializeForRun(ctx context.Context, runID string, isContinuation bool) error
	ResolveOrCreate(ctx context.Context, cand screenstate.Candidate, countVisit bool) (*screenstate.ScreenState, screenstate.VisitInfo, error)
	RecordAction(compositeHash, description string)
	LatestStepNumber() int
}

// Deps bundles the collaborators a Crawler drives.
type Deps struct {
	Client  AutomationClient
	Screens ScreenIndex
	Store   RunStore
	Oracle  oracle.Oracle
	Signals control.Pair
	Emitter *protocol.Emitter
}

// stepOutcome is the in-memory trail of recorded steps this session, used by
// the stuck heuristics. toScreenID is zero when the step failed or the
// post-action capture was lost.
type stepOutcome struct {
	fromScreenID int64
	toScreenID   int64
	success      bool
	description  string
}

// Crawler walks one app. Run is the only entry point and the loop is
// strictly sequential, so the struct carries no locking.
type Crawler struct {
	client  AutomationClient
	screens ScreenIndex
	store   RunStore
	oracle  oracle.Oracle
	signals control.Pair
	emitter *protocol.Emitter
	cfg     config.CrawlConfig
	log     *zap.Logger

	run          *store.Run
	stepNumber   int
	startedAt    time.Time
	lastFeedback string
	runSteps     []stepOutcome

	oracleFailures    int
	executionFailures int
	contextFailures   int
}

// New assembles a crawler over its collaborators.
func New(deps Deps, cfg config.CrawlConfig, logger *zap.Logger) *Crawler {
	return &Crawler{
		client:  deps.Client,
		screens: deps.Screens,
		store:   deps.Store,
		oracle:  deps.Oracle,
		signals: deps.Signals,
		emitter: deps.Emitter,
		cfg:     cfg,
		log:     logger.Named("crawler"),
	}
}

// Run opens (or resumes) the run row, primes the screen index, and drives
// the step loop until a terminal status. The ordered shutdown sequence runs
// on every path, so the returned status is always mirrored on the progress
// stream and in the runs table.
func (c *Crawler) Run(ctx context.Context) (schemas.RunStatus, error) {
	run, resumed, err := c.store.GetOrCreateRun(ctx, c.cfg.AppPackage, c.cfg.StartActivity, c.cfg.Continue)
	if err != nil {
		status := schemas.RunFailureFatal
		if ctx.Err() != nil {
			status = schemas.RunInterrupted
		}
		c.finish(status, false)
		return status, fmt.Errorf("failed to open crawl run: %w", err)
	}
	c.run = run

	if err := c.screens.InitializeForRun(ctx, run.ID, resumed); err != nil {
		c.finish(schemas.RunFailureFatal, true)
		return schemas.RunFailureFatal, fmt.Errorf("failed to initialize screen index: %w", err)
	}
	c.stepNumber = c.screens.LatestStepNumber()
	c.startedAt = time.Now()
	c.recordRunSettings(ctx)

	c.log.Info("Crawl run starting",
		zap.String("run_id", run.ID),
		zap.String("app_package", c.cfg.AppPackage),
		zap.Bool("resumed", resumed),
		zap.Int("starting_step", c.stepNumber),
		zap.Int("max_steps", c.cfg.MaxSteps))
	_ = c.emitter.Status(fmt.Sprintf("Run %s started for %s", run.ID, c.cfg.AppPackage))

	status := c.loop(ctx)
	c.log.Info("Crawl run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("steps", c.stepNumber))
	c.finish(status, true)
	return status, nil
}

// recordRunSettings snapshots the loop parameters in effect into the run's
// meta row. A continued run overwrites the snapshot.
func (c *Crawler) recordRunSettings(ctx context.Context) {
	raw, err := json.Marshal(map[string]any{
		"max_steps":             c.cfg.MaxSteps,
		"max_duration":          c.cfg.MaxDuration.String(),
		"similarity_threshold":  c.cfg.SimilarityThreshold,
		"stuck_visit_threshold": c.cfg.StuckVisitThreshold,
		"allowed_packages":      c.cfg.AllowedPackages,
	})
	if err != nil {
		return
	}
	if err := c.store.SetRunMeta(ctx, c.run.ID, "settings", string(raw)); err != nil {
		c.log.Warn("Failed to record run settings", zap.Error(err))
	}
}

// loop runs steps until one of them, a budget, or a control flag produces a
// terminal status.
func (c *Crawler) loop(ctx context.Context) schemas.RunStatus {
	for {
		if status := c.checkControl(ctx); status != "" {
			return status
		}
		if c.cfg.MaxSteps > 0 && c.stepNumber >= c.cfg.MaxSteps {
			c.log.Info("Step budget exhausted", zap.Int("max_steps", c.cfg.MaxSteps))
			return schemas.RunCompletedMaxSteps
		}
		if c.cfg.MaxDuration > 0 && time.Since(c.startedAt) >= c.cfg.MaxDuration {
			c.log.Info("Time budget exhausted", zap.Duration("max_duration", c.cfg.MaxDuration))
			return schemas.RunCompletedMaxDuration
		}
		if status := c.step(ctx); status != "" {
			return status
		}
	}
}

// checkControl handles the shutdown and pause flags. Pause blocks at poll
// granularity and keeps honoring shutdown while waiting.
func (c *Crawler) checkControl(ctx context.Context) schemas.RunStatus {
	if ctx.Err() != nil {
		return schemas.RunInterrupted
	}
	if set, err := c.signals.Shutdown.IsSet(); err != nil {
		c.log.Warn("Failed to read shutdown flag", zap.Error(err))
	} else if set {
		c.log.Info("Shutdown flag detected")
		return schemas.RunShutdownFlagDetected
	}
	return c.waitWhilePaused(ctx)
}

func (c *Crawler) waitWhilePaused(ctx context.Context) schemas.RunStatus {
	paused := false
	for {
		set, err := c.signals.Pause.IsSet()
		if err != nil {
			c.log.Warn("Failed to read pause flag", zap.Error(err))
			return ""
		}
		if !set {
			if paused {
				c.log.Info("Resumed")
				_ = c.emitter.Status("Resumed")
			}
			return ""
		}
		if !paused {
			paused = true
			c.log.Info("Paused, waiting for resume")
			_ = c.emitter.Status("Paused")
		}
		select {
		case <-ctx.Done():
			return schemas.RunInterrupted
		case <-time.After(c.pollInterval()):
		}
		if set, _ := c.signals.Shutdown.IsSet(); set {
			c.log.Info("Shutdown flag detected while paused")
			return schemas.RunShutdownFlagDetected
		}
	}
}

// throttle sleeps the post-action delay in poll-sized slices so a shutdown
// request never waits longer than one interval.
func (c *Crawler) throttle(ctx context.Context) schemas.RunStatus {
	remaining := c.cfg.ThrottleAfterAction
	for remaining > 0 {
		if set, _ := c.signals.Shutdown.IsSet(); set {
			c.log.Info("Shutdown flag detected during throttle")
			return schemas.RunShutdownFlagDetected
		}
		slice := c.pollInterval()
		if slice > remaining {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return schemas.RunInterrupted
		case <-time.After(slice):
		}
		remaining -= slice
	}
	return ""
}

func (c *Crawler) pollInterval() time.Duration {
	if c.cfg.PollInterval > 0 {
		return c.cfg.PollInterval
	}
	return defaultPollInterval
}

// finish is the ordered shutdown sequence: end marker on the progress
// stream, client teardown, run row finalization, log flush.
func (c *Crawler) finish(status schemas.RunStatus, finalizeRun bool) {
	_ = c.emitter.End(string(status))
	c.client.Close()
	if finalizeRun && c.run != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		if err := c.store.FinishRun(ctx, c.run.ID, status); err != nil {
			c.log.Error("Failed to finalize run row", zap.Error(err))
		}
	}
	_ = c.log.Sync()
}

// terminalStatus maps an automation client error onto a run-ending status.
// Empty means the step machine should absorb the failure and keep going.
func terminalStatus(ctx context.Context, err error) schemas.RunStatus {
	if err == nil {
		return ""
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return schemas.RunInterrupted
	}
	var open *automation.CircuitOpenError
	if errors.As(err, &open) {
		return schemas.RunFailureFatal
	}
	return ""
}

// clientAbort is terminalStatus plus the fatal-path log line.
func (c *Crawler) clientAbort(ctx context.Context, err error) schemas.RunStatus {
	status := terminalStatus(ctx, err)
	if status == schemas.RunFailureFatal {
		c.log.Error("Automation client is unrecoverable, aborting run", zap.Error(err))
	}
	return status
}
