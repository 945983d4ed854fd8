// File: internal/crawler/step.go
// Description: One iteration of the crawl machine: foreground check, screen
// capture, oracle turn, action dispatch, and the persisted record of what
// happened. Step numbers are global per run and every started step consumes
// one, even when it is skipped before reaching the oracle.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/api/schemas"
	"github.com/ganainy/appium-traverser-sub001/internal/oracle"
	"github.com/ganainy/appium-traverser-sub001/internal/screenstate"
	"github.com/ganainy/appium-traverser-sub001/internal/store"
	"github.com/ganainy/appium-traverser-sub001/internal/uitree"
)

// Device-side durations for actions the oracle cannot parameterize.
const (
	longPressDurationMs = 800
	waitDurationMs      = 1000
)

// stuckActionThreshold is how many successful actions may land back on the
// same screen before the crawl is considered stuck there.
const stuckActionThreshold = 3

// stuckWindow is how many of the latest same-screen steps the all-stayed
// heuristic inspects.
const stuckWindow = 5

// capture bundles one observed screen: the resolved state, its visit info,
// and the raw artifacts the oracle prompt is built from.
type capture struct {
	state      *screenstate.ScreenState
	info       screenstate.VisitInfo
	simplified string
	screenshot []byte
}

// focusPayload is the JSON body of UI_FOCUS lines, attributing the element
// the crawl is about to act on.
type focusPayload struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
}

// step runs one full iteration. An empty status means the loop continues;
// anything else terminates the run.
func (c *Crawler) step(ctx context.Context) schemas.RunStatus {
	c.stepNumber++
	_ = c.emitter.Step(c.stepNumber)
	c.log.Info("Step starting", zap.Int("step", c.stepNumber))

	inApp, err := c.ensureForeground(ctx)
	if err != nil {
		if status := c.clientAbort(ctx, err); status != "" {
			return status
		}
		c.log.Warn("Foreground probe failed", zap.Int("step", c.stepNumber), zap.Error(err))
		inApp = false
	}
	if !inApp {
		return c.skipStep("target app not in foreground after relaunch")
	}

	cur, err := c.captureScreen(ctx, false)
	if err != nil {
		if status := c.clientAbort(ctx, err); status != "" {
			return status
		}
		return c.skipStep(err.Error())
	}
	c.contextFailures = 0
	c.announceScreen(cur)

	feedback := c.lastFeedback
	stuck, reason := c.stuckReason(cur)
	if stuck {
		c.log.Warn("Stuck on screen, nudging oracle",
			zap.Int64("screen_id", cur.state.ID),
			zap.String("reason", reason))
		nudge := fmt.Sprintf("STUCK: %s. Pick an element not tried before, or use 'back' to leave this screen.", reason)
		if feedback == "" {
			feedback = nudge
		} else {
			feedback = nudge + " " + feedback
		}
	}

	proposal, err := c.oracle.ProposeAction(ctx, &oracle.Request{
		Screenshot:         cur.screenshot,
		SimplifiedTree:     cur.simplified,
		VisitCount:         cur.info.VisitCountThisRun,
		PreviousActions:    capHistory(cur.info.PreviousActions, c.cfg.ActionHistoryLimit),
		LastActionFeedback: feedback,
		AppPackage:         c.cfg.AppPackage,
	})
	if err != nil {
		if ctx.Err() != nil {
			return schemas.RunInterrupted
		}
		return c.recordDecisionFailure(ctx, cur, nil, err)
	}
	action, err := resolveAction(proposal)
	if err != nil {
		return c.recordDecisionFailure(ctx, cur, proposal, err)
	}
	c.oracleFailures = 0

	if stuck && c.repeatsFailingAction(action) {
		c.log.Warn("Oracle repeated a failing action while stuck, falling back to back navigation",
			zap.String("action", action.Describe()))
		action = schemas.DeviceAction{Kind: schemas.ActionBack}
	}

	return c.executeAndRecord(ctx, cur, proposal, action)
}

// skipStep absorbs a pre-oracle failure: the step number is already spent,
// no row is written, and the reason becomes feedback for the next turn.
func (c *Crawler) skipStep(reason string) schemas.RunStatus {
	c.contextFailures++
	cerr := NewContextError(reason)
	c.lastFeedback = cerr.Error()
	c.log.Warn("Step skipped",
		zap.Int("step", c.stepNumber),
		zap.Error(cerr),
		zap.Int("consecutive_context_failures", c.contextFailures))
	if c.cfg.MaxContextFailures > 0 && c.contextFailures >= c.cfg.MaxContextFailures {
		return schemas.RunFailureMaxContext
	}
	return ""
}

// ensureForeground verifies the target app owns the screen, relaunching it
// once if another package has taken over.
func (c *Crawler) ensureForeground(ctx context.Context) (bool, error) {
	pkg, _, err := c.client.CurrentForegroundApp(ctx)
	if err != nil {
		return false, err
	}
	if c.isAllowedForeground(pkg) {
		return true, nil
	}
	c.log.Warn("Target app lost the foreground, relaunching",
		zap.String("foreground", pkg),
		zap.String("target", c.cfg.AppPackage))
	if err := c.client.LaunchApp(ctx, c.cfg.AppPackage, c.cfg.StartActivity); err != nil {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(c.cfg.ForegroundRetryDelay):
	}
	pkg, _, err = c.client.CurrentForegroundApp(ctx)
	if err != nil {
		return false, err
	}
	return c.isAllowedForeground(pkg), nil
}

func (c *Crawler) isAllowedForeground(pkg string) bool {
	if pkg == c.cfg.AppPackage {
		return true
	}
	for _, allowed := range c.cfg.AllowedPackages {
		if pkg == allowed {
			return true
		}
	}
	return false
}

// captureScreen grabs both observation artifacts and resolves them against
// the screen index. A missing screenshot or tree degrades to its hash
// sentinel; only losing both fails the capture.
func (c *Crawler) captureScreen(ctx context.Context, countVisit bool) (*capture, error) {
	screenshot, err := c.client.CaptureScreenshot(ctx)
	if err != nil {
		if terminalStatus(ctx, err) != "" {
			return nil, err
		}
		c.log.Warn("Screenshot capture failed, continuing without image", zap.Error(err))
		screenshot = nil
	}
	xml, activity, err := c.client.CaptureUITree(ctx)
	if err != nil {
		if terminalStatus(ctx, err) != "" {
			return nil, err
		}
		c.log.Warn("UI tree capture failed, continuing without XML", zap.Error(err))
		xml = ""
	}
	if len(screenshot) == 0 && xml == "" {
		return nil, errors.New("device returned neither screenshot nor UI tree")
	}

	simplified := c.simplifyTree(xml)

	cand := screenstate.Candidate{
		XMLHash:       uitree.XMLHash(xml),
		VisualHash:    uitree.VisualHash(screenshot),
		ActivityName:  activity,
		ScreenshotPNG: screenshot,
		StepNumber:    c.stepNumber,
	}
	cand.CompositeHash = uitree.CompositeHash(cand.XMLHash, cand.VisualHash)
	if c.cfg.KeepXML {
		cand.XMLContent = simplified
	}

	state, info, err := c.screens.ResolveOrCreate(ctx, cand, countVisit)
	if err != nil {
		return nil, err
	}
	return &capture{state: state, info: info, simplified: simplified, screenshot: screenshot}, nil
}

// simplifyTree filters foreign packages out of the capture and compacts it
// for the oracle prompt. Parse failures degrade to an empty tree rather than
// failing the step.
func (c *Crawler) simplifyTree(xml string) string {
	if xml == "" {
		return ""
	}
	filtered, removed, err := uitree.FilterPackages(xml, c.cfg.AppPackage, c.cfg.AllowedPackages)
	if err != nil {
		c.log.Warn("UI tree filtering failed, using the raw tree", zap.Error(err))
		filtered = xml
	} else if removed > 0 {
		c.log.Debug("Filtered foreign nodes from UI tree", zap.Int("removed", removed))
	}
	simplified, err := uitree.Simplify(filtered, c.cfg.MaxTreeChars)
	if err != nil {
		c.log.Warn("UI tree simplification failed, omitting XML context", zap.Error(err))
		return ""
	}
	return simplified
}

// announceScreen emits the screenshot path and, for first sightings, a
// status line to the progress stream.
func (c *Crawler) announceScreen(cap *capture) {
	if cap.state.ScreenshotPath != "" {
		_ = c.emitter.Screenshot(cap.state.ScreenshotPath)
	}
	if cap.info.IsNewDiscovery {
		c.log.Info("New screen discovered",
			zap.Int64("screen_id", cap.state.ID),
			zap.String("activity", cap.state.ActivityName))
		_ = c.emitter.Status(fmt.Sprintf("New screen discovered: #%d (%s)", cap.state.ID, cap.state.ActivityName))
	}
}

// recordDecisionFailure persists a failed step row for an unusable oracle
// turn. proposal may be nil when the provider itself failed.
func (c *Crawler) recordDecisionFailure(ctx context.Context, cur *capture, proposal *oracle.Proposal, cause error) schemas.RunStatus {
	c.oracleFailures++
	derr := NewDecisionError(cause)
	c.lastFeedback = fmt.Sprintf("Your previous response was not usable (%v). Respond with exactly one JSON object matching the schema.", cause)
	c.log.Warn("Oracle decision failed",
		zap.Int("step", c.stepNumber),
		zap.Error(derr),
		zap.Int("consecutive_oracle_failures", c.oracleFailures))

	row := &store.Step{
		RunID:             c.run.ID,
		StepNumber:        c.stepNumber,
		FromScreenID:      cur.state.ID,
		ActionDescription: "decision failed",
		ExecutionSuccess:  false,
		ErrorMessage:      derr.Error(),
	}
	if proposal != nil {
		row.OracleProposalJSON = proposal.RawJSON
		row.OracleLatencyMs = proposal.LatencyMs
		row.TotalTokens = proposal.TotalTokens
	}
	if err := c.store.InsertStep(ctx, row); err != nil {
		c.log.Error("Failed to persist step record", zap.Error(err))
	}
	c.screens.RecordAction(cur.state.CompositeHash, row.ActionDescription)
	c.runSteps = append(c.runSteps, stepOutcome{
		fromScreenID: cur.state.ID,
		description:  row.ActionDescription,
	})

	if c.cfg.MaxOracleFailures > 0 && c.oracleFailures >= c.cfg.MaxOracleFailures {
		return schemas.RunFailureMaxOracle
	}
	return ""
}

// executeAndRecord dispatches the mapped action, captures the screen it led
// to, and persists the step. The post-action capture counts the visit.
func (c *Crawler) executeAndRecord(ctx context.Context, cur *capture, proposal *oracle.Proposal, action schemas.DeviceAction) schemas.RunStatus {
	desc := action.Describe()
	_ = c.emitter.Action(desc)
	if action.TargetIdentifier != "" {
		_ = c.emitter.Focus(focusPayload{Step: c.stepNumber, Action: string(action.Kind), Target: action.TargetIdentifier})
	}
	c.log.Info("Executing action",
		zap.Int("step", c.stepNumber),
		zap.String("action", desc),
		zap.String("reasoning", proposal.Reasoning))

	result, execErr := c.client.PerformAction(ctx, action)
	if execErr != nil {
		if status := c.clientAbort(ctx, execErr); status != "" {
			return status
		}
	}
	success := execErr == nil && result != nil && result.Success

	var next *capture
	if success {
		p, err := c.captureScreen(ctx, true)
		if err != nil {
			if status := c.clientAbort(ctx, err); status != "" {
				return status
			}
			c.log.Warn("Post-action capture failed", zap.Int("step", c.stepNumber), zap.Error(err))
		} else {
			next = p
			c.announceScreen(next)
		}
	}

	c.recordStep(ctx, cur, next, proposal, action, desc, success, execErr, result)

	if !success {
		c.executionFailures++
		reason := executionFailureReason(execErr, result)
		c.lastFeedback = fmt.Sprintf("EXECUTION FAILED: %s (%s). Choose a different element or action.", desc, reason)
		c.log.Warn("Action execution failed",
			zap.Int("step", c.stepNumber),
			zap.String("action", desc),
			zap.String("reason", reason),
			zap.Int("consecutive_execution_failures", c.executionFailures))
		if c.cfg.MaxExecutionFailures > 0 && c.executionFailures >= c.cfg.MaxExecutionFailures {
			return schemas.RunFailureMaxExecution
		}
		return c.throttle(ctx)
	}

	c.executionFailures = 0
	c.lastFeedback = successFeedback(cur, next, desc)
	c.log.Info("Action executed",
		zap.Int("step", c.stepNumber),
		zap.String("action", desc),
		zap.Int64("from_screen", cur.state.ID),
		zap.Int64("to_screen", toScreenID(next)))
	return c.throttle(ctx)
}

// recordStep writes the step row, the transition edge for successful moves,
// and the in-memory trail. Persistence failures are logged and absorbed.
func (c *Crawler) recordStep(ctx context.Context, cur, next *capture, proposal *oracle.Proposal, action schemas.DeviceAction, desc string, success bool, execErr error, result *schemas.ToolResult) {
	toID := toScreenID(next)
	errMsg := ""
	if !success {
		errMsg = NewExecutionError(desc, executionFailureReason(execErr, result)).Error()
	}
	mapped, err := json.Marshal(action)
	if err != nil {
		c.log.Error("Failed to encode mapped action", zap.Error(err))
	}

	row := &store.Step{
		RunID:              c.run.ID,
		StepNumber:         c.stepNumber,
		FromScreenID:       cur.state.ID,
		ToScreenID:         toID,
		ActionDescription:  desc,
		OracleProposalJSON: proposal.RawJSON,
		MappedActionJSON:   string(mapped),
		ExecutionSuccess:   success,
		ErrorMessage:       errMsg,
		OracleLatencyMs:    proposal.LatencyMs,
		TotalTokens:        proposal.TotalTokens,
	}
	if err := c.store.InsertStep(ctx, row); err != nil {
		c.log.Error("Failed to persist step record", zap.Error(err))
	}
	if success && toID != 0 {
		tr := &store.Transition{
			RunID:             c.run.ID,
			StepNumber:        c.stepNumber,
			FromScreenID:      cur.state.ID,
			ToScreenID:        toID,
			ActionDescription: desc,
		}
		if err := c.store.InsertTransition(ctx, tr); err != nil {
			c.log.Error("Failed to persist transition", zap.Error(err))
		}
	}

	c.screens.RecordAction(cur.state.CompositeHash, desc)
	c.runSteps = append(c.runSteps, stepOutcome{
		fromScreenID: cur.state.ID,
		toScreenID:   toID,
		success:      success,
		description:  desc,
	})
}

// stuckReason applies the exploration heuristics to the current screen. A
// step that just navigated somewhere else clears any stuck state, and a
// screen nothing has been tried on is never stuck.
func (c *Crawler) stuckReason(cur *capture) (bool, string) {
	if len(c.runSteps) > 0 {
		last := c.runSteps[len(c.runSteps)-1]
		if last.success && last.toScreenID != 0 && last.toScreenID != last.fromScreenID {
			return false, ""
		}
	}

	var onScreen []stepOutcome
	for _, s := range c.runSteps {
		if s.fromScreenID == cur.state.ID {
			onScreen = append(onScreen, s)
		}
	}
	if len(onScreen) == 0 {
		return false, ""
	}

	if threshold := c.cfg.StuckVisitThreshold; threshold > 0 && cur.info.VisitCountThisRun > threshold {
		return true, fmt.Sprintf("this screen has been visited %d times this run", cur.info.VisitCountThisRun)
	}

	stayed := 0
	for _, s := range onScreen {
		if s.success && (s.toScreenID == 0 || s.toScreenID == cur.state.ID) {
			stayed++
		}
	}
	if stayed >= stuckActionThreshold {
		return true, fmt.Sprintf("%d successful actions stayed on this screen", stayed)
	}

	if len(onScreen) >= stuckWindow {
		allStayed := true
		for _, s := range onScreen[len(onScreen)-stuckWindow:] {
			if s.success && s.toScreenID != 0 && s.toScreenID != cur.state.ID {
				allStayed = false
				break
			}
		}
		if allStayed {
			return true, fmt.Sprintf("the last %d actions here did not leave this screen", stuckWindow)
		}
	}
	return false, ""
}

// repeatsFailingAction reports whether the proposal is the same action that
// just failed to move the crawl off the current screen.
func (c *Crawler) repeatsFailingAction(action schemas.DeviceAction) bool {
	if action.Kind == schemas.ActionBack || len(c.runSteps) == 0 {
		return false
	}
	last := c.runSteps[len(c.runSteps)-1]
	if last.description != action.Describe() {
		return false
	}
	return !last.success || last.toScreenID == 0 || last.toScreenID == last.fromScreenID
}

// resolveAction maps an oracle proposal onto a concrete device action.
func resolveAction(p *oracle.Proposal) (schemas.DeviceAction, error) {
	switch p.Action {
	case oracle.ActionTap:
		if p.TargetIdentifier == "" {
			return schemas.DeviceAction{}, errors.New("tap requires a target identifier")
		}
		return schemas.DeviceAction{Kind: schemas.ActionTap, TargetIdentifier: p.TargetIdentifier}, nil
	case oracle.ActionInput:
		if p.TargetIdentifier == "" {
			return schemas.DeviceAction{}, errors.New("input requires a target identifier")
		}
		if p.InputText == "" {
			return schemas.DeviceAction{}, errors.New("input requires input_text")
		}
		return schemas.DeviceAction{Kind: schemas.ActionInput, TargetIdentifier: p.TargetIdentifier, Text: p.InputText}, nil
	case oracle.ActionScrollUp:
		return schemas.DeviceAction{Kind: schemas.ActionScroll, Direction: "up"}, nil
	case oracle.ActionScrollDown:
		return schemas.DeviceAction{Kind: schemas.ActionScroll, Direction: "down"}, nil
	case oracle.ActionSwipeLeft:
		return schemas.DeviceAction{Kind: schemas.ActionSwipe, Direction: "left"}, nil
	case oracle.ActionSwipeRight:
		return schemas.DeviceAction{Kind: schemas.ActionSwipe, Direction: "right"}, nil
	case oracle.ActionLongPress:
		if p.TargetIdentifier == "" {
			return schemas.DeviceAction{}, errors.New("long_press requires a target identifier")
		}
		return schemas.DeviceAction{Kind: schemas.ActionLongPress, TargetIdentifier: p.TargetIdentifier, DurationMs: longPressDurationMs}, nil
	case oracle.ActionBack:
		return schemas.DeviceAction{Kind: schemas.ActionBack}, nil
	case oracle.ActionWait:
		return schemas.DeviceAction{Kind: schemas.ActionWait, DurationMs: waitDurationMs}, nil
	default:
		return schemas.DeviceAction{}, fmt.Errorf("no device mapping for oracle action %q", p.Action)
	}
}

// successFeedback describes the outcome of a successful dispatch for the
// next oracle turn.
func successFeedback(cur, next *capture, desc string) string {
	switch {
	case next == nil:
		return fmt.Sprintf("SUCCESS: %s executed, but the resulting screen could not be captured.", desc)
	case next.state.CompositeHash == cur.state.CompositeHash:
		return fmt.Sprintf("NO CHANGE: %s did not change the screen. The element may be inactive; try a different one.", desc)
	case next.info.IsNewDiscovery:
		return fmt.Sprintf("SUCCESS: %s navigated to a screen not seen before.", desc)
	default:
		return fmt.Sprintf("SUCCESS: %s changed the screen.", desc)
	}
}

func executionFailureReason(execErr error, result *schemas.ToolResult) string {
	switch {
	case execErr != nil:
		return execErr.Error()
	case result != nil && result.Message != "":
		return result.Message
	default:
		return "the device reported failure without detail"
	}
}

func toScreenID(cap *capture) int64 {
	if cap == nil {
		return 0
	}
	return cap.state.ID
}

// capHistory keeps the most recent limit entries of the action history.
func capHistory(actions []string, limit int) []string {
	if limit <= 0 || len(actions) <= limit {
		return actions
	}
	return actions[len(actions)-limit:]
}
