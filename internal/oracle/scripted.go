// File: internal/oracle/scripted.go
package oracle

import (
	"context"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/api/schemas"
	"github.com/ganainy/appium-traverser-sub001/internal/config"
)

// Scripted replays a fixed action sequence instead of asking a model. It
// exists for dry runs and tests where determinism matters more than
// intelligence. The sequence wraps around, so a run can outlive its script.
//
// Script entries use the form "action[:target[:text]]", for example
// "tap:button_login" or "input:field_email:test.user@example.com". Colons
// after the second separator belong to the text.
type Scripted struct {
	steps  []schemas.ActionProposal
	next   int
	logger *zap.Logger
}

// NewScripted parses the configured script. Every entry is validated here so
// a typo fails the run at startup, not at step forty.
func NewScripted(cfg config.OracleConfig, logger *zap.Logger) (*Scripted, error) {
	if len(cfg.ScriptedActions) == 0 {
		return nil, fmt.Errorf("scripted oracle requires at least one entry in oracle.scripted_actions")
	}

	steps := make([]schemas.ActionProposal, 0, len(cfg.ScriptedActions))
	for i, entry := range cfg.ScriptedActions {
		step, err := parseScriptEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid scripted action at index %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	return &Scripted{
		steps:  steps,
		logger: logger.Named("oracle.scripted"),
	}, nil
}

// Name returns the provider key this oracle was registered under.
func (s *Scripted) Name() string { return config.OracleScripted }

// ProposeAction returns the next scripted step. The request context is only
// consulted for cancellation; the screen content does not influence the
// script.
func (s *Scripted) ProposeAction(ctx context.Context, _ *Request) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx := s.next % len(s.steps)
	s.next++

	step := s.steps[idx]
	step.Reasoning = fmt.Sprintf("scripted step %d of %d", idx+1, len(s.steps))

	raw, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scripted proposal: %w", err)
	}

	s.logger.Debug("Replaying scripted action",
		zap.Int("index", idx),
		zap.String("action", step.Action),
	)
	return &Proposal{ActionProposal: step, RawJSON: string(raw)}, nil
}

func parseScriptEntry(entry string) (schemas.ActionProposal, error) {
	fields := strings.SplitN(strings.TrimSpace(entry), ":", 3)

	action := NormalizeAction(fields[0])
	if action == "" {
		return schemas.ActionProposal{}, fmt.Errorf("entry %q has no action", entry)
	}
	if !IsSupportedAction(action) {
		return schemas.ActionProposal{}, fmt.Errorf("entry %q uses unsupported action %q", entry, action)
	}

	step := schemas.ActionProposal{Action: action, Confidence: 1.0}
	if len(fields) > 1 {
		step.TargetIdentifier = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		step.InputText = fields[2]
	}
	return step, nil
}
