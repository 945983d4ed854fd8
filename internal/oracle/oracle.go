// File: internal/oracle/oracle.go
// Description: The decision oracle boundary. The crawl loop hands an oracle
// the current screen context and gets back exactly one proposed action;
// everything behind the interface (model calls, retries, scripts) is the
// provider's business. Swapping providers must not change loop behavior.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/api/schemas"
	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/llmutil"
)

// Proposal action vocabulary. These are the only values a provider may put
// into Proposal.Action; the crawl loop maps them onto device actions.
const (
	ActionTap        = "tap"
	ActionInput      = "input"
	ActionScrollUp   = "scroll_up"
	ActionScrollDown = "scroll_down"
	ActionSwipeLeft  = "swipe_left"
	ActionSwipeRight = "swipe_right"
	ActionLongPress  = "long_press"
	ActionBack       = "back"
	ActionWait       = "wait"
)

// SupportedActions lists the proposal vocabulary in the order it is presented
// to model-backed providers.
var SupportedActions = []string{
	ActionTap, ActionInput, ActionScrollUp, ActionScrollDown,
	ActionSwipeLeft, ActionSwipeRight, ActionLongPress, ActionBack, ActionWait,
}

// actionAliases maps vocabulary variants that models trained on other tool
// conventions keep producing onto the canonical names.
var actionAliases = map[string]string{
	"click":      ActionTap,
	"long_click": ActionLongPress,
	"type":       ActionInput,
}

// Request is the screen context a provider decides on. Screenshot is
// optional; providers that cannot use image input ignore it.
type Request struct {
	Screenshot         []byte
	SimplifiedTree     string
	VisitCount         int
	PreviousActions    []string
	LastActionFeedback string
	AppPackage         string
}

// Proposal is one proposed action plus the cost metadata of producing it.
// RawJSON preserves the provider's response verbatim for the step log.
type Proposal struct {
	schemas.ActionProposal

	LatencyMs   int64
	TotalTokens int
	RawJSON     string
}

// Oracle proposes the next UI action for a screen. Implementations must be
// safe to call sequentially from the crawl loop; they are not required to
// tolerate concurrent calls.
type Oracle interface {
	ProposeAction(ctx context.Context, req *Request) (*Proposal, error)
	Name() string
}

// New is a factory that creates an Oracle for the configured provider.
func New(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (Oracle, error) {
	switch cfg.Provider {
	case config.OracleGemini:
		return NewGemini(ctx, cfg, logger)
	case config.OracleScripted:
		return NewScripted(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported oracle provider: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.OracleGemini, config.OracleScripted)
	}
}

// NormalizeAction lowercases, trims and de-aliases an action name. It returns
// the canonical name, or the cleaned input unchanged when no alias applies.
func NormalizeAction(action string) string {
	cleaned := strings.ToLower(strings.TrimSpace(action))
	if canonical, ok := actionAliases[cleaned]; ok {
		return canonical
	}
	return cleaned
}

// IsSupportedAction reports whether action (after normalization) is part of
// the proposal vocabulary.
func IsSupportedAction(action string) bool {
	normalized := NormalizeAction(action)
	for _, a := range SupportedActions {
		if a == normalized {
			return true
		}
	}
	return false
}

// ParseProposal turns a provider response into a validated Proposal. The raw
// response survives markdown fences and conversational wrapping, but a
// missing or unknown action is an error: a proposal the loop cannot execute
// is worthless no matter how well-formed its JSON is.
func ParseProposal(raw string) (*Proposal, error) {
	parsed, err := llmutil.ParseJSONResponse[schemas.ActionProposal](raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle proposal: %w", err)
	}

	parsed.Action = NormalizeAction(parsed.Action)
	if parsed.Action == "" {
		return nil, fmt.Errorf("oracle proposal has no action")
	}
	if !IsSupportedAction(parsed.Action) {
		return nil, fmt.Errorf("oracle proposed unsupported action %q", parsed.Action)
	}
	parsed.TargetIdentifier = strings.TrimSpace(parsed.TargetIdentifier)

	return &Proposal{ActionProposal: *parsed, RawJSON: raw}, nil
}
