package schemas

// ActionKind identifies a device-level UI action the crawl loop can execute.
type ActionKind string

const (
	ActionTap       ActionKind = "TAP"
	ActionInput     ActionKind = "INPUT"
	ActionScroll    ActionKind = "SCROLL"
	ActionSwipe     ActionKind = "SWIPE"
	ActionLongPress ActionKind = "LONG_PRESS"
	ActionBack      ActionKind = "BACK"
	ActionWait      ActionKind = "WAIT"
)

// KnownActionKinds lists every action the execution surface understands,
// in the order they are offered to the decision oracle.
var KnownActionKinds = []ActionKind{
	ActionTap, ActionInput, ActionScroll, ActionSwipe,
	ActionLongPress, ActionBack, ActionWait,
}

// IsKnownAction reports whether s names a supported action kind.
// Matching is exact; callers normalize case before asking.
func IsKnownAction(s string) bool {
	for _, k := range KnownActionKinds {
		if string(k) == s {
			return true
		}
	}
	return false
}

// ActionProposal is the structured answer of a decision oracle: one proposed
// action plus the reasoning and confidence it was produced with. The JSON tags
// are the wire contract shared by every oracle provider.
type ActionProposal struct {
	Action           string  `json:"action"`
	TargetIdentifier string  `json:"target_identifier"`
	InputText        string  `json:"input_text,omitempty"`
	Reasoning        string  `json:"reasoning,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// DeviceAction is a proposal resolved into the concrete parameters the
// automation endpoint executes. It is what gets persisted as the mapped
// action of a step.
type DeviceAction struct {
	Kind             ActionKind `json:"kind"`
	TargetIdentifier string     `json:"target_identifier,omitempty"`
	Text             string     `json:"text,omitempty"`
	Direction        string     `json:"direction,omitempty"`
	DurationMs       int        `json:"duration_ms,omitempty"`
}

// Describe renders the action as the short human-readable form used in step
// records, action history and progress lines.
func (a DeviceAction) Describe() string {
	switch a.Kind {
	case ActionInput:
		return string(a.Kind) + " '" + a.Text + "' into " + a.TargetIdentifier
	case ActionScroll, ActionSwipe:
		if a.Direction != "" {
			return string(a.Kind) + " " + a.Direction
		}
		return string(a.Kind)
	case ActionBack, ActionWait:
		return string(a.Kind)
	default:
		return string(a.Kind) + " " + a.TargetIdentifier
	}
}
