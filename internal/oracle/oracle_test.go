// File: internal/oracle/oracle_test.go
package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
)

// -- Test Cases: Factory (New) --

// Verifies the factory builds a scripted oracle from its provider key.
func TestNew_Scripted(t *testing.T) {
	cfg := config.OracleConfig{
		Provider:        config.OracleScripted,
		ScriptedActions: []string{"back"},
	}

	o, err := New(context.Background(), cfg, zaptest.NewLogger(t))

	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, config.OracleScripted, o.Name())
}

// Verifies the factory builds a gemini oracle when an API key is present.
func TestNew_Gemini_Success(t *testing.T) {
	cfg := config.OracleConfig{
		Provider: config.OracleGemini,
		Model:    "gemini-2.5-flash",
		APIKey:   "test-api-key",
	}

	o, err := New(context.Background(), cfg, zaptest.NewLogger(t))

	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, config.OracleGemini, o.Name())
}

// Verifies the gemini provider refuses to start without an API key.
func TestNew_Gemini_Failure_MissingAPIKey(t *testing.T) {
	cfg := config.OracleConfig{
		Provider: config.OracleGemini,
		Model:    "gemini-2.5-flash",
	}

	o, err := New(context.Background(), cfg, zaptest.NewLogger(t))

	require.Error(t, err)
	assert.Nil(t, o)
	assert.Contains(t, err.Error(), "API key")
}

// Verifies an unknown provider key is rejected as a configuration error.
func TestNew_Failure_UnknownProvider(t *testing.T) {
	cfg := config.OracleConfig{Provider: "oracle-9000"}

	o, err := New(context.Background(), cfg, zaptest.NewLogger(t))

	require.Error(t, err)
	assert.Nil(t, o)
	assert.Contains(t, err.Error(), "unsupported oracle provider")
}

// -- Test Cases: Proposal Parsing (ParseProposal) --

// Verifies a clean JSON response maps onto every proposal field and the raw
// response is preserved verbatim.
func TestParseProposal_CleanJSON(t *testing.T) {
	raw := `{"action":"input","target_identifier":"field_email","input_text":"test.user@example.com","reasoning":"the form blocks progress until filled","confidence":0.9}`

	p, err := ParseProposal(raw)

	require.NoError(t, err)
	assert.Equal(t, ActionInput, p.Action)
	assert.Equal(t, "field_email", p.TargetIdentifier)
	assert.Equal(t, "test.user@example.com", p.InputText)
	assert.Equal(t, "the form blocks progress until filled", p.Reasoning)
	assert.InDelta(t, 0.9, p.Confidence, 1e-9)
	assert.Equal(t, raw, p.RawJSON)
}

// Verifies a markdown-fenced payload parses and the fenced original survives
// as the raw response.
func TestParseProposal_MarkdownFenced(t *testing.T) {
	raw := "```json\n{\"action\": \"tap\", \"target_identifier\": \"button_next\", \"reasoning\": \"continue onboarding\"}\n```"

	p, err := ParseProposal(raw)

	require.NoError(t, err)
	assert.Equal(t, ActionTap, p.Action)
	assert.Equal(t, "button_next", p.TargetIdentifier)
	assert.Equal(t, raw, p.RawJSON)
}

// Verifies JSON embedded in conversational filler is still extracted.
func TestParseProposal_ConversationalWrapper(t *testing.T) {
	raw := `Sure! The best next step is: {"action": "scroll_down", "reasoning": "reveal content below the fold"} Hope that helps.`

	p, err := ParseProposal(raw)

	require.NoError(t, err)
	assert.Equal(t, ActionScrollDown, p.Action)
}

// Verifies vocabulary aliases and case are normalized to canonical names.
func TestParseProposal_AliasNormalization(t *testing.T) {
	p, err := ParseProposal(`{"action": "Click", "target_identifier": "ok", "reasoning": "dismiss dialog"}`)
	require.NoError(t, err)
	assert.Equal(t, ActionTap, p.Action)

	p, err = ParseProposal(`{"action": "LONG_CLICK", "target_identifier": "item_3", "reasoning": "open context menu"}`)
	require.NoError(t, err)
	assert.Equal(t, ActionLongPress, p.Action)
}

// Verifies a proposal without an action is rejected.
func TestParseProposal_Failure_MissingAction(t *testing.T) {
	_, err := ParseProposal(`{"reasoning": "no idea"}`)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no action")
}

// Verifies a proposal with an out-of-vocabulary action is rejected.
func TestParseProposal_Failure_UnsupportedAction(t *testing.T) {
	_, err := ParseProposal(`{"action": "fly", "reasoning": "shortcut"}`)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported action")
}

// Verifies undecodable responses surface as parse errors.
func TestParseProposal_Failure_Garbage(t *testing.T) {
	_, err := ParseProposal("I cannot decide on an action right now.")

	require.Error(t, err)
}

// Verifies whitespace around the target identifier is stripped.
func TestParseProposal_TrimsTargetIdentifier(t *testing.T) {
	p, err := ParseProposal(`{"action": "tap", "target_identifier": "  button_login  ", "reasoning": "log in"}`)

	require.NoError(t, err)
	assert.Equal(t, "button_login", p.TargetIdentifier)
}

// -- Test Cases: Action Vocabulary --

// Verifies normalization handles case, whitespace and known aliases.
func TestNormalizeAction(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"TAP", ActionTap},
		{" Scroll_Down ", ActionScrollDown},
		{"click", ActionTap},
		{"type", ActionInput},
		{"long_click", ActionLongPress},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeAction(tc.in), "input %q", tc.in)
	}
}

// Verifies the supported-action check covers the whole vocabulary plus
// aliases and nothing else.
func TestIsSupportedAction(t *testing.T) {
	for _, action := range SupportedActions {
		assert.True(t, IsSupportedAction(action), "vocabulary action %q", action)
	}
	assert.True(t, IsSupportedAction("CLICK"))
	assert.False(t, IsSupportedAction("fly"))
	assert.False(t, IsSupportedAction(""))
}
