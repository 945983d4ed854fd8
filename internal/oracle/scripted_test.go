// File: internal/oracle/scripted_test.go
package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
)

func newScriptedOracle(t *testing.T, actions ...string) *Scripted {
	t.Helper()
	s, err := NewScripted(config.OracleConfig{
		Provider:        config.OracleScripted,
		ScriptedActions: actions,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

// -- Test Cases: Script Parsing (NewScripted) --

// Verifies an empty script is a configuration error.
func TestNewScripted_Failure_EmptyScript(t *testing.T) {
	_, err := NewScripted(config.OracleConfig{Provider: config.OracleScripted}, zaptest.NewLogger(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one entry")
}

// Verifies a typo in the script fails construction, naming the offender.
func TestNewScripted_Failure_UnknownAction(t *testing.T) {
	_, err := NewScripted(config.OracleConfig{
		Provider:        config.OracleScripted,
		ScriptedActions: []string{"tap:ok", "teleport:somewhere"},
	}, zaptest.NewLogger(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 1")
	assert.Contains(t, err.Error(), "teleport")
}

// Verifies alias action names in scripts are normalized at parse time.
func TestNewScripted_AliasEntry(t *testing.T) {
	s := newScriptedOracle(t, "click:button_ok")

	p, err := s.ProposeAction(context.Background(), &Request{})

	require.NoError(t, err)
	assert.Equal(t, ActionTap, p.Action)
	assert.Equal(t, "button_ok", p.TargetIdentifier)
}

// -- Test Cases: Replay (ProposeAction) --

// Verifies the script replays in order and wraps around at the end.
func TestScripted_ReplaysAndWraps(t *testing.T) {
	s := newScriptedOracle(t, "tap:button_next", "scroll_down", "back")
	ctx := context.Background()

	first, err := s.ProposeAction(ctx, &Request{})
	require.NoError(t, err)
	assert.Equal(t, ActionTap, first.Action)
	assert.Equal(t, "button_next", first.TargetIdentifier)
	assert.Equal(t, "scripted step 1 of 3", first.Reasoning)
	assert.InDelta(t, 1.0, first.Confidence, 1e-9)
	assert.Contains(t, first.RawJSON, `"action":"tap"`)

	second, err := s.ProposeAction(ctx, &Request{})
	require.NoError(t, err)
	assert.Equal(t, ActionScrollDown, second.Action)

	third, err := s.ProposeAction(ctx, &Request{})
	require.NoError(t, err)
	assert.Equal(t, ActionBack, third.Action)

	wrapped, err := s.ProposeAction(ctx, &Request{})
	require.NoError(t, err)
	assert.Equal(t, ActionTap, wrapped.Action)
	assert.Equal(t, "scripted step 1 of 3", wrapped.Reasoning)
}

// Verifies colons after the second separator belong to the input text.
func TestScripted_InputEntryKeepsColonsInText(t *testing.T) {
	s := newScriptedOracle(t, "input:field_url:https://example.com/a:b")

	p, err := s.ProposeAction(context.Background(), &Request{})

	require.NoError(t, err)
	assert.Equal(t, ActionInput, p.Action)
	assert.Equal(t, "field_url", p.TargetIdentifier)
	assert.Equal(t, "https://example.com/a:b", p.InputText)
}

// Verifies a canceled context stops the replay.
func TestScripted_ContextCanceled(t *testing.T) {
	s := newScriptedOracle(t, "back")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ProposeAction(ctx, &Request{})

	require.ErrorIs(t, err, context.Canceled)
}
