// File: internal/control/signal_test.go
package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	flag := NewFlagFile(filepath.Join(dir, "control", "shutdown.flag"), ShutdownSentinel)

	set, err := flag.IsSet()
	require.NoError(t, err)
	assert.False(t, set, "fresh flag must not be set")

	require.NoError(t, flag.Set(), "Set must create missing parent directories")

	set, err = flag.IsSet()
	require.NoError(t, err)
	assert.True(t, set)

	content, err := os.ReadFile(flag.Path())
	require.NoError(t, err)
	assert.Equal(t, ShutdownSentinel, string(content))

	require.NoError(t, flag.Clear())
	set, err = flag.IsSet()
	require.NoError(t, err)
	assert.False(t, set)
}

func TestFlagFileClearMissingIsNoError(t *testing.T) {
	flag := NewFlagFile(filepath.Join(t.TempDir(), "never-created.flag"), PauseSentinel)
	assert.NoError(t, flag.Clear())
}

func TestFlagFileSetIsIdempotent(t *testing.T) {
	flag := NewFlagFile(filepath.Join(t.TempDir(), "pause.flag"), PauseSentinel)

	require.NoError(t, flag.Set())
	require.NoError(t, flag.Set())

	set, err := flag.IsSet()
	require.NoError(t, err)
	assert.True(t, set)
}

func TestToken(t *testing.T) {
	tok := NewToken()

	set, err := tok.IsSet()
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, tok.Set())
	set, _ = tok.IsSet()
	assert.True(t, set)

	require.NoError(t, tok.Clear())
	set, _ = tok.IsSet()
	assert.False(t, set)
}

func TestPairConstructors(t *testing.T) {
	dir := t.TempDir()
	pair := NewFlagPair(filepath.Join(dir, "s.flag"), filepath.Join(dir, "p.flag"))

	require.NoError(t, pair.Shutdown.Set())
	set, err := pair.Pause.IsSet()
	require.NoError(t, err)
	assert.False(t, set, "setting shutdown must not touch pause")

	tokens := NewTokenPair()
	require.NoError(t, tokens.Pause.Set())
	set, _ = tokens.Shutdown.IsSet()
	assert.False(t, set)
}
