// File: cmd/root_test.go
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_VersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "traverser version")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "traverser version "+Version)
}

func TestRootCommand_NoArgsPrintsHelp(t *testing.T) {
	out, err := runCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Autonomous UI crawler")
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "status")
}

func TestRootCommand_ExplicitConfigMustExist(t *testing.T) {
	_, err := runCommand(t, "status", "--config", "/nonexistent/traverser.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestCrawlCommand_Hidden(t *testing.T) {
	root := NewRootCommand()
	crawl, _, err := root.Find([]string{"crawl"})
	require.NoError(t, err)
	assert.True(t, crawl.Hidden, "the crawl child entry must not show up in help")
}
