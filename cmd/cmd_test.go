// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ganainy/appium-traverser-sub001/internal/observability"
)

// runCommand executes a fresh command tree and captures everything it
// prints. The global logger is reset around each run so per-test config
// (usually level fatal) actually takes effect.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// testConfig writes a config file that points every artifact at a temp
// directory, silences the logger and targets a port nothing listens on.
// extra is appended verbatim and must only add top-level keys.
func testConfig(t *testing.T, extra string) (cfgPath, baseDir string) {
	t.Helper()
	dir := t.TempDir()
	baseDir = filepath.Join(dir, "out")
	cfgPath = filepath.Join(dir, "traverser.yaml")

	content := fmt.Sprintf(`logger:
  level: fatal
server:
  base_url: http://127.0.0.1:1
  health_timeout: 250ms
store:
  path: %s
output:
  base_dir: %s
oracle:
  provider: scripted
  scripted_actions:
    - back
%s`, filepath.Join(baseDir, "crawl.db"), baseDir, extra)

	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, baseDir
}
