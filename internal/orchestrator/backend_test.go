// File: internal/orchestrator/backend_test.go
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/protocol"
)

// shellPlan runs a shell snippet as the crawl child. The backends only care
// about the plan's command line and artifact paths, so a scripted /bin/sh
// stands in for the real binary.
func shellPlan(t *testing.T, script string) *LaunchPlan {
	t.Helper()
	dir := t.TempDir()
	return &LaunchPlan{
		Executable:       "/bin/sh",
		Args:             []string{"-c", script},
		WorkDir:          dir,
		OutputDir:        dir,
		LogPath:          filepath.Join(dir, "logs", "crawl.log"),
		ValidationPassed: true,
	}
}

// streamRecorder collects parsed protocol events.
type streamRecorder struct {
	mu    sync.Mutex
	steps []int
	logs  []string
	end   string
}

func (r *streamRecorder) parser(t *testing.T) *protocol.Parser {
	return protocol.NewParser(zaptest.NewLogger(t)).
		OnStep(func(n int) { r.mu.Lock(); r.steps = append(r.steps, n); r.mu.Unlock() }).
		OnLog(func(l string) { r.mu.Lock(); r.logs = append(r.logs, l); r.mu.Unlock() }).
		OnEnd(func(s string) { r.mu.Lock(); r.end = s; r.mu.Unlock() })
}

func TestNewBackend_Factory(t *testing.T) {
	logger := zaptest.NewLogger(t)

	b, err := NewBackend(config.BackendSubprocess, logger)
	require.NoError(t, err)
	assert.IsType(t, &SubprocessBackend{}, b)

	b, err = NewBackend(config.BackendSupervised, logger)
	require.NoError(t, err)
	assert.IsType(t, &SupervisedBackend{}, b)

	_, err = NewBackend("systemd", logger)
	require.Error(t, err)
}

func TestSubprocessBackend_MonitorParsesChildOutput(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	plan := shellPlan(t, `printf 'UI_STEP: 1\nplain line\nUI_END: COMPLETED_MAX_STEPS\n'`)
	require.NoError(t, b.Start(context.Background(), plan))

	rec := &streamRecorder{}
	require.NoError(t, b.Monitor(context.Background(), rec.parser(t)))

	assert.Equal(t, []int{1}, rec.steps)
	assert.Equal(t, "COMPLETED_MAX_STEPS", rec.end)
	assert.Contains(t, rec.logs, "plain line")
	assert.False(t, b.IsRunning())
}

func TestSubprocessBackend_MonitorReportsChildFailure(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	b.probe = 50 * time.Millisecond
	plan := shellPlan(t, `echo 'UI_STATUS: Run started'; sleep 0.2; exit 7`)
	require.NoError(t, b.Start(context.Background(), plan))

	err := b.Monitor(context.Background(), protocol.NewParser(zaptest.NewLogger(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 7")
}

func TestSubprocessBackend_StartFailsWhenChildDiesImmediately(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	plan := shellPlan(t, `echo boom >&2; exit 3`)

	err := b.Start(context.Background(), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")

	raw, readErr := os.ReadFile(plan.LogPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(raw), "boom", "child stderr must land in the crawl log")
}

func TestSubprocessBackend_FastCleanExitIsNotAStartFailure(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	plan := shellPlan(t, `echo 'UI_END: COMPLETED_MAX_STEPS'`)

	require.NoError(t, b.Start(context.Background(), plan))

	rec := &streamRecorder{}
	require.NoError(t, b.Monitor(context.Background(), rec.parser(t)))
	assert.Equal(t, "COMPLETED_MAX_STEPS", rec.end)
}

func TestSubprocessBackend_StopEscalatesToKill(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	b.probe = 50 * time.Millisecond
	plan := shellPlan(t, `trap '' TERM; while :; do sleep 0.1; done`)
	require.NoError(t, b.Start(context.Background(), plan))
	require.True(t, b.IsRunning())

	pid, ok := b.PID()
	require.True(t, ok)
	assert.Greater(t, pid, 0)

	start := time.Now()
	require.NoError(t, b.Stop(200*time.Millisecond))
	assert.False(t, b.IsRunning())
	assert.Less(t, time.Since(start), 5*time.Second)

	_, ok = b.PID()
	assert.False(t, ok)
}

func TestSubprocessBackend_StopHonorsSigterm(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	b.probe = 50 * time.Millisecond
	plan := shellPlan(t, `sleep 30`)
	require.NoError(t, b.Start(context.Background(), plan))

	require.NoError(t, b.Stop(5*time.Second))
	assert.False(t, b.IsRunning())
}

func TestSubprocessBackend_StopWithoutChildIsNoop(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	require.NoError(t, b.Stop(time.Second))
	assert.False(t, b.IsRunning())
	_, ok := b.PID()
	assert.False(t, ok)
}

func TestSubprocessBackend_SecondStartWhileRunningFails(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	b.probe = 50 * time.Millisecond
	plan := shellPlan(t, `sleep 30`)
	require.NoError(t, b.Start(context.Background(), plan))

	err := b.Start(context.Background(), shellPlan(t, `sleep 30`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, b.Stop(5*time.Second))
}

func TestSubprocessBackend_MonitorUnblocksOnContextCancel(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	b.probe = 50 * time.Millisecond
	plan := shellPlan(t, `sleep 30`)
	require.NoError(t, b.Start(context.Background(), plan))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := b.Monitor(ctx, protocol.NewParser(zaptest.NewLogger(t)))
	require.ErrorIs(t, err, context.Canceled)

	// The child is still ours to reap.
	require.NoError(t, b.Stop(5*time.Second))
}

func TestSubprocessBackend_DetachRoutesOutputToLog(t *testing.T) {
	b := NewSubprocessBackend(zaptest.NewLogger(t))
	plan := shellPlan(t, `echo 'UI_STATUS: Run started'`)
	plan.Detach = true
	require.NoError(t, b.Start(context.Background(), plan))

	require.Eventually(t, func() bool { return !b.IsRunning() }, 2*time.Second, 10*time.Millisecond)

	raw, err := os.ReadFile(plan.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "UI_STATUS: Run started")

	err = b.Monitor(context.Background(), protocol.NewParser(zaptest.NewLogger(t)))
	require.Error(t, err, "a detached child has no stream to monitor")
}

func TestSupervisedBackend_ContextCancelTerminatesChild(t *testing.T) {
	b := NewSupervisedBackend(zaptest.NewLogger(t))
	b.probe = 50 * time.Millisecond

	exited := make(chan error, 1)
	b.OnExit(func(err error) { exited <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx, shellPlan(t, `sleep 30`)))
	require.True(t, b.IsRunning())

	cancel()
	select {
	case err := <-exited:
		require.Error(t, err, "a signaled child reports a non-clean exit")
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit after context cancellation")
	}
	assert.False(t, b.IsRunning())
}

func TestSupervisedBackend_CleanExitCallback(t *testing.T) {
	b := NewSupervisedBackend(zaptest.NewLogger(t))

	exited := make(chan error, 1)
	b.OnExit(func(err error) { exited <- err })

	require.NoError(t, b.Start(context.Background(), shellPlan(t, `exit 0`)))

	select {
	case err := <-exited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit callback never fired")
	}
}
