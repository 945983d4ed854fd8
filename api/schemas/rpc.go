package schemas

import "encoding/json"

// ToolResult is the uniform response envelope of the automation endpoint:
// a success flag, a human-readable message, and a tool-specific payload.
type ToolResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ScreenCapture bundles everything the automation endpoint returns about the
// currently rendered screen. ScreenshotPNG may be empty when the capture tool
// could not render an image; XML may be empty when the UI tree dump failed.
type ScreenCapture struct {
	ScreenshotPNG []byte `json:"-"`
	XML           string `json:"xml,omitempty"`
	ActivityName  string `json:"activity_name,omitempty"`
}

// RunStatus is the terminal (or current) status of a crawl run as persisted
// in the runs table and emitted on the progress stream.
type RunStatus string

const (
	RunStarted              RunStatus = "STARTED"
	RunCompletedMaxSteps    RunStatus = "COMPLETED_MAX_STEPS"
	RunCompletedMaxDuration RunStatus = "COMPLETED_MAX_DURATION"
	RunShutdownFlagDetected RunStatus = "SHUTDOWN_FLAG_DETECTED"
	RunInterrupted          RunStatus = "INTERRUPTED"
	RunFailureMaxOracle     RunStatus = "FAILURE_MAX_AI_FAILURES"
	RunFailureMaxExecution  RunStatus = "FAILURE_MAX_EXECUTION_FAILURES"
	RunFailureMaxContext    RunStatus = "FAILURE_MAX_CONTEXT_FAILURES"
	RunFailureFatal         RunStatus = "FAILURE_FATAL"
)

// Terminal reports whether the status marks a finished run.
func (s RunStatus) Terminal() bool {
	return s != RunStarted
}

// Failed reports whether the status is one of the failure terminations.
func (s RunStatus) Failed() bool {
	switch s {
	case RunFailureMaxOracle, RunFailureMaxExecution, RunFailureMaxContext, RunFailureFatal:
		return true
	}
	return false
}
