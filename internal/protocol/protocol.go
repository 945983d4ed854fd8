// File: internal/protocol/protocol.go
// Description: The line-oriented progress protocol between the crawl process
// and any supervisor. One event per line, identified by a fixed prefix; this
// stream is the only coupling across the process boundary.
package protocol

import (
	"fmt"
	"io"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
)

// Event prefixes. Everything after the prefix up to the newline is the value.
const (
	PrefixStatus              = "UI_STATUS:"
	PrefixStep                = "UI_STEP:"
	PrefixAction              = "UI_ACTION:"
	PrefixScreenshot          = "UI_SCREENSHOT:"
	PrefixAnnotatedScreenshot = "UI_ANNOTATED_SCREENSHOT:"
	PrefixFocus               = "UI_FOCUS:"
	PrefixEnd                 = "UI_END:"
)

// Emitter writes protocol lines to a single stream, normally the crawl
// process's stdout. Writes are mutex-guarded so log-side goroutines can
// share it, and embedded newlines are collapsed so one event is always
// exactly one line.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter returns an Emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

func (e *Emitter) emit(prefix, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "%s%s\n", prefix, sanitize(value))
	return err
}

// Status emits a free-form progress status.
func (e *Emitter) Status(status string) error { return e.emit(PrefixStatus, status) }

// Step emits the number of the step about to execute.
func (e *Emitter) Step(n int) error { return e.emit(PrefixStep, fmt.Sprintf("%d", n)) }

// Action emits the short description of the action just resolved.
func (e *Emitter) Action(description string) error { return e.emit(PrefixAction, description) }

// Screenshot emits the path of the screenshot captured for the current step.
func (e *Emitter) Screenshot(path string) error { return e.emit(PrefixScreenshot, path) }

// AnnotatedScreenshot emits the path of a screenshot with the chosen target marked.
func (e *Emitter) AnnotatedScreenshot(path string) error {
	return e.emit(PrefixAnnotatedScreenshot, path)
}

// Focus emits an attribution payload as a single JSON line.
func (e *Emitter) Focus(payload any) error {
	raw, err := json.MarshalToString(payload)
	if err != nil {
		return fmt.Errorf("encoding focus payload: %w", err)
	}
	return e.emit(PrefixFocus, raw)
}

// End emits the terminal status of the run. It must be the last event.
func (e *Emitter) End(status string) error { return e.emit(PrefixEnd, status) }

// sanitize keeps one event on one line.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
