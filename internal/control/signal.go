// File: internal/control/signal.go
// Description: Cross-process control signaling. The crawl loop and the
// orchestrator live in different processes, so the default transport is a
// flag file; an in-process token backs single-process deployments and tests.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Signal is a latched boolean control. Implementations must make IsSet cheap:
// the crawl loop polls it on every wake cycle.
type Signal interface {
	IsSet() (bool, error)
	Set() error
	Clear() error
}

// Sentinel contents written into flag files. Existence is the signal; the
// content only aids a human inspecting the control directory.
const (
	ShutdownSentinel = "shutdown"
	PauseSentinel    = "pause"
)

// FlagFile signals through the presence of a file on disk.
type FlagFile struct {
	path     string
	sentinel string
}

// NewFlagFile returns a flag backed by the file at path.
func NewFlagFile(path, sentinel string) *FlagFile {
	return &FlagFile{path: path, sentinel: sentinel}
}

// Path returns the backing file location.
func (f *FlagFile) Path() string { return f.path }

// IsSet reports whether the flag file exists.
func (f *FlagFile) IsSet() (bool, error) {
	_, err := os.Stat(f.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking flag %s: %w", f.path, err)
}

// Set creates the flag file, creating parent directories as needed.
func (f *FlagFile) Set() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating flag directory for %s: %w", f.path, err)
	}
	if err := os.WriteFile(f.path, []byte(f.sentinel), 0o644); err != nil {
		return fmt.Errorf("writing flag %s: %w", f.path, err)
	}
	return nil
}

// Clear removes the flag file. A missing file is not an error.
func (f *FlagFile) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing flag %s: %w", f.path, err)
	}
	return nil
}

// Token is an in-process Signal for single-process deployments and tests.
type Token struct {
	set atomic.Bool
}

// NewToken returns an unset in-process signal.
func NewToken() *Token { return &Token{} }

func (t *Token) IsSet() (bool, error) { return t.set.Load(), nil }
func (t *Token) Set() error           { t.set.Store(true); return nil }
func (t *Token) Clear() error         { t.set.Store(false); return nil }

// Pair bundles the two controls every crawl understands.
type Pair struct {
	Shutdown Signal
	Pause    Signal
}

// NewFlagPair builds the standard file-backed control pair.
func NewFlagPair(shutdownPath, pausePath string) Pair {
	return Pair{
		Shutdown: NewFlagFile(shutdownPath, ShutdownSentinel),
		Pause:    NewFlagFile(pausePath, PauseSentinel),
	}
}

// NewTokenPair builds an in-process control pair for tests and embedded use.
func NewTokenPair() Pair {
	return Pair{Shutdown: NewToken(), Pause: NewToken()}
}
