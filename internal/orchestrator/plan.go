// File: internal/orchestrator/plan.go
// Description: Launch planning and pre-flight validation. A LaunchPlan is the
// fully resolved recipe for one crawl child process; every path in it is
// absolute so the plan stays valid regardless of the child's working
// directory.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
)

// HealthProber answers the automation server's liveness and readiness
// probes. *automation.Client satisfies it.
type HealthProber interface {
	CheckHealth(ctx context.Context) (alive, ready bool, err error)
}

// ValidationError reports the pre-flight prerequisites that block a start.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("launch validation failed: %s", strings.Join(e.Messages, "; "))
}

// LaunchPlan describes one crawl child process: what to run, where its
// artifacts live, and whether the pre-flight checks cleared it for launch.
type LaunchPlan struct {
	Executable string
	Args       []string
	WorkDir    string
	Env        []string

	AppPackage    string
	StartActivity string

	OutputDir    string
	LogPath      string
	ShutdownFlag string
	PauseFlag    string
	PIDFile      string
	StateFile    string

	// Detach routes the child's stdout into the crawl log instead of a
	// pipe, so the child survives this process exiting.
	Detach bool

	ValidationPassed   bool
	ValidationMessages []string
}

const warningPrefix = "warning:"

// validate runs the pre-flight checks and records the result on the plan.
// Blocking issues clear ValidationPassed; warnings only inform the operator
// and carry the warning prefix inside ValidationMessages.
func (o *Orchestrator) validate(ctx context.Context, plan *LaunchPlan) {
	var issues, warnings []string

	if plan.AppPackage == "" {
		issues = append(issues, "crawl.app_package is not set")
	}
	if plan.StartActivity == "" {
		warnings = append(warnings, warningPrefix+" crawl.start_activity is empty, the launcher default activity will be used")
	}

	switch o.cfg.Oracle.Provider {
	case config.OracleGemini:
		if o.cfg.Oracle.APIKey == "" {
			issues = append(issues, "oracle provider gemini requires an API key (set TRAVERSER_ORACLE_API_KEY or GEMINI_API_KEY)")
		}
	case config.OracleScripted:
		if len(o.cfg.Oracle.ScriptedActions) == 0 {
			issues = append(issues, "oracle provider scripted requires at least one entry in oracle.scripted_actions")
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown oracle provider %q", o.cfg.Oracle.Provider))
	}

	probeCtx := ctx
	if o.cfg.Server.HealthTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, o.cfg.Server.HealthTimeout)
		defer cancel()
	}
	alive, ready, err := o.prober.CheckHealth(probeCtx)
	switch {
	case err != nil:
		issues = append(issues, fmt.Sprintf("automation server at %s is unreachable: %v", o.cfg.Server.BaseURL, err))
	case !alive:
		issues = append(issues, fmt.Sprintf("automation server at %s is not live", o.cfg.Server.BaseURL))
	case !ready:
		issues = append(issues, fmt.Sprintf("automation server at %s is still initializing", o.cfg.Server.BaseURL))
	}

	plan.ValidationPassed = len(issues) == 0
	plan.ValidationMessages = append(issues, warnings...)
}
