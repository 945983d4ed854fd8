// File: cmd/start.go
// Description: Launches the crawl child through the orchestrator. Foreground
// starts stay attached and render the child's progress stream; detached
// starts return once the child survives its startup window.
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/observability"
	"github.com/ganainy/appium-traverser-sub001/internal/orchestrator"
	"github.com/ganainy/appium-traverser-sub001/internal/protocol"
)

func newStartCmd(v *viper.Viper) *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a crawl of the configured app",
		Long: `Validates the launch plan (automation server reachable, oracle usable,
app package known) and spawns the crawl as a child process. Without
--detach the command stays attached, streams progress and exits with
the crawl's verdict; with --detach it returns immediately.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindCrawlIdentityFlags(v, cmd); err != nil {
				return err
			}
			return v.BindPFlag("supervisor.backend", cmd.Flags().Lookup("backend"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			out := cmd.OutOrStdout()

			if detach && cfg.Supervisor.Backend == config.BackendSupervised {
				logger.Warn("A detached crawl outlives this process; the supervised backend cannot supervise it",
					zap.String("hint", "use the subprocess backend for background runs"))
			}

			opts := []orchestrator.Option{orchestrator.WithDetach(detach)}
			if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
				opts = append(opts, orchestrator.WithConfigFile(cfgPath))
			}
			if !detach {
				opts = append(opts, orchestrator.WithParser(consoleParser(out, logger)))
			}

			orch, err := buildOrchestrator(cfg, logger, opts...)
			if err != nil {
				return err
			}
			if err := orch.Start(ctx); err != nil {
				return err
			}

			st := orch.Status()
			if detach {
				fmt.Fprintf(out, "Crawl started in the background (pid %d).\n", st.PID)
				fmt.Fprintf(out, "Follow it with: %s logs --follow\n", appName)
				return nil
			}

			fmt.Fprintf(out, "Crawl started (pid %d). Ctrl-C requests a graceful stop.\n", st.PID)
			waitErr := orch.Wait()
			if ctx.Err() != nil {
				requestStop(orch, cfg.Supervisor.GracePeriod, logger)
				return ctx.Err()
			}
			return waitErr
		},
	}

	cmd.Flags().String("app", "", "package name of the app to crawl (overrides crawl.app_package)")
	cmd.Flags().String("activity", "", "activity to launch first (overrides crawl.start_activity)")
	cmd.Flags().Bool("continue", false, "resume the most recent unfinished run for this app")
	cmd.Flags().String("backend", "", "process backend: subprocess or supervised")
	cmd.Flags().BoolVar(&detach, "detach", false, "return immediately and leave the crawl running")
	return cmd
}

// requestStop asks the child to stop cooperatively after the foreground
// context was canceled. The wait gets its own deadline because the command
// context is already dead.
func requestStop(orch *orchestrator.Orchestrator, grace time.Duration, logger *zap.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), grace+time.Second)
	defer cancel()
	if err := orch.Stop(stopCtx, 0); err != nil {
		logger.Warn("Could not confirm crawl shutdown", zap.Error(err))
	}
}

// consoleParser renders the child's progress stream for an attached
// terminal. Non-protocol stdout lines are relayed at debug level only.
func consoleParser(out io.Writer, logger *zap.Logger) *protocol.Parser {
	crawlLog := logger.Named("crawl")
	return protocol.NewParser(logger).
		OnStatus(func(s string) { fmt.Fprintf(out, "  %s\n", s) }).
		OnStep(func(n int) { fmt.Fprintf(out, "step %d\n", n) }).
		OnAction(func(a string) { fmt.Fprintf(out, "  -> %s\n", a) }).
		OnScreenshot(func(p string) { fmt.Fprintf(out, "  [screen] %s\n", p) }).
		OnAnnotatedScreenshot(func(p string) { fmt.Fprintf(out, "  [marked] %s\n", p) }).
		OnEnd(func(s string) { fmt.Fprintf(out, "Crawl finished: %s\n", s) }).
		OnLog(func(line string) { crawlLog.Debug(line) })
}
