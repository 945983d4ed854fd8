// File: cmd/stop.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ganainy/appium-traverser-sub001/internal/observability"
)

func newStopCmd(v *viper.Viper) *cobra.Command {
	var killAfter time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running crawl",
		Long: `Sets the shutdown flag so the crawl finishes its current step and exits
cleanly. Without --kill-after the command waits one grace period and
leaves a busy crawl running with the flag set; with --kill-after it
escalates to SIGTERM and then SIGKILL once the deadline passes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			orch, err := buildOrchestrator(cfg, logger)
			if err != nil {
				return err
			}
			if err := orch.Stop(cmd.Context(), killAfter); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if st := orch.Status(); st.Running {
				fmt.Fprintf(out, "Crawl (pid %d) is still finishing; it stops at its next control check.\n", st.PID)
			} else {
				fmt.Fprintln(out, "Crawl stopped.")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&killAfter, "kill-after", 0,
		"escalate to OS termination if the crawl has not exited after this long (0 = cooperative only)")
	return cmd
}
