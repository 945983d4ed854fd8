// File: cmd/control.go
// Description: pause and resume, the two flag-file toggles. Both act on the
// running crawl found through the PID file, so they work from any shell.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ganainy/appium-traverser-sub001/internal/observability"
)

func newPauseCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Suspend the running crawl at its next control check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			if err := orch.Pause(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pause requested; the crawl suspends before its next step.")
			return nil
		},
	}
}

func newResumeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused crawl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			if err := orch.Resume(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Resume requested.")
			return nil
		},
	}
}
