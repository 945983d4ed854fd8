// File: cmd/status.go
package cmd

import (
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ganainy/appium-traverser-sub001/internal/observability"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a crawl is running and what it is crawling",
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
			st := orch.Status()
			out := cmd.OutOrStdout()

			if asJSON {
				raw, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding status: %w", err)
				}
				fmt.Fprintln(out, string(raw))
				return nil
			}

			if st.Running {
				fmt.Fprintf(out, "running:  yes (pid %d)\n", st.PID)
			} else {
				fmt.Fprintln(out, "running:  no")
			}
			fmt.Fprintf(out, "paused:   %s\n", yesNo(st.Paused))
			if st.AppPackage != "" {
				fmt.Fprintf(out, "app:      %s\n", st.AppPackage)
			}
			if st.StartActivity != "" {
				fmt.Fprintf(out, "activity: %s\n", st.StartActivity)
			}
			if st.OutputDir != "" {
				fmt.Fprintf(out, "output:   %s\n", st.OutputDir)
			}
			if !st.StartedAt.IsZero() {
				fmt.Fprintf(out, "started:  %s\n", st.StartedAt.Format(time.RFC3339))
			}
			for _, msg := range st.ValidationMessages {
				fmt.Fprintf(out, "note:     %s\n", msg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
