// File: cmd/reset.go
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ganainy/appium-traverser-sub001/internal/observability"
	"github.com/ganainy/appium-traverser-sub001/internal/store"
)

func newResetCmd(v *viper.Viper) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all persisted crawl data",
		Long: `Deletes every run, step, transition and screen from the database and
removes the screenshot directory. The screen catalog is shared across
runs, so this also forgets screens discovered by earlier crawls.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes the crawl database and every screenshot; re-run with --yes to confirm")
			}
			ctx := cmd.Context()
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			orch, err := buildOrchestrator(cfg, logger)
			if err != nil {
				return err
			}
			if st := orch.Status(); st.Running {
				return fmt.Errorf("a crawl process is running (pid %d); stop it before resetting", st.PID)
			}

			s, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.InitSchema(ctx); err != nil {
				return err
			}
			if err := s.ResetAll(ctx); err != nil {
				return err
			}

			if err := os.RemoveAll(cfg.Output.ScreenshotsDir()); err != nil {
				return fmt.Errorf("removing screenshots: %w", err)
			}
			for _, p := range []string{
				cfg.Output.RunStateFilePath(),
				cfg.Output.ShutdownFlagPath(),
				cfg.Output.PauseFlagPath(),
			} {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("removing %s: %w", p, err)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Crawl data cleared.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
