// File: cmd/crawl.go
// Description: The hidden child entry that start launches in a fresh
// process. It assembles the crawl loop and runs it to a terminal status;
// progress goes to stdout as protocol lines, logs to stderr, and the exit
// code carries the verdict.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ganainy/appium-traverser-sub001/api/schemas"
	"github.com/ganainy/appium-traverser-sub001/internal/automation"
	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/control"
	"github.com/ganainy/appium-traverser-sub001/internal/crawler"
	"github.com/ganainy/appium-traverser-sub001/internal/observability"
	"github.com/ganainy/appium-traverser-sub001/internal/oracle"
	"github.com/ganainy/appium-traverser-sub001/internal/protocol"
	"github.com/ganainy/appium-traverser-sub001/internal/screenstate"
	"github.com/ganainy/appium-traverser-sub001/internal/store"
)

func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "crawl",
		Short:  "Run the crawl loop in this process (used internally by start)",
		Hidden: true,
		Args:   cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindCrawlIdentityFlags(v, cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("app", "", "package name of the app to crawl (overrides crawl.app_package)")
	cmd.Flags().String("activity", "", "activity to launch first (overrides crawl.start_activity)")
	cmd.Flags().Bool("continue", false, "resume the most recent unfinished run for this app")
	return cmd
}

// runCrawl assembles the loop's collaborators and drives it to completion.
// A failure status becomes a non-nil error so the process exits non-zero;
// an interrupt surfaces the context error so the exit code says so.
func runCrawl(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening crawl database: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("preparing crawl database: %w", err)
	}

	decider, err := oracle.New(ctx, cfg.Oracle, logger)
	if err != nil {
		return fmt.Errorf("building oracle: %w", err)
	}

	cr := crawler.New(crawler.Deps{
		Client:  automation.NewClient(cfg.Server, logger),
		Screens: screenstate.NewManager(st, cfg.Crawl, cfg.Output.ScreenshotsDir(), logger),
		Store:   st,
		Oracle:  decider,
		Signals: control.NewFlagPair(cfg.Output.ShutdownFlagPath(), cfg.Output.PauseFlagPath()),
		Emitter: protocol.NewEmitter(os.Stdout),
	}, cfg.Crawl, logger)

	status, err := cr.Run(ctx)
	if err != nil {
		return err
	}
	if status.Failed() {
		return fmt.Errorf("crawl finished with status %s", status)
	}
	if status == schemas.RunInterrupted && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
