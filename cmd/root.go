// File: cmd/root.go
// Description: Root command wiring. Every invocation builds its own viper
// instance and command tree, so nothing leaks between runs; subcommands bind
// their flags in PreRunE and resolve the effective config in RunE, after the
// override precedence (defaults < file < env < flags) is fully in place.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ganainy/appium-traverser-sub001/internal/automation"
	"github.com/ganainy/appium-traverser-sub001/internal/config"
	"github.com/ganainy/appium-traverser-sub001/internal/observability"
	"github.com/ganainy/appium-traverser-sub001/internal/orchestrator"
)

const appName = "traverser"

// rootOptions holds the persistent flag values for one command tree.
type rootOptions struct {
	cfgFile  string
	logLevel string
	logFile  string
}

// NewRootCommand builds the full command tree. Each call returns an
// independent instance.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Autonomous UI crawler for Android apps driven by a decision oracle",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(v, opts); err != nil {
				observability.InitializeLogger(config.LoggerConfig{
					Level: "info", Format: "console", ServiceName: appName,
				})
				return err
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{
					Level: "info", Format: "console", ServiceName: appName,
				})
				return err
			}
			// Console output goes to stderr; the crawl child's stdout is
			// reserved for the progress protocol.
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Configuration loaded",
				zap.String("version", Version),
				zap.String("config_file", v.ConfigFileUsed()))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "",
		fmt.Sprintf("config file (default searches ./%s.yaml)", appName))
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level for this invocation (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "",
		"also write structured logs to this file (rotated)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s version {{.Version}}\n", appName))

	rootCmd.AddCommand(
		newStartCmd(v),
		newStopCmd(v),
		newPauseCmd(v),
		newResumeCmd(v),
		newStatusCmd(v),
		newLogsCmd(v),
		newResetCmd(v),
		newCrawlCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI against a signal-aware context. The caller owns the
// exit code; errors come back unwrapped.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// initializeConfig layers defaults, the config file and the environment into
// v. Explicitly named config files must exist; the default search locations
// may be empty.
func initializeConfig(v *viper.Viper, opts *rootOptions) error {
	config.SetDefaults(v)

	if opts.cfgFile != "" {
		v.SetConfigFile(opts.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(appName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TRAVERSER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	// The log flags are invocation-scoped overrides, above every other layer.
	if opts.logLevel != "" {
		v.Set("logger.level", opts.logLevel)
	}
	if opts.logFile != "" {
		v.Set("logger.log_file", opts.logFile)
	}
	return nil
}

// resolveConfig materializes the effective config. Called from RunE so that
// flag bindings made in PreRunE are already visible.
func resolveConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// bindCrawlIdentityFlags maps the crawl identity flags onto their config
// keys. Both start and crawl carry these flags; binding happens in PreRunE
// so only the executing command's flags take effect.
func bindCrawlIdentityFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, flag := range map[string]string{
		"crawl.app_package":    "app",
		"crawl.start_activity": "activity",
		"crawl.continue":       "continue",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// buildOrchestrator wires the automation prober and the configured process
// backend into an orchestrator.
func buildOrchestrator(cfg *config.Config, logger *zap.Logger, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	backend, err := orchestrator.NewBackend(cfg.Supervisor.Backend, logger)
	if err != nil {
		return nil, err
	}
	client := automation.NewClient(cfg.Server, logger)
	return orchestrator.New(cfg, client, backend, logger, opts...)
}
