// Package cmd defines the CLI commands for the ev-price-tracker executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/JakeFAU/ev-price-tracker/internal/config"
	"github.com/JakeFAU/ev-price-tracker/internal/logging"
	"github.com/JakeFAU/ev-price-tracker/internal/server"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the application the commands use.
// Tests swap in a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Scrape(ctx context.Context, modelID *int64) (tracker.ScrapeJob, error)
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return server.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "ev-price-tracker",
		Short: "Tracks used electric vehicle listing prices across marketplaces.",
		Long: `ev-price-tracker scrapes used EV listings from CarGurus, Autotrader and
Cars.com, stores every observation and keeps daily price aggregates per
tracked model. The serve command exposes the data over HTTP.`,
		SilenceUsage: true,

		// Builds the application once the flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
