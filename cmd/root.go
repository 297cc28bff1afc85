// Package cmd defines and implements the CLI commands of the orchestrator.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the part of the application the commands use, so tests can inject
// a fake.
type App interface {
	Run(ctx context.Context) error
	StartPools(ctx context.Context)
	WaitIdle(ctx context.Context) error
	Dispatch(ctx context.Context, req scheduler.Request) (dispatcher.Result, error)
	Status(ctx context.Context) (server.Status, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return server.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Schedules crawl units across rate-limited social platforms.",
		Long: `orchestrator decides which (platform, job type) crawl units are due,
budgets their API quota, dispatches them to worker pools and reports queue,
error, keyword and health views over HTTP.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and stores it in the
		// command context for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDispatchCmd())
	cmd.AddCommand(newStatusCmd())

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
		os.Exit(1)
	}
}
