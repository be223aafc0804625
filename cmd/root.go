// Package cmd defines and implements the CLI commands for the genprogress executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/app"
	"github.com/JakeFAU/genprogress/internal/config"
	"github.com/JakeFAU/genprogress/internal/logging"
	"github.com/JakeFAU/genprogress/internal/tracker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the service surface the commands use. Tests inject a fake.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Tracker() *tracker.Tracker
	Handler(ctx context.Context) http.Handler
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "genprogress",
		Short: "Tracks long-running content generation tasks.",
		Long: `genprogress follows generation tasks on a backend, merging push updates
with status polling into one progress view per task. It can relay that view
over HTTP (serve) or follow a single task from the terminal (watch).`,
		SilenceUsage: true,

		// Builds the services once flags are parsed and hands them to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

// Execute runs the root command until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp shuts the services down within the configured shutdown timeout
// and flushes the logger.
func closeApp(appInstance App) {
	logger := appInstance.Logger()
	ctx, cancel := context.WithTimeout(context.Background(), appInstance.Config().Server.ShutdownTimeout)
	defer cancel()
	if err := appInstance.Close(ctx); err != nil {
		logger.Warn("error closing services", zap.Error(err))
	}
	// Sync on stderr-backed loggers returns EINVAL on some platforms.
	_ = logger.Sync()
}
