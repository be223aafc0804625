package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the 'serve' subcommand, which runs the relay daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the progress relay HTTP server",
		Long: `Starts the relay: clients register task ids over HTTP and read merged
progress snapshots, previews and server-sent update streams. Finished runs
are recorded in the configured history store.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(appInstance)

	cfg := appInstance.Config()
	logger := appInstance.Logger()
	ctx := cmd.Context()

	// Tracked attempts outlive the signal so shutdown can end them in order.
	trackCtx, cancelTracking := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTracking()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           appInstance.Handler(trackCtx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Abandoning the attempts ends open event streams before the server drains.
	cancelTracking()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("http server stopped")
	return nil
}
