package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/tracker"
)

// newWatchCmd creates the 'watch' subcommand, which follows one task in the
// foreground.
func newWatchCmd() *cobra.Command {
	var opts tracker.Config
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follows a single task until it finishes",
		Long: `Tracks one task, logging every progress update. The command exits
non-zero when the task fails or tracking is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchCommand(cmd, args[0], opts)
		},
	}
	cmd.Flags().DurationVar(&opts.EstimatedTotalTime, "estimate", 0, "estimated total run time (default from config)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 0, "status poll interval (default from config)")
	return cmd
}

func runWatchCommand(cmd *cobra.Command, taskID string, opts tracker.Config) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(appInstance)

	ctx := cmd.Context()
	c, err := appInstance.Tracker().Subscribe(ctx, taskID, opts)
	if err != nil {
		return fmt.Errorf("watch %s: %w", taskID, err)
	}
	logger := appInstance.Logger().With(
		zap.String("task_id", c.TaskID()),
		zap.String("attempt_id", c.AttemptID()),
	)
	stop := c.OnUpdate(func(s progress.Snapshot) {
		logger.Info("progress",
			zap.String("phase", s.CurrentPhase),
			zap.Float64("phase_progress", s.PhaseProgress),
			zap.Float64("overall_progress", s.OverallProgress),
			zap.Duration("remaining", time.Duration(s.TimeRemainingSeconds*float64(time.Second))),
			zap.String("mode", string(s.Mode)),
			zap.Bool("degraded", s.Degraded),
			zap.String("message", s.LastMessage),
		)
	})
	defer stop()

	<-c.Done()
	outcome, ok := c.Outcome()
	if !ok {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = errors.New("tracking abandoned")
		}
		return fmt.Errorf("watch %s: %w", taskID, cause)
	}
	if outcome.Kind != progress.OutcomeCompleted {
		return fmt.Errorf("task %s failed: %s", taskID, outcome.Error)
	}
	logger.Info("task completed", zap.Int("result_fields", len(outcome.Result)))
	return nil
}
