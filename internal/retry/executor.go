package retry

import (
	"context"
	"fmt"
	"log/slog"
)

// Remote is the part of the remote that re-executes work.
type Remote interface {
	RetryStage(ctx context.Context, project string, buildID int, stageIdentifier string, forceAllJobs, retryDependents bool) error
	RetryBuildFailedJobs(ctx context.Context, project string, buildID int) error
}

// Options are the choices left to whoever invokes the retry.
type Options struct {
	// RetryDependents also re-queues stages that depend on a rerun stage.
	// Ignored by the other strategies.
	RetryDependents bool
}

type Executor struct {
	remote Remote
	logger *slog.Logger
}

func NewExecutor(remote Remote, logger *slog.Logger) *Executor {
	return &Executor{remote: remote, logger: logger.With("component", "retry")}
}

// Execute performs d once. Failures of the remote call are returned as they
// are; mutating actions are never retried automatically.
func (e *Executor) Execute(ctx context.Context, d Decision, opts Options) error {
	logger := e.logger.With("run", d.RunID, "strategy", d.Strategy.String())

	switch d.Strategy {
	case StrategyStageRerun:
		logger.Info("rerunning stage", "stage", d.StageIdentifier, "dependents", opts.RetryDependents)
		if err := e.remote.RetryStage(ctx, d.Project, d.RunID, d.StageIdentifier, true, opts.RetryDependents); err != nil {
			return fmt.Errorf("rerun stage %s: %w", d.StageName, err)
		}

	case StrategyStageRetry:
		logger.Info("retrying stage", "stage", d.StageIdentifier)
		if err := e.remote.RetryStage(ctx, d.Project, d.RunID, d.StageIdentifier, false, false); err != nil {
			return fmt.Errorf("retry stage %s: %w", d.StageName, err)
		}

	case StrategyBuild:
		logger.Info("retrying failed jobs")
		if err := e.remote.RetryBuildFailedJobs(ctx, d.Project, d.RunID); err != nil {
			return fmt.Errorf("retry failed jobs: %w", err)
		}

	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStrategy, d.Strategy)
	}

	return nil
}
