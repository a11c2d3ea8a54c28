// Package retry decides how a stage of a run should be re-executed and carries
// that decision out against the remote.
package retry

import (
	"errors"
	"fmt"

	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

var (
	ErrStageNotFound      = errors.New("stage not found in the current snapshot")
	ErrNoStageIdentifier  = errors.New("stage identifier is not available")
	ErrUnexpectedStrategy = errors.New("unexpected retry strategy")
)

type Strategy int

const (
	// StrategyBuild retries the failed jobs of the whole run.
	StrategyBuild Strategy = iota
	// StrategyStageRetry retries one stage so its checkpoint is evaluated again.
	StrategyStageRetry
	// StrategyStageRerun re-triggers a stage that already succeeded.
	StrategyStageRerun
)

func (s Strategy) String() string {
	switch s {
	case StrategyBuild:
		return "build_retry"
	case StrategyStageRetry:
		return "stage_retry"
	case StrategyStageRerun:
		return "stage_rerun"
	default:
		return "unknown"
	}
}

// Decision is everything needed to execute a retry. StageIdentifier is the
// stable stage name, not the per-attempt record id, and is empty for build
// retries.
type Decision struct {
	Strategy        Strategy
	Project         string
	RunID           int
	StageID         string
	StageName       string
	StageIdentifier string
}

// Resolve picks the strategy for stageID from the freshest snapshot of a run.
// A succeeded stage is always a rerun, even when stale checkpoint records
// from an earlier attempt are still attached to it.
func Resolve(snap *timeline.Snapshot, stageID string) (Decision, error) {
	stage, ok := snap.Find(stageID)
	if !ok || stage.Kind != timeline.KindStage {
		return Decision{}, fmt.Errorf("%w: %s", ErrStageNotFound, stageID)
	}

	d := Decision{
		Strategy:  evaluate(snap.Records, stage),
		Project:   snap.Project,
		RunID:     snap.RunID,
		StageID:   stage.ID,
		StageName: stage.Name,
	}
	if d.Strategy == StrategyBuild {
		return d, nil
	}

	if stage.Identifier == "" {
		return Decision{}, fmt.Errorf("%w: %s", ErrNoStageIdentifier, stage.Name)
	}
	d.StageIdentifier = stage.Identifier
	return d, nil
}

func evaluate(records []timeline.Record, stage timeline.Record) Strategy {
	if stage.Result == timeline.ResultSucceeded {
		return StrategyStageRerun
	}

	for _, r := range records {
		if r.Kind == timeline.KindCheckpoint && r.ParentID == stage.ID && r.Result == timeline.ResultFailed {
			return StrategyStageRetry
		}
	}

	return StrategyBuild
}
