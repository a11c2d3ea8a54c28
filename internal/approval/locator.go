// Package approval maps a stage waiting on a manual gate to the remote
// approval that releases it.
package approval

import (
	"context"
	"errors"
	"log/slog"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

var (
	ErrNotAwaiting = errors.New("stage is not awaiting approval")
	ErrNoApproval  = errors.New("no pending approval found")
)

// Lister is the part of the remote the locator needs.
type Lister interface {
	ListPendingApprovals(ctx context.Context, project string) ([]azdo.Approval, error)
}

// Locator resolves approval ids on demand. Nothing is cached: an approval can
// be claimed, expire or be superseded between two polls.
type Locator struct {
	lister Lister
	logger *slog.Logger
}

func NewLocator(lister Lister, logger *slog.Logger) *Locator {
	return &Locator{lister: lister, logger: logger.With("component", "approval")}
}

// Resolve returns the id of the approval gating stageID in snap.
//
// The remote list covers the whole project. Entries linked to snap's run are
// preferred. When no entry carries a run link the first pending one is used,
// which can pick the wrong gate if several stages wait at once.
func (l *Locator) Resolve(ctx context.Context, snap *timeline.Snapshot, stageID string) (string, error) {
	if snap == nil || !timeline.IsAwaitingApproval(snap.Records, stageID) {
		return "", ErrNotAwaiting
	}

	pending, err := l.lister.ListPendingApprovals(ctx, snap.Project)
	if err != nil {
		l.logger.Warn("approval lookup failed", "run", snap.RunID, "stage", stageID, "error", err)
		return "", ErrNoApproval
	}

	candidates := narrow(pending, snap.RunID)
	if len(candidates) == 0 {
		return "", ErrNoApproval
	}
	if len(candidates) > 1 {
		l.logger.Warn("several pending approvals match, using the first",
			"run", snap.RunID, "stage", stageID, "candidates", len(candidates))
	}
	return candidates[0].ID, nil
}

func narrow(pending []azdo.Approval, runID int) []azdo.Approval {
	var open []azdo.Approval
	linked := false
	for _, a := range pending {
		if a.Status != "" && a.Status != azdo.ApprovalStatusPending {
			continue
		}
		if a.RunID() != 0 {
			linked = true
		}
		open = append(open, a)
	}
	if !linked {
		return open
	}

	var matched []azdo.Approval
	for _, a := range open {
		if a.RunID() == runID {
			matched = append(matched, a)
		}
	}
	return matched
}
