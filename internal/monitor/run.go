package monitor

import (
	"context"
	"time"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/retry"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

func (m *Monitor) fetchTimeline(ctx context.Context, tgt target) (*timeline.Snapshot, error) {
	records, err := m.remote.GetTimeline(ctx, tgt.project, tgt.runID)
	if err != nil {
		return nil, err
	}
	return timeline.NewSnapshot(tgt.project, tgt.runID, records, time.Now()), nil
}

// publishTimeline swaps in a new snapshot and its view together.
func (m *Monitor) publishTimeline(tgt target, snap *timeline.Snapshot) error {
	view := timeline.Classify(snap.Records)

	m.mu.Lock()
	if m.runTarget.id != tgt.id {
		m.mu.Unlock()
		return ErrStaleTarget
	}
	m.snapshot = snap
	m.view = view
	delete(m.lastErr, EntityTimeline)
	m.mu.Unlock()

	m.logger.Debug("timeline refreshed", "run", tgt.runID, "records", len(snap.Records), "active", snap.Active())
	m.events.broadcast(Event{Kind: EventTimelineChanged, Entity: EntityTimeline})
	return nil
}

// timelineActive keeps the timeline polled while any record is running or pending.
func (m *Monitor) timelineActive() bool {
	return m.Snapshot().Active()
}

// Snapshot returns the latest timeline snapshot, nil before the first
// successful fetch. Snapshots are never modified once published.
func (m *Monitor) Snapshot() *timeline.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// View returns the classified tree of the latest snapshot.
func (m *Monitor) View() *timeline.View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// ResolveRetryAction decides how stageID of the selected run would be retried.
func (m *Monitor) ResolveRetryAction(stageID string) (retry.Decision, error) {
	snap := m.Snapshot()
	if snap == nil {
		return retry.Decision{}, ErrNoSelection
	}
	return retry.Resolve(snap, stageID)
}

// Retry resolves and executes the retry of stageID, then refreshes both
// entities. Nothing reaches the remote when resolution fails.
func (m *Monitor) Retry(ctx context.Context, stageID string, opts retry.Options) (retry.Decision, error) {
	d, err := m.ResolveRetryAction(stageID)
	if err != nil {
		return retry.Decision{}, err
	}
	if err := m.retrier.Execute(ctx, d, opts); err != nil {
		return d, err
	}
	m.refreshAfterAction(ctx, EntityTimeline)
	m.refreshAfterAction(ctx, EntityBuilds)
	return d, nil
}

func (m *Monitor) IsAwaitingApproval(stageID string) bool {
	snap := m.Snapshot()
	if snap == nil {
		return false
	}
	return timeline.IsAwaitingApproval(snap.Records, stageID)
}

// ResolveApprovalID looks up the approval gating stageID. It is resolved
// fresh on every call.
func (m *Monitor) ResolveApprovalID(ctx context.Context, stageID string) (string, bool) {
	id, err := m.locator.Resolve(ctx, m.Snapshot(), stageID)
	if err != nil {
		return "", false
	}
	return id, true
}

// Decide approves or rejects the gate of stageID.
func (m *Monitor) Decide(ctx context.Context, stageID string, decision azdo.Decision, comment string) error {
	snap := m.Snapshot()
	if snap == nil {
		return ErrNoSelection
	}
	approvalID, err := m.locator.Resolve(ctx, snap, stageID)
	if err != nil {
		return err
	}
	if _, err := m.remote.SetApprovalDecision(ctx, snap.Project, approvalID, decision, comment); err != nil {
		return err
	}
	m.logger.Info("approval decided", "run", snap.RunID, "stage", stageID, "approval", approvalID, "decision", string(decision))
	m.refreshAfterAction(ctx, EntityTimeline)
	return nil
}
