package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
)

var (
	ErrBuildNotFound  = errors.New("build not in the current list")
	ErrNotCancellable = errors.New("build is not running")
	ErrNoMoreBuilds   = errors.New("no more builds to show")
	ErrNoBranch       = errors.New("build has no source branch")
)

// leaseLookups bounds the retention lookups running at once.
const leaseLookups = 4

func (m *Monitor) fetchBuilds(ctx context.Context, tgt target, manual bool) ([]azdo.Build, error) {
	builds, err := m.remote.ListBuilds(ctx, tgt.project, tgt.pipelineID)
	if err != nil {
		return nil, err
	}

	m.carryPins(builds)
	if manual {
		m.mu.RLock()
		visible := min(m.visibleBuilds, len(builds))
		m.mu.RUnlock()
		if err := m.enrichPins(ctx, tgt.project, builds[:visible]); err != nil {
			return nil, err
		}
	}
	return builds, nil
}

// carryPins copies the pinned flag from the published list, so automatic
// polls keep it without fetching leases.
func (m *Monitor) carryPins(builds []azdo.Build) {
	m.mu.RLock()
	pinned := make(map[int]bool, len(m.builds))
	for _, b := range m.builds {
		pinned[b.ID] = b.Pinned
	}
	m.mu.RUnlock()

	for i := range builds {
		builds[i].Pinned = builds[i].KeepForever || pinned[builds[i].ID]
	}
}

// enrichPins looks up retention leases for builds in place. A failed lookup
// leaves that build's flag alone.
func (m *Monitor) enrichPins(ctx context.Context, project string, builds []azdo.Build) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(leaseLookups)

	for i := range builds {
		b := &builds[i]
		g.Go(func() error {
			leases, err := m.remote.GetRetentionLeases(gctx, project, b.ID)
			if err != nil {
				m.logger.Debug("retention lookup failed", "build", b.ID, "error", err)
				return nil
			}
			b.Pinned = b.KeepForever || len(leases) > 0
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) publishBuilds(tgt target, builds []azdo.Build) error {
	fresh := make([]azdo.Build, len(builds))
	copy(fresh, builds)

	m.mu.Lock()
	if m.buildsTarget.id != tgt.id {
		m.mu.Unlock()
		return ErrStaleTarget
	}
	m.builds = fresh
	delete(m.lastErr, EntityBuilds)
	m.mu.Unlock()

	m.logger.Debug("builds refreshed", "pipeline", tgt.pipelineID, "count", len(fresh))
	m.events.broadcast(Event{Kind: EventBuildsChanged, Entity: EntityBuilds})
	return nil
}

// buildsActive keeps the build list polled while a visible build is running.
func (m *Monitor) buildsActive() bool {
	for _, b := range m.Builds() {
		if b.Status.Active() {
			return true
		}
	}
	return false
}

// Builds returns the visible page of the build list, newest first.
func (m *Monitor) Builds() []azdo.Build {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := min(m.visibleBuilds, len(m.builds))
	out := make([]azdo.Build, n)
	copy(out, m.builds[:n])
	return out
}

// HasMoreBuilds reports whether LoadMoreBuilds would reveal anything.
func (m *Monitor) HasMoreBuilds() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.builds) > m.visibleBuilds
}

// LoadMoreBuilds reveals the next page and looks up its retention status.
func (m *Monitor) LoadMoreBuilds(ctx context.Context) error {
	m.mu.RLock()
	tgt := m.buildsTarget
	m.mu.RUnlock()
	if tgt.id == "" {
		return ErrNoSelection
	}

	tgt.fetching.Lock()
	defer tgt.fetching.Unlock()

	m.mu.RLock()
	from := m.visibleBuilds
	to := min(from+m.pageSize, len(m.builds))
	page := make([]azdo.Build, max(to-from, 0))
	if to > from {
		copy(page, m.builds[from:to])
	}
	m.mu.RUnlock()

	if len(page) == 0 {
		return ErrNoMoreBuilds
	}

	if err := m.enrichPins(ctx, tgt.project, page); err != nil {
		return fmt.Errorf("load more builds: %w", err)
	}

	m.mu.Lock()
	if m.buildsTarget.id != tgt.id {
		m.mu.Unlock()
		return ErrStaleTarget
	}
	pinned := make(map[int]bool, len(page))
	for _, b := range page {
		pinned[b.ID] = b.Pinned
	}
	for i := range m.builds {
		if p, ok := pinned[m.builds[i].ID]; ok {
			m.builds[i].Pinned = p
		}
	}
	m.visibleBuilds = to
	m.mu.Unlock()

	m.events.broadcast(Event{Kind: EventBuildsChanged, Entity: EntityBuilds})
	m.buildsPoll.Reconsider()
	return nil
}

func (m *Monitor) findBuild(buildID int) (azdo.Build, target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.buildsTarget.id == "" {
		return azdo.Build{}, target{}, ErrNoSelection
	}
	for _, b := range m.builds {
		if b.ID == buildID {
			return b, m.buildsTarget, nil
		}
	}
	return azdo.Build{}, target{}, fmt.Errorf("%w: %d", ErrBuildNotFound, buildID)
}

// CancelBuild asks the remote to cancel a running build.
func (m *Monitor) CancelBuild(ctx context.Context, buildID int) error {
	b, tgt, err := m.findBuild(buildID)
	if err != nil {
		return err
	}
	if !b.Cancellable() {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, b.Number, b.Status)
	}
	if err := m.remote.CancelRun(ctx, tgt.project, buildID); err != nil {
		return err
	}
	m.logger.Info("build cancelled", "build", buildID)
	m.refreshAfterAction(ctx, EntityBuilds)
	return nil
}

func (m *Monitor) DeleteBuild(ctx context.Context, buildID int) error {
	_, tgt, err := m.findBuild(buildID)
	if err != nil {
		return err
	}
	if err := m.remote.DeleteRun(ctx, tgt.project, buildID); err != nil {
		return err
	}
	m.logger.Info("build deleted", "build", buildID)
	m.refreshAfterAction(ctx, EntityBuilds)
	return nil
}

// SetRetention pins or unpins a build.
func (m *Monitor) SetRetention(ctx context.Context, buildID int, keepForever bool) error {
	_, tgt, err := m.findBuild(buildID)
	if err != nil {
		return err
	}
	if err := m.remote.SetRetention(ctx, tgt.project, buildID, keepForever); err != nil {
		return err
	}
	m.logger.Info("build retention changed", "build", buildID, "keep_forever", keepForever)
	m.refreshAfterAction(ctx, EntityBuilds)
	return nil
}

// RunPipeline queues a run of the selected pipeline on branch.
func (m *Monitor) RunPipeline(ctx context.Context, branch string) (*azdo.Build, error) {
	sel := m.CurrentSelection()
	if sel.PipelineID == 0 {
		return nil, ErrNoSelection
	}
	run, err := m.remote.RunPipeline(ctx, sel.Project, sel.PipelineID, branch)
	if err != nil {
		return nil, err
	}
	m.logger.Info("pipeline run queued", "pipeline", sel.PipelineID, "branch", branch, "run", run.ID)
	m.refreshAfterAction(ctx, EntityBuilds)
	return run, nil
}

// RetriggerBuild queues a new run of the pipeline on the branch buildID ran on.
func (m *Monitor) RetriggerBuild(ctx context.Context, buildID int) (*azdo.Build, error) {
	b, _, err := m.findBuild(buildID)
	if err != nil {
		return nil, err
	}
	branch := strings.TrimPrefix(b.SourceBranch, "refs/heads/")
	if branch == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoBranch, b.Number)
	}
	return m.RunPipeline(ctx, branch)
}

// refreshAfterAction refreshes entity manually. Its failure is reported
// through events, not to the action's caller.
func (m *Monitor) refreshAfterAction(ctx context.Context, entity Entity) {
	if err := m.Refresh(ctx, entity, true); err != nil && !errors.Is(err, ErrStaleTarget) && !errors.Is(err, ErrNoSelection) {
		m.logger.Debug("refresh after action failed", "entity", entity.String(), "error", err)
	}
}
