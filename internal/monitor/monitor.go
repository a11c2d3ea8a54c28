// Package monitor keeps the build list of a pipeline and the timeline of one
// run current, and exposes what the panel and commands act on.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/config"
	"github.com/marcin-skalski/azp-monitor/internal/poll"
	"github.com/marcin-skalski/azp-monitor/internal/retry"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

var (
	ErrNoSelection = errors.New("nothing selected")
	// ErrStaleTarget is returned for a fetch whose target was replaced while
	// it was in flight. Its result has been discarded.
	ErrStaleTarget = errors.New("target changed while refreshing")
)

type Entity int

const (
	EntityBuilds Entity = iota
	EntityTimeline
)

func (e Entity) String() string {
	switch e {
	case EntityBuilds:
		return "builds"
	case EntityTimeline:
		return "timeline"
	default:
		return "unknown"
	}
}

// Remote is everything the monitor asks of Azure DevOps.
type Remote interface {
	retry.Remote
	ListBuilds(ctx context.Context, project string, pipelineID int) ([]azdo.Build, error)
	GetRetentionLeases(ctx context.Context, project string, buildID int) ([]azdo.RetentionLease, error)
	GetTimeline(ctx context.Context, project string, buildID int) ([]timeline.Record, error)
	SetApprovalDecision(ctx context.Context, project, approvalID string, decision azdo.Decision, comment string) (*azdo.Approval, error)
	CancelRun(ctx context.Context, project string, buildID int) error
	DeleteRun(ctx context.Context, project string, buildID int) error
	SetRetention(ctx context.Context, project string, buildID int, keepForever bool) error
	RunPipeline(ctx context.Context, project string, pipelineID int, branch string) (*azdo.Build, error)
	BuildWebURL(project string, buildID int) string
}

type ApprovalLocator interface {
	Resolve(ctx context.Context, snap *timeline.Snapshot, stageID string) (string, error)
}

// Selection is what the user is looking at. RunID is 0 until a run is chosen.
type Selection struct {
	Project    string
	PipelineID int
	RunID      int
}

type Option func(*Monitor)

// WithPollOptions passes options to both poll controllers.
func WithPollOptions(opts ...poll.Option) Option {
	return func(m *Monitor) { m.pollOpts = append(m.pollOpts, opts...) }
}

// target tags every fetch so results for a replaced selection can be dropped.
type target struct {
	id         string
	project    string
	pipelineID int
	runID      int
	// fetching is held from fetch to publish, so refreshes of one target
	// never overlap and publish in the order they fetched.
	fetching *sync.Mutex
}

func newTarget(project string, pipelineID, runID int) target {
	return target{
		id:         uuid.NewString(),
		project:    project,
		pipelineID: pipelineID,
		runID:      runID,
		fetching:   &sync.Mutex{},
	}
}

type Monitor struct {
	remote  Remote
	locator ApprovalLocator
	retrier *retry.Executor
	logger  *slog.Logger

	group    singleflight.Group
	events   *notifier
	pollOpts []poll.Option

	buildsPoll   *poll.Controller
	timelinePoll *poll.Controller

	mu             sync.RWMutex
	sel            Selection
	buildsTarget   target
	runTarget      target
	builds         []azdo.Build
	visibleBuilds  int
	pageSize       int
	interval       time.Duration
	pollingEnabled bool
	snapshot       *timeline.Snapshot
	view           *timeline.View
	lastErr        map[Entity]error
}

func New(remote Remote, locator ApprovalLocator, cfg *config.Config, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		remote:         remote,
		locator:        locator,
		retrier:        retry.NewExecutor(remote, logger),
		logger:         logger.With("component", "monitor"),
		events:         newNotifier(),
		pageSize:       cfg.Builds.PageSize,
		interval:       cfg.Polling.Interval,
		pollingEnabled: cfg.Polling.Enabled,
		lastErr:        make(map[Entity]error),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.buildsPoll = poll.New(m.tick(EntityBuilds), logger.With("component", "poll", "entity", EntityBuilds.String()), m.pollOpts...)
	m.timelinePoll = poll.New(m.tick(EntityTimeline), logger.With("component", "poll", "entity", EntityTimeline.String()), m.pollOpts...)
	m.buildsPoll.SetEnabled(cfg.Polling.Enabled)
	m.timelinePoll.SetEnabled(cfg.Polling.Enabled)

	return m
}

func (m *Monitor) tick(entity Entity) poll.TickFunc {
	return func(ctx context.Context) error {
		err := m.Refresh(ctx, entity, false)
		if errors.Is(err, ErrStaleTarget) || errors.Is(err, ErrNoSelection) {
			return nil
		}
		return err
	}
}

// SelectPipeline switches the build list to a new pipeline and loads it.
// The run timeline is cleared. The old timers are disarmed before the new
// target becomes visible to anything else.
func (m *Monitor) SelectPipeline(ctx context.Context, project string, pipelineID int) error {
	m.mu.Lock()
	m.buildsTarget = newTarget(project, pipelineID, 0)
	m.buildsPoll.Reset(m.interval, m.buildsActive)
	m.runTarget = target{}
	m.timelinePoll.Reset(m.interval, nil)
	m.sel = Selection{Project: project, PipelineID: pipelineID}
	m.builds = nil
	m.visibleBuilds = m.pageSize
	m.snapshot = nil
	m.view = nil
	delete(m.lastErr, EntityBuilds)
	delete(m.lastErr, EntityTimeline)
	m.mu.Unlock()

	m.logger.Info("pipeline selected", "project", project, "pipeline", pipelineID)
	m.events.broadcast(Event{Kind: EventSelectionChanged, Entity: EntityBuilds})
	return m.Refresh(ctx, EntityBuilds, true)
}

// SelectRun switches the timeline to another run and loads it.
func (m *Monitor) SelectRun(ctx context.Context, project string, runID int) error {
	m.mu.Lock()
	m.runTarget = newTarget(project, 0, runID)
	m.timelinePoll.Reset(m.interval, m.timelineActive)
	if m.sel.Project != project {
		m.sel.PipelineID = 0
	}
	m.sel.Project = project
	m.sel.RunID = runID
	m.snapshot = nil
	m.view = nil
	delete(m.lastErr, EntityTimeline)
	m.mu.Unlock()

	m.logger.Info("run selected", "project", project, "run", runID)
	m.events.broadcast(Event{Kind: EventSelectionChanged, Entity: EntityTimeline})
	return m.Refresh(ctx, EntityTimeline, true)
}

// Refresh fetches one entity now. A manual refresh disarms the timer first,
// may do expensive enrichment and re-arms once the fetch settles. On failure
// the previous data stays published.
func (m *Monitor) Refresh(ctx context.Context, entity Entity, manual bool) error {
	var ctrl *poll.Controller
	switch entity {
	case EntityBuilds:
		ctrl = m.buildsPoll
	case EntityTimeline:
		ctrl = m.timelinePoll
	default:
		return fmt.Errorf("unknown entity %d", entity)
	}

	m.mu.RLock()
	tgt := m.buildsTarget
	if entity == EntityTimeline {
		tgt = m.runTarget
	}
	m.mu.RUnlock()
	if tgt.id == "" {
		return fmt.Errorf("refresh %s: %w", entity, ErrNoSelection)
	}

	if manual {
		ctrl.Disarm()
		ctrl.SetManualRefresh(true)
		defer ctrl.SetManualRefresh(false)
	}

	// Callers with the same key share one fetch. A manual refresh queues
	// behind an automatic one already in flight and fetches after it. The
	// timer is reconsidered under the same lock, so it follows the last
	// published snapshot.
	key := entity.String() + "/" + tgt.id + "/" + strconv.FormatBool(manual)
	_, err, _ := m.group.Do(key, func() (any, error) {
		tgt.fetching.Lock()
		defer tgt.fetching.Unlock()

		var err error
		switch entity {
		case EntityBuilds:
			var builds []azdo.Build
			if builds, err = m.fetchBuilds(ctx, tgt, manual); err == nil {
				err = m.publishBuilds(tgt, builds)
			}
		default:
			var snap *timeline.Snapshot
			if snap, err = m.fetchTimeline(ctx, tgt); err == nil {
				err = m.publishTimeline(tgt, snap)
			}
		}
		if err != nil {
			return nil, m.refreshFailed(entity, tgt, ctrl, err)
		}
		ctrl.Reconsider()
		return nil, nil
	})
	return err
}

func (m *Monitor) refreshFailed(entity Entity, tgt target, ctrl *poll.Controller, err error) error {
	if errors.Is(err, ErrStaleTarget) || !m.isCurrent(entity, tgt) {
		m.logger.Debug("discarding result for replaced target", "entity", entity.String(), "target", tgt.id)
		return ErrStaleTarget
	}

	m.mu.Lock()
	m.lastErr[entity] = err
	m.mu.Unlock()

	m.logger.Warn("refresh failed", "entity", entity.String(), "transient", azdo.IsTransient(err), "error", err)
	m.events.broadcast(Event{Kind: EventRefreshFailed, Entity: entity, Err: err})
	ctrl.Reconsider()
	return fmt.Errorf("refresh %s: %w", entity, err)
}

func (m *Monitor) isCurrent(entity Entity, tgt target) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entity == EntityBuilds {
		return m.buildsTarget.id == tgt.id
	}
	return m.runTarget.id == tgt.id
}

// CurrentSelection returns the selected project, pipeline and run.
func (m *Monitor) CurrentSelection() Selection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sel
}

// LastError returns the error of the latest failed refresh of entity, or nil
// once a later refresh succeeded.
func (m *Monitor) LastError(entity Entity) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr[entity]
}

// Subscribe returns a channel of change notifications. Call Unsubscribe when done.
func (m *Monitor) Subscribe() chan Event {
	return m.events.subscribe()
}

func (m *Monitor) Unsubscribe(ch chan Event) {
	m.events.unsubscribe(ch)
}

// SetVisible tells the monitor whether the view of entity is on screen.
func (m *Monitor) SetVisible(entity Entity, visible bool) {
	switch entity {
	case EntityBuilds:
		m.buildsPoll.SetVisible(visible)
	case EntityTimeline:
		m.timelinePoll.SetVisible(visible)
	}
}

// SetPolling applies the polling settings to both entities.
func (m *Monitor) SetPolling(enabled bool, interval time.Duration) {
	m.mu.Lock()
	m.pollingEnabled = enabled
	if interval > 0 {
		m.interval = interval
	}
	interval = m.interval
	m.mu.Unlock()

	m.logger.Info("polling settings changed", "enabled", enabled, "interval", interval)
	for _, ctrl := range []*poll.Controller{m.buildsPoll, m.timelinePoll} {
		ctrl.SetInterval(interval)
		ctrl.SetEnabled(enabled)
	}
}

// TogglePolling flips the global polling switch and returns the new state.
func (m *Monitor) TogglePolling() bool {
	m.mu.RLock()
	enabled := !m.pollingEnabled
	m.mu.RUnlock()
	m.SetPolling(enabled, 0)
	return enabled
}

// ApplyConfig takes the settings of a reloaded config file.
func (m *Monitor) ApplyConfig(cfg *config.Config) {
	m.mu.Lock()
	if cfg.Builds.PageSize > 0 {
		m.pageSize = cfg.Builds.PageSize
		if m.visibleBuilds < m.pageSize {
			m.visibleBuilds = m.pageSize
		}
	}
	m.mu.Unlock()
	m.SetPolling(cfg.Polling.Enabled, cfg.Polling.Interval)
}

// PollStatus reports the timer state of entity.
func (m *Monitor) PollStatus(entity Entity) poll.Status {
	if entity == EntityTimeline {
		return m.timelinePoll.Status()
	}
	return m.buildsPoll.Status()
}

// Close stops both timers and closes subscriber channels.
func (m *Monitor) Close() {
	m.buildsPoll.Close()
	m.timelinePoll.Close()
	m.events.closeAll()
}
