package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/azp-monitor/internal/approval"
	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/config"
	"github.com/marcin-skalski/azp-monitor/internal/poll"
	"github.com/marcin-skalski/azp-monitor/internal/retry"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

type fakeRemote struct {
	mu sync.Mutex

	builds     map[int][]azdo.Build
	buildsErr  error
	buildsGate chan struct{}
	listCalls  int

	leases     map[int][]azdo.RetentionLease
	leaseCalls int

	timelines       map[int][]timeline.Record
	timelineErr     error
	timelineGates   map[int]chan struct{}
	timelineStarted chan int
	inFlight        int
	maxInFlight     int

	approvals []azdo.Approval
	decisions []string
	retries   []string
	cancels   []int
	queued    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		builds:          make(map[int][]azdo.Build),
		leases:          make(map[int][]azdo.RetentionLease),
		timelines:       make(map[int][]timeline.Record),
		timelineGates:   make(map[int]chan struct{}),
		timelineStarted: make(chan int, 16),
	}
}

func (f *fakeRemote) ListBuilds(ctx context.Context, project string, pipelineID int) ([]azdo.Build, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.buildsGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildsErr != nil {
		return nil, f.buildsErr
	}
	out := make([]azdo.Build, len(f.builds[pipelineID]))
	copy(out, f.builds[pipelineID])
	return out, nil
}

func (f *fakeRemote) GetRetentionLeases(ctx context.Context, project string, buildID int) ([]azdo.RetentionLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaseCalls++
	return f.leases[buildID], nil
}

func (f *fakeRemote) GetTimeline(ctx context.Context, project string, buildID int) ([]timeline.Record, error) {
	// The answer is taken when the request starts, like a server would.
	f.mu.Lock()
	gate := f.timelineGates[buildID]
	records, err := f.timelines[buildID], f.timelineErr
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	f.timelineStarted <- buildID
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (f *fakeRemote) ListPendingApprovals(ctx context.Context, project string) ([]azdo.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals, nil
}

func (f *fakeRemote) SetApprovalDecision(ctx context.Context, project, approvalID string, decision azdo.Decision, comment string) (*azdo.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, fmt.Sprintf("%s:%s:%s", approvalID, decision, comment))
	return &azdo.Approval{ID: approvalID}, nil
}

func (f *fakeRemote) RetryStage(ctx context.Context, project string, buildID int, stageIdentifier string, forceAllJobs, retryDependents bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, fmt.Sprintf("stage:%d:%s:%t:%t", buildID, stageIdentifier, forceAllJobs, retryDependents))
	return nil
}

func (f *fakeRemote) RetryBuildFailedJobs(ctx context.Context, project string, buildID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, fmt.Sprintf("build:%d", buildID))
	return nil
}

func (f *fakeRemote) CancelRun(ctx context.Context, project string, buildID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, buildID)
	return nil
}

func (f *fakeRemote) DeleteRun(ctx context.Context, project string, buildID int) error {
	return nil
}

func (f *fakeRemote) SetRetention(ctx context.Context, project string, buildID int, keepForever bool) error {
	return nil
}

func (f *fakeRemote) RunPipeline(ctx context.Context, project string, pipelineID int, branch string) (*azdo.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, fmt.Sprintf("%s:%d:%s", project, pipelineID, branch))
	return &azdo.Build{ID: 1000}, nil
}

func (f *fakeRemote) BuildWebURL(project string, buildID int) string {
	return fmt.Sprintf("https://dev.azure.com/acme/%s/_build/results?buildId=%d", project, buildID)
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) counts() (list, leases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.leaseCalls
}

func testConfig() *config.Config {
	return &config.Config{
		Polling: config.PollingConfig{Enabled: true, Interval: time.Second},
		Builds:  config.BuildsConfig{PageSize: 2},
	}
}

// neverFires keeps timers armed without ticking, so tests drive refreshes.
func neverFires(time.Duration) <-chan time.Time { return nil }

func newMonitor(t *testing.T, remote *fakeRemote) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(remote, approval.NewLocator(remote, logger), testConfig(), logger, WithPollOptions(poll.WithAfter(neverFires)))
	t.Cleanup(m.Close)
	return m
}

func build(id int, status azdo.BuildStatus) azdo.Build {
	return azdo.Build{ID: id, Number: fmt.Sprintf("run-%d", id), Status: status}
}

func ids(builds []azdo.Build) []int {
	out := make([]int, 0, len(builds))
	for _, b := range builds {
		out = append(out, b.ID)
	}
	return out
}

func TestMonitor_SelectPipelineLoadsFirstPage(t *testing.T) {
	remote := newFakeRemote()
	remote.builds[7] = []azdo.Build{
		build(5, azdo.BuildStatusInProgress),
		build(4, azdo.BuildStatusCompleted),
		build(3, azdo.BuildStatusCompleted),
	}
	remote.leases[4] = []azdo.RetentionLease{{LeaseID: 1, RunID: 4}}
	m := newMonitor(t, remote)

	events := m.Subscribe()
	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))

	builds := m.Builds()
	assert.Equal(t, []int{5, 4}, ids(builds))
	assert.False(t, builds[0].Pinned)
	assert.True(t, builds[1].Pinned)
	assert.True(t, m.HasMoreBuilds())

	_, leases := remote.counts()
	assert.Equal(t, 2, leases, "manual loads look up the visible page only")

	assert.Equal(t, Selection{Project: "web", PipelineID: 7}, m.CurrentSelection())
	assert.True(t, m.PollStatus(EntityBuilds).Armed, "an in-progress build keeps the list polled")

	assert.Equal(t, EventSelectionChanged, (<-events).Kind)
	assert.Equal(t, EventBuildsChanged, (<-events).Kind)
}

func TestMonitor_AutomaticRefreshStaysCheap(t *testing.T) {
	remote := newFakeRemote()
	remote.builds[7] = []azdo.Build{build(5, azdo.BuildStatusInProgress), build(4, azdo.BuildStatusCompleted)}
	remote.leases[4] = []azdo.RetentionLease{{LeaseID: 1}}
	m := newMonitor(t, remote)
	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))

	remote.set(func(f *fakeRemote) {
		f.builds[7] = []azdo.Build{build(6, azdo.BuildStatusNotStarted), build(5, azdo.BuildStatusCompleted), build(4, azdo.BuildStatusCompleted)}
	})
	require.NoError(t, m.Refresh(context.Background(), EntityBuilds, false))

	_, leases := remote.counts()
	assert.Equal(t, 2, leases, "automatic refreshes must not look up leases")

	builds := m.Builds()
	assert.Equal(t, []int{6, 5}, ids(builds))
	assert.False(t, builds[1].Pinned)

	m.mu.RLock()
	carried := m.builds[2]
	m.mu.RUnlock()
	assert.Equal(t, 4, carried.ID)
	assert.True(t, carried.Pinned, "pinned status is carried forward by build id")
}

func TestMonitor_LoadMoreBuilds(t *testing.T) {
	remote := newFakeRemote()
	remote.builds[7] = []azdo.Build{
		build(5, azdo.BuildStatusCompleted),
		build(4, azdo.BuildStatusCompleted),
		build(3, azdo.BuildStatusCompleted),
	}
	remote.leases[3] = []azdo.RetentionLease{{LeaseID: 9}}
	m := newMonitor(t, remote)

	assert.ErrorIs(t, m.LoadMoreBuilds(context.Background()), ErrNoSelection)

	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))
	assert.False(t, m.PollStatus(EntityBuilds).Armed, "nothing active, nothing to poll")

	require.NoError(t, m.LoadMoreBuilds(context.Background()))
	builds := m.Builds()
	assert.Equal(t, []int{5, 4, 3}, ids(builds))
	assert.True(t, builds[2].Pinned)
	assert.False(t, m.HasMoreBuilds())

	assert.ErrorIs(t, m.LoadMoreBuilds(context.Background()), ErrNoMoreBuilds)
}

func TestMonitor_FailedRefreshKeepsPreviousList(t *testing.T) {
	remote := newFakeRemote()
	remote.builds[7] = []azdo.Build{build(5, azdo.BuildStatusInProgress)}
	m := newMonitor(t, remote)
	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))

	events := m.Subscribe()
	boom := errors.New("connection reset")
	remote.set(func(f *fakeRemote) { f.buildsErr = boom })

	err := m.Refresh(context.Background(), EntityBuilds, false)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{5}, ids(m.Builds()))
	assert.ErrorIs(t, m.LastError(EntityBuilds), boom)
	assert.True(t, m.PollStatus(EntityBuilds).Armed, "the next tick stays scheduled")

	ev := <-events
	assert.Equal(t, EventRefreshFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, boom)

	remote.set(func(f *fakeRemote) { f.buildsErr = nil })
	require.NoError(t, m.Refresh(context.Background(), EntityBuilds, false))
	assert.NoError(t, m.LastError(EntityBuilds))
}

func TestMonitor_ConcurrentRefreshesShareOneFetch(t *testing.T) {
	remote := newFakeRemote()
	remote.builds[7] = []azdo.Build{build(5, azdo.BuildStatusCompleted)}
	m := newMonitor(t, remote)
	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))

	gate := make(chan struct{})
	remote.set(func(f *fakeRemote) { f.buildsGate = gate })

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Refresh(context.Background(), EntityBuilds, false))
		}()
	}

	require.Eventually(t, func() bool {
		list, _ := remote.counts()
		return list == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	list, _ := remote.counts()
	assert.Equal(t, 2, list, "one initial load plus one shared automatic fetch")
}

func TestMonitor_TargetSwitchDiscardsLateResult(t *testing.T) {
	remote := newFakeRemote()
	slow := make(chan struct{})
	remote.timelineGates[1] = slow
	remote.timelines[1] = []timeline.Record{{ID: "old", Kind: timeline.KindStage, State: timeline.StateInProgress}}
	remote.timelines[2] = []timeline.Record{{ID: "new", Kind: timeline.KindStage, State: timeline.StateCompleted}}
	m := newMonitor(t, remote)

	first := make(chan error, 1)
	go func() { first <- m.SelectRun(context.Background(), "web", 1) }()
	require.Equal(t, 1, <-remote.timelineStarted)

	require.NoError(t, m.SelectRun(context.Background(), "web", 2))
	close(slow)

	assert.ErrorIs(t, <-first, ErrStaleTarget)

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.RunID)
	_, ok := snap.Find("new")
	assert.True(t, ok)
	assert.Equal(t, 2, m.CurrentSelection().RunID)
	assert.False(t, m.PollStatus(EntityTimeline).Armed, "the finished run is not polled and the stale result did not re-arm")
}

func TestMonitor_ManualRefreshWaitsForAutomaticFetch(t *testing.T) {
	remote := newFakeRemote()
	remote.timelines[9] = []timeline.Record{{ID: "s", Kind: timeline.KindStage, State: timeline.StateInProgress}}
	m := newMonitor(t, remote)
	require.NoError(t, m.SelectRun(context.Background(), "web", 9))
	require.Equal(t, 9, <-remote.timelineStarted)

	gate := make(chan struct{})
	remote.set(func(f *fakeRemote) {
		f.timelineGates[9] = gate
		f.timelines[9] = []timeline.Record{{ID: "s", Name: "old", Kind: timeline.KindStage, State: timeline.StateCompleted, Result: timeline.ResultFailed}}
	})

	automatic := make(chan error, 1)
	go func() { automatic <- m.Refresh(context.Background(), EntityTimeline, false) }()
	require.Equal(t, 9, <-remote.timelineStarted)

	remote.set(func(f *fakeRemote) {
		f.timelines[9] = []timeline.Record{{ID: "s", Name: "new", Kind: timeline.KindStage, State: timeline.StateInProgress}}
	})
	manual := make(chan error, 1)
	go func() { manual <- m.Refresh(context.Background(), EntityTimeline, true) }()

	select {
	case <-remote.timelineStarted:
		t.Fatal("manual refresh fetched while the automatic one was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-automatic)
	require.NoError(t, <-manual)
	require.Equal(t, 9, <-remote.timelineStarted)

	r, ok := m.Snapshot().Find("s")
	require.True(t, ok)
	assert.Equal(t, "new", r.Name, "the older answer did not overwrite the newer one")
	assert.True(t, m.PollStatus(EntityTimeline).Armed, "the run is still active and stays polled")

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.maxInFlight)
}

func TestMonitor_TimelinePollingFollowsActivity(t *testing.T) {
	remote := newFakeRemote()
	remote.timelines[9] = []timeline.Record{
		{ID: "s", Kind: timeline.KindStage, State: timeline.StateInProgress},
	}
	m := newMonitor(t, remote)

	require.NoError(t, m.SelectRun(context.Background(), "web", 9))
	assert.True(t, m.PollStatus(EntityTimeline).Armed)
	require.NotNil(t, m.View())
	assert.Len(t, m.View().Roots(), 1)

	m.SetVisible(EntityTimeline, false)
	assert.False(t, m.PollStatus(EntityTimeline).Armed)
	m.SetVisible(EntityTimeline, true)
	assert.True(t, m.PollStatus(EntityTimeline).Armed)

	m.SetPolling(false, 0)
	assert.False(t, m.PollStatus(EntityTimeline).Armed)
	assert.True(t, m.TogglePolling())
	assert.True(t, m.PollStatus(EntityTimeline).Armed)

	remote.set(func(f *fakeRemote) {
		f.timelines[9] = []timeline.Record{{ID: "s", Kind: timeline.KindStage, State: timeline.StateCompleted}}
	})
	require.NoError(t, m.Refresh(context.Background(), EntityTimeline, false))
	assert.False(t, m.PollStatus(EntityTimeline).Armed)
}

func TestMonitor_SelectPipelineTearsDownTimeline(t *testing.T) {
	remote := newFakeRemote()
	remote.timelines[9] = []timeline.Record{{ID: "s", Kind: timeline.KindStage, State: timeline.StateInProgress}}
	m := newMonitor(t, remote)
	require.NoError(t, m.SelectRun(context.Background(), "web", 9))
	require.True(t, m.PollStatus(EntityTimeline).Armed)

	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))
	assert.False(t, m.PollStatus(EntityTimeline).Armed)
	assert.Nil(t, m.Snapshot())
	assert.ErrorIs(t, m.Refresh(context.Background(), EntityTimeline, true), ErrNoSelection)
}

func TestMonitor_Retry(t *testing.T) {
	remote := newFakeRemote()
	remote.timelines[9] = []timeline.Record{
		{ID: "s1", Kind: timeline.KindStage, Name: "Build", Identifier: "build", State: timeline.StateCompleted, Result: timeline.ResultSucceeded},
		{ID: "p", ParentID: "s1", Kind: timeline.KindPhase},
		{ID: "j", ParentID: "p", Kind: timeline.KindJob},
		{ID: "t", ParentID: "j", Kind: timeline.KindTask, Result: timeline.ResultFailed},
		{ID: "s2", Kind: timeline.KindStage, Name: "Deploy", State: timeline.StateCompleted, Result: timeline.ResultFailed},
	}
	m := newMonitor(t, remote)

	_, err := m.ResolveRetryAction("s1")
	assert.ErrorIs(t, err, ErrNoSelection)

	require.NoError(t, m.SelectRun(context.Background(), "web", 9))

	d, err := m.ResolveRetryAction("s1")
	require.NoError(t, err)
	assert.Equal(t, retry.StrategyStageRerun, d.Strategy)

	_, err = m.Retry(context.Background(), "missing", retry.Options{})
	assert.ErrorIs(t, err, retry.ErrStageNotFound)

	_, err = m.Retry(context.Background(), "s1", retry.Options{RetryDependents: true})
	require.NoError(t, err)
	d, err = m.Retry(context.Background(), "s2", retry.Options{})
	require.NoError(t, err)
	assert.Equal(t, retry.StrategyBuild, d.Strategy)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, []string{"stage:9:build:true:true", "build:9"}, remote.retries)
}

func TestMonitor_Approvals(t *testing.T) {
	remote := newFakeRemote()
	remote.timelines[9] = []timeline.Record{
		{ID: "s1", Kind: timeline.KindStage, State: timeline.StateCompleted},
		{ID: "s2", Kind: timeline.KindStage, State: timeline.StatePending},
		{ID: "c", ParentID: "s2", Kind: timeline.KindCheckpoint, State: timeline.StateInProgress},
		{ID: "a", ParentID: "c", Kind: timeline.KindCheckpointApproval, State: timeline.StateInProgress},
	}
	remote.approvals = []azdo.Approval{{ID: "ap-1", Status: azdo.ApprovalStatusPending}}
	m := newMonitor(t, remote)

	_, ok := m.ResolveApprovalID(context.Background(), "s2")
	assert.False(t, ok)

	require.NoError(t, m.SelectRun(context.Background(), "web", 9))
	assert.True(t, m.IsAwaitingApproval("s2"))
	assert.False(t, m.IsAwaitingApproval("s1"))

	id, ok := m.ResolveApprovalID(context.Background(), "s2")
	assert.True(t, ok)
	assert.Equal(t, "ap-1", id)

	assert.ErrorIs(t, m.Decide(context.Background(), "s1", azdo.DecisionApprove, ""), approval.ErrNotAwaiting)
	require.NoError(t, m.Decide(context.Background(), "s2", azdo.DecisionReject, "not now"))

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, []string{"ap-1:reject:not now"}, remote.decisions)
}

func TestMonitor_CancelBuild(t *testing.T) {
	remote := newFakeRemote()
	remote.builds[7] = []azdo.Build{build(5, azdo.BuildStatusInProgress), build(4, azdo.BuildStatusCompleted)}
	m := newMonitor(t, remote)

	assert.ErrorIs(t, m.CancelBuild(context.Background(), 5), ErrNoSelection)
	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))

	assert.ErrorIs(t, m.CancelBuild(context.Background(), 4), ErrNotCancellable)
	assert.ErrorIs(t, m.CancelBuild(context.Background(), 99), ErrBuildNotFound)
	require.NoError(t, m.CancelBuild(context.Background(), 5))

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, []int{5}, remote.cancels)
}

func TestMonitor_ApplyConfig(t *testing.T) {
	remote := newFakeRemote()
	remote.builds[7] = []azdo.Build{build(5, azdo.BuildStatusInProgress)}
	m := newMonitor(t, remote)
	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))

	cfg := testConfig()
	cfg.Polling.Enabled = false
	cfg.Polling.Interval = 3 * time.Second
	m.ApplyConfig(cfg)

	st := m.PollStatus(EntityBuilds)
	assert.False(t, st.Armed)
	assert.False(t, st.Enabled)
	assert.Equal(t, 3*time.Second, st.Interval)

	cfg.Polling.Enabled = true
	m.ApplyConfig(cfg)
	assert.True(t, m.PollStatus(EntityBuilds).Armed)
}

func TestMonitor_UnsubscribeClosesChannel(t *testing.T) {
	m := newMonitor(t, newFakeRemote())
	ch := m.Subscribe()
	m.Unsubscribe(ch)
	m.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestMonitor_RetriggerBuild(t *testing.T) {
	remote := newFakeRemote()
	fix := build(5, azdo.BuildStatusCompleted)
	fix.SourceBranch = "refs/heads/feature/x"
	remote.builds[7] = []azdo.Build{fix, build(4, azdo.BuildStatusCompleted)}
	m := newMonitor(t, remote)

	_, err := m.RetriggerBuild(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNoSelection)
	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))

	_, err = m.RetriggerBuild(context.Background(), 4)
	assert.ErrorIs(t, err, ErrNoBranch)

	run, err := m.RetriggerBuild(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1000, run.ID)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, []string{"web:7:feature/x"}, remote.queued)
}

func TestMonitor_WebURLs(t *testing.T) {
	remote := newFakeRemote()
	linked := build(5, azdo.BuildStatusInProgress)
	linked.Links.Web.Href = "https://dev.azure.com/acme/web/_build/results?buildId=5"
	remote.builds[7] = []azdo.Build{linked}
	remote.timelines[6] = []timeline.Record{{ID: "s1", Kind: timeline.KindStage, State: timeline.StateInProgress}}
	m := newMonitor(t, remote)

	_, err := m.BuildWebURL(5)
	assert.ErrorIs(t, err, ErrNoSelection)
	_, err = m.RecordWebURL("s1")
	assert.ErrorIs(t, err, ErrNoSelection)

	require.NoError(t, m.SelectPipeline(context.Background(), "web", 7))
	got, err := m.BuildWebURL(5)
	require.NoError(t, err)
	assert.Equal(t, linked.Links.Web.Href, got)

	require.NoError(t, m.SelectRun(context.Background(), "web", 6))
	got, err = m.RecordWebURL("s1")
	require.NoError(t, err)
	assert.Equal(t, "https://dev.azure.com/acme/web/_build/results?buildId=6&s=s1&view=logs", got)

	_, err = m.RecordWebURL("nope")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
