package tui

import (
	"context"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/monitor"
	"github.com/marcin-skalski/azp-monitor/internal/poll"
	"github.com/marcin-skalski/azp-monitor/internal/retry"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

// Monitor is what the panel reads and drives.
type Monitor interface {
	Builds() []azdo.Build
	HasMoreBuilds() bool
	Snapshot() *timeline.Snapshot
	View() *timeline.View
	CurrentSelection() monitor.Selection
	LastError(entity monitor.Entity) error
	PollStatus(entity monitor.Entity) poll.Status

	Subscribe() chan monitor.Event
	Unsubscribe(ch chan monitor.Event)
	SetVisible(entity monitor.Entity, visible bool)
	TogglePolling() bool

	Refresh(ctx context.Context, entity monitor.Entity, manual bool) error
	LoadMoreBuilds(ctx context.Context) error
	SelectRun(ctx context.Context, project string, runID int) error
	ResolveRetryAction(stageID string) (retry.Decision, error)
	Retry(ctx context.Context, stageID string, opts retry.Options) (retry.Decision, error)
	IsAwaitingApproval(stageID string) bool
	Decide(ctx context.Context, stageID string, decision azdo.Decision, comment string) error
	CancelBuild(ctx context.Context, buildID int) error
	SetRetention(ctx context.Context, buildID int, keepForever bool) error
	DeleteBuild(ctx context.Context, buildID int) error
	RetriggerBuild(ctx context.Context, buildID int) (*azdo.Build, error)
	BuildWebURL(buildID int) (string, error)
	RecordWebURL(recordID string) (string, error)
}

// row is one visible line of the timeline tree.
type row struct {
	node  timeline.Node
	depth int
}

// flatten lists the nodes of v in display order, descending only into
// expanded nodes.
func flatten(v *timeline.View, expanded map[string]bool) []row {
	if v == nil {
		return nil
	}
	var rows []row
	var walk func(nodes []timeline.Node, depth int)
	walk = func(nodes []timeline.Node, depth int) {
		for _, n := range nodes {
			rows = append(rows, row{node: n, depth: depth})
			if n.Collapsible && expanded[n.Record.ID] {
				walk(v.Children(n.Record.ID), depth+1)
			}
		}
	}
	walk(v.Roots(), 0)
	return rows
}
