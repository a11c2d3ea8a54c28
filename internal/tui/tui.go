// Package tui is the terminal panel: the build list of a pipeline and the
// stage tree of the selected run.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/monitor"
	"github.com/marcin-skalski/azp-monitor/internal/retry"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

const actionTimeout = 30 * time.Second

type pane int

const (
	paneBuilds pane = iota
	paneTimeline
)

// prompt is a pending yes/no question.
type prompt struct {
	text   string
	onYes  tea.Cmd
	onNo   tea.Cmd
	cancel bool
}

type Model struct {
	mon             Monitor
	events          chan monitor.Event
	refreshInterval time.Duration
	spinner         spinner.Model

	pane        pane
	buildCursor int
	rowCursor   int
	expanded    map[string]bool
	width       int

	builds   []azdo.Build
	hasMore  bool
	view     *timeline.View
	snapshot *timeline.Snapshot
	rows     []row

	busy    int
	status  string
	failed  bool
	prompt  *prompt
	updated time.Time
}

type tickMsg time.Time

// eventMsg carries a monitor notification. ok is false once the channel closed.
type eventMsg struct {
	ev monitor.Event
	ok bool
}

type actionDoneMsg struct {
	text string
	err  error
}

func NewModel(mon Monitor, refreshInterval time.Duration) Model {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = spinnerStyle

	m := Model{
		mon:             mon,
		events:          mon.Subscribe(),
		refreshInterval: refreshInterval,
		spinner:         s,
		expanded:        make(map[string]bool),
		width:           100,
	}
	m.reload()
	return m
}

func (m Model) Init() tea.Cmd {
	m.applyVisibility()
	return tea.Batch(m.spinner.Tick, tickCmd(m.refreshInterval), m.listen())
}

func (m Model) listen() tea.Cmd {
	ch := m.events
	return func() tea.Msg {
		ev, ok := <-ch
		return eventMsg{ev: ev, ok: ok}
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.prompt != nil {
			return m.answer(msg.String())
		}
		return m.handleKey(msg.String())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		if !msg.ok {
			return m, nil
		}
		m.reload()
		if msg.ev.Kind == monitor.EventRefreshFailed {
			m.setStatus(fmt.Sprintf("%s refresh failed: %v", msg.ev.Entity, msg.ev.Err), true)
		}
		return m, m.listen()

	case actionDoneMsg:
		m.busy = max(m.busy-1, 0)
		switch {
		case msg.err != nil:
			m.setStatus(msg.err.Error(), true)
		case msg.text != "":
			m.setStatus(msg.text, false)
		}
		m.reload()
		return m, nil

	case tickMsg:
		m.reload()
		return m, tickCmd(m.refreshInterval)
	}

	return m, nil
}

func (m Model) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "ctrl+c":
		m.mon.Unsubscribe(m.events)
		return m, tea.Quit
	case "tab":
		if m.pane == paneBuilds {
			m.pane = paneTimeline
		} else {
			m.pane = paneBuilds
		}
		m.applyVisibility()
		return m, nil
	case "p":
		if m.mon.TogglePolling() {
			m.setStatus("polling enabled", false)
		} else {
			m.setStatus("polling paused", false)
		}
		return m, nil
	}

	if m.pane == paneBuilds {
		return m.handleBuildsKey(key)
	}
	return m.handleTimelineKey(key)
}

func (m Model) handleBuildsKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		m.buildCursor = max(m.buildCursor-1, 0)
	case "down", "j":
		m.buildCursor = min(m.buildCursor+1, max(len(m.builds)-1, 0))
	case "r":
		return m.run("builds refreshed", func(ctx context.Context) error {
			return m.mon.Refresh(ctx, monitor.EntityBuilds, true)
		})
	case "m":
		if !m.hasMore {
			m.setStatus("no more builds", false)
			return m, nil
		}
		return m.run("", m.mon.LoadMoreBuilds)
	}

	b, ok := m.selectedBuild()
	if !ok {
		return m, nil
	}
	switch key {
	case "enter":
		project := m.mon.CurrentSelection().Project
		m.pane = paneTimeline
		m.rowCursor = 0
		m.expanded = make(map[string]bool)
		m.applyVisibility()
		return m.run("", func(ctx context.Context) error {
			return m.mon.SelectRun(ctx, project, b.ID)
		})
	case "c":
		m.prompt = &prompt{
			text: fmt.Sprintf("Cancel build %s?", b.Number),
			onYes: m.action(fmt.Sprintf("build %s cancelling", b.Number), func(ctx context.Context) error {
				return m.mon.CancelBuild(ctx, b.ID)
			}),
		}
	case "D":
		m.prompt = &prompt{
			text: fmt.Sprintf("Delete build %s?", b.Number),
			onYes: m.action(fmt.Sprintf("build %s deleted", b.Number), func(ctx context.Context) error {
				return m.mon.DeleteBuild(ctx, b.ID)
			}),
		}
	case "n":
		branch := strings.TrimPrefix(b.SourceBranch, "refs/heads/")
		if branch == "" {
			m.setStatus("build has no source branch", true)
			return m, nil
		}
		m.prompt = &prompt{
			text: fmt.Sprintf("Retrigger build %s on %s?", b.Number, branch),
			onYes: m.action(fmt.Sprintf("run queued on %s", branch), func(ctx context.Context) error {
				_, err := m.mon.RetriggerBuild(ctx, b.ID)
				return err
			}),
		}
	case "u":
		m.showLink(m.mon.BuildWebURL(b.ID))
	case "P":
		keep := !b.Pinned
		text := fmt.Sprintf("build %s retained", b.Number)
		if !keep {
			text = fmt.Sprintf("build %s released", b.Number)
		}
		return m.run(text, func(ctx context.Context) error {
			return m.mon.SetRetention(ctx, b.ID, keep)
		})
	}
	return m, nil
}

func (m Model) handleTimelineKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "esc":
		m.pane = paneBuilds
		m.applyVisibility()
		return m, nil
	case "up", "k":
		m.rowCursor = max(m.rowCursor-1, 0)
		return m, nil
	case "down", "j":
		m.rowCursor = min(m.rowCursor+1, max(len(m.rows)-1, 0))
		return m, nil
	case "r":
		return m.run("timeline refreshed", func(ctx context.Context) error {
			return m.mon.Refresh(ctx, monitor.EntityTimeline, true)
		})
	}

	r, ok := m.selectedRow()
	if !ok {
		return m, nil
	}
	id := r.node.Record.ID
	switch key {
	case "enter", " ", "right", "left":
		if r.node.Collapsible {
			m.expanded[id] = !m.expanded[id]
			m.rows = flatten(m.view, m.expanded)
		}
	case "R":
		return m.retry(r.node)
	case "u":
		m.showLink(m.mon.RecordWebURL(id))
	case "a", "x":
		if !m.mon.IsAwaitingApproval(id) {
			m.setStatus(fmt.Sprintf("%s is not waiting for approval", r.node.Record.Name), true)
			return m, nil
		}
		decision, verb := azdo.DecisionApprove, "approved"
		if key == "x" {
			decision, verb = azdo.DecisionReject, "rejected"
		}
		m.prompt = &prompt{
			text: fmt.Sprintf("%s stage %s?", titleCase(string(decision)), r.node.Record.Name),
			onYes: m.action(fmt.Sprintf("%s %s", r.node.Record.Name, verb), func(ctx context.Context) error {
				return m.mon.Decide(ctx, id, decision, "")
			}),
		}
	}
	return m, nil
}

// showLink puts a browser link in the status line, where the terminal can
// open or copy it.
func (m *Model) showLink(url string, err error) {
	if err != nil {
		m.setStatus(err.Error(), true)
		return
	}
	m.setStatus(url, false)
}

// retry asks the questions the resolved strategy needs before executing it.
func (m Model) retry(n timeline.Node) (tea.Model, tea.Cmd) {
	d, err := m.mon.ResolveRetryAction(n.Record.ID)
	if err != nil {
		m.setStatus(err.Error(), true)
		return m, nil
	}

	exec := func(dependents bool) tea.Cmd {
		return m.action(fmt.Sprintf("%s: %s queued", n.Record.Name, strategyLabel(d.Strategy)), func(ctx context.Context) error {
			_, err := m.mon.Retry(ctx, n.Record.ID, retry.Options{RetryDependents: dependents})
			return err
		})
	}

	if d.Strategy == retry.StrategyStageRerun {
		m.prompt = &prompt{
			text:   fmt.Sprintf("Rerun %s. Also rerun the stages that depend on it?", n.Record.Name),
			onYes:  exec(true),
			onNo:   exec(false),
			cancel: true,
		}
		return m, nil
	}

	m.prompt = &prompt{
		text:  fmt.Sprintf("%s for %s?", titleCase(strategyLabel(d.Strategy)), n.Record.Name),
		onYes: exec(false),
	}
	return m, nil
}

func (m Model) answer(key string) (tea.Model, tea.Cmd) {
	p := m.prompt
	switch key {
	case "y", "Y":
		m.prompt = nil
		m.busy++
		return m, p.onYes
	case "n", "N":
		m.prompt = nil
		if p.onNo != nil {
			m.busy++
			return m, p.onNo
		}
	case "esc", "ctrl+c":
		m.prompt = nil
	}
	return m, nil
}

// run starts fn in the background and reports text when it succeeds.
func (m Model) run(text string, fn func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	m.busy++
	return m, m.action(text, fn)
}

func (m Model) action(text string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := fn(ctx)
		if errors.Is(err, monitor.ErrStaleTarget) {
			err = nil
		}
		return actionDoneMsg{text: text, err: err}
	}
}

func (m *Model) setStatus(text string, failed bool) {
	m.status = text
	m.failed = failed
}

// applyVisibility tells the monitor which entity is on screen.
func (m Model) applyVisibility() {
	m.mon.SetVisible(monitor.EntityBuilds, m.pane == paneBuilds)
	m.mon.SetVisible(monitor.EntityTimeline, m.pane == paneTimeline)
}

// reload copies the monitor state the view renders.
func (m *Model) reload() {
	m.builds = m.mon.Builds()
	m.hasMore = m.mon.HasMoreBuilds()
	m.snapshot = m.mon.Snapshot()
	if v := m.mon.View(); v != m.view {
		m.view = v
		m.expandActiveStages()
	}
	m.rows = flatten(m.view, m.expanded)
	m.buildCursor = clamp(m.buildCursor, len(m.builds))
	m.rowCursor = clamp(m.rowCursor, len(m.rows))
	m.updated = time.Now()
}

// expandActiveStages opens running stages the first time they are seen.
func (m *Model) expandActiveStages() {
	if m.view == nil {
		return
	}
	for _, n := range m.view.Roots() {
		if _, seen := m.expanded[n.Record.ID]; seen {
			continue
		}
		m.expanded[n.Record.ID] = n.Record.State == timeline.StateInProgress
	}
}

func (m Model) selectedBuild() (azdo.Build, bool) {
	if m.buildCursor < 0 || m.buildCursor >= len(m.builds) {
		return azdo.Build{}, false
	}
	return m.builds[m.buildCursor], true
}

func (m Model) selectedRow() (row, bool) {
	if m.rowCursor < 0 || m.rowCursor >= len(m.rows) {
		return row{}, false
	}
	return m.rows[m.rowCursor], true
}

func clamp(i, n int) int {
	if n == 0 {
		return 0
	}
	return min(max(i, 0), n-1)
}

func strategyLabel(s retry.Strategy) string {
	switch s {
	case retry.StrategyStageRerun:
		return "stage rerun"
	case retry.StrategyStageRetry:
		return "stage retry"
	default:
		return "retry of failed jobs"
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
