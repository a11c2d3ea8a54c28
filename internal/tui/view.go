package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/monitor"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

const (
	minLabelWidth = 20
	indentWidth   = 3
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(m.header()))
	b.WriteString("\n")

	b.WriteString(m.section(paneBuilds, fmt.Sprintf("Builds (%d)", len(m.builds))))
	b.WriteString("\n")
	b.WriteString(m.renderBuilds())

	b.WriteString(m.section(paneTimeline, m.timelineTitle()))
	b.WriteString("\n")
	b.WriteString(m.renderTree())

	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(m.footer()))

	return b.String()
}

func (m Model) header() string {
	sel := m.mon.CurrentSelection()
	parts := []string{"azp-monitor"}
	if sel.Project != "" {
		parts = append(parts, sel.Project)
	}
	if sel.PipelineID != 0 {
		parts = append(parts, fmt.Sprintf("pipeline %d", sel.PipelineID))
	}
	if sel.RunID != 0 {
		parts = append(parts, fmt.Sprintf("run %d", sel.RunID))
	}
	parts = append(parts, "polling "+m.pollLabel())
	return strings.Join(parts, " │ ")
}

func (m Model) pollLabel() string {
	entity := monitor.EntityBuilds
	if m.pane == paneTimeline {
		entity = monitor.EntityTimeline
	}
	st := m.mon.PollStatus(entity)
	switch {
	case !st.Enabled:
		return "off"
	case st.Armed:
		return "every " + st.Interval.String()
	default:
		return "idle"
	}
}

func (m Model) section(p pane, title string) string {
	if m.pane == p {
		return sectionStyle.Render("▶ " + title)
	}
	return inactiveSectionStyle.Render("  " + title)
}

func (m Model) timelineTitle() string {
	if m.snapshot == nil {
		return "Timeline"
	}
	return fmt.Sprintf("Timeline of run %d", m.snapshot.RunID)
}

func (m Model) renderBuilds() string {
	if len(m.builds) == 0 {
		if err := m.mon.LastError(monitor.EntityBuilds); err != nil {
			return errorStyle.Render("  "+err.Error()) + "\n"
		}
		return emptyStyle.Render("  (no builds)") + "\n"
	}

	var b strings.Builder
	for i, build := range m.builds {
		prefix := "├─"
		if i == len(m.builds)-1 && !m.hasMore {
			prefix = "└─"
		}
		line := fmt.Sprintf("%s %s %s", prefix, buildLine(build, m.width), pinMark(build))
		style := lipgloss.NewStyle().Foreground(buildColor(build))
		if m.pane == paneBuilds && i == m.buildCursor {
			style = style.Inherit(selectedStyle)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	if m.hasMore {
		b.WriteString(emptyStyle.Render("└─ … m:load more"))
		b.WriteString("\n")
	}
	return b.String()
}

func buildLine(b azdo.Build, width int) string {
	branch := strings.TrimPrefix(b.SourceBranch, "refs/heads/")
	text := fmt.Sprintf("%-14s %-12s %s · %s", b.Number, buildOutcome(b), branch, b.RequestedFor.DisplayName)
	if d := buildDuration(b); d != "" {
		text += " · " + d
	}
	return truncate(text, width-6)
}

func buildDuration(b azdo.Build) string {
	if b.StartTime == nil {
		return ""
	}
	end := time.Now()
	if b.FinishTime != nil {
		end = *b.FinishTime
	}
	return timeline.FormatDuration(end.Sub(*b.StartTime))
}

func pinMark(b azdo.Build) string {
	if b.Pinned || b.KeepForever {
		return "📌"
	}
	return ""
}

func (m Model) renderTree() string {
	if m.view == nil {
		if err := m.mon.LastError(monitor.EntityTimeline); err != nil {
			return errorStyle.Render("  "+err.Error()) + "\n"
		}
		return emptyStyle.Render("  (select a build with enter)") + "\n"
	}
	if len(m.rows) == 0 {
		return emptyStyle.Render("  (no stages yet)") + "\n"
	}

	var b strings.Builder
	for i, r := range m.rows {
		b.WriteString(m.renderRow(r, i == m.rowCursor))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderRow(r row, selected bool) string {
	marker := "  "
	if r.node.Collapsible {
		marker = "▸ "
		if m.expanded[r.node.Record.ID] {
			marker = "▾ "
		}
	}
	indent := strings.Repeat(" ", r.depth*indentWidth)
	awaiting := r.node.AwaitingApproval
	label := r.node.Label
	if awaiting {
		label += " (awaiting approval)"
	}
	room := max(m.width-runewidth.StringWidth(indent)-6, minLabelWidth)
	line := fmt.Sprintf("%s%s%s %s", indent, marker, recordIcon(r.node.Record, awaiting), truncate(label, room))

	style := lipgloss.NewStyle().Foreground(recordColor(r.node.Record, awaiting))
	if m.pane == paneTimeline && selected {
		style = style.Inherit(selectedStyle)
	}
	return style.Render(line)
}

func (m Model) statusLine() string {
	if m.prompt != nil {
		answers := "y/n"
		if m.prompt.cancel {
			answers = "y/n/esc"
		}
		return promptStyle.Render(fmt.Sprintf("%s [%s]", m.prompt.text, answers))
	}
	var b strings.Builder
	if m.busy > 0 {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	if m.failed {
		b.WriteString(errorStyle.Render(m.status))
	} else {
		b.WriteString(statusStyle.Render(m.status))
	}
	return b.String()
}

func (m Model) footer() string {
	keys := "q:quit r:refresh p:polling tab:switch"
	if m.pane == paneBuilds {
		keys += " enter:open m:more c:cancel D:delete n:retrigger P:pin u:link"
	} else {
		keys += " enter:expand R:retry a:approve x:reject u:link esc:back"
	}
	return fmt.Sprintf("Last updated: %s │ %s", m.updated.Format("15:04:05"), keys)
}

func truncate(s string, width int) string {
	if width < minLabelWidth {
		width = minLabelWidth
	}
	if runewidth.StringWidth(s) > width {
		return runewidth.Truncate(s, width, "...")
	}
	return s
}
