package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

var (
	// Result colors
	colorMuted     = lipgloss.Color("240") // gray
	colorWaiting   = lipgloss.Color("220") // yellow
	colorFailed    = lipgloss.Color("196") // red
	colorRunning   = lipgloss.Color("33")  // blue
	colorCanceled  = lipgloss.Color("208") // orange-red
	colorIssues    = lipgloss.Color("214") // orange
	colorSucceeded = lipgloss.Color("46")  // green
	colorText      = lipgloss.Color("252")

	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			PaddingLeft(1).
			PaddingRight(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginTop(1).
			MarginBottom(0)

	inactiveSectionStyle = sectionStyle.
				Foreground(colorMuted)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237"))

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWaiting)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorText)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorFailed)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func recordIcon(r timeline.Record, awaiting bool) string {
	if awaiting {
		return "⏸"
	}
	switch r.State {
	case timeline.StateInProgress:
		return "●"
	case timeline.StatePending, timeline.StateNotStarted:
		return "○"
	}
	switch r.Result {
	case timeline.ResultSucceeded:
		return "✔"
	case timeline.ResultPartiallySucceeded:
		return "!"
	case timeline.ResultFailed:
		return "✖"
	case timeline.ResultCanceled, timeline.ResultAbandoned:
		return "⊘"
	case timeline.ResultSkipped:
		return "-"
	default:
		return "?"
	}
}

func recordColor(r timeline.Record, awaiting bool) lipgloss.Color {
	if awaiting {
		return colorWaiting
	}
	switch r.State {
	case timeline.StateInProgress:
		return colorRunning
	case timeline.StatePending, timeline.StateNotStarted:
		return colorMuted
	}
	switch r.Result {
	case timeline.ResultSucceeded:
		return colorSucceeded
	case timeline.ResultPartiallySucceeded:
		return colorIssues
	case timeline.ResultFailed:
		return colorFailed
	case timeline.ResultCanceled, timeline.ResultAbandoned:
		return colorCanceled
	case timeline.ResultSkipped:
		return colorMuted
	default:
		return colorText
	}
}

// buildOutcome is the status of an active build, otherwise its result.
func buildOutcome(b azdo.Build) string {
	if b.Status.Active() || b.Result == "" {
		return string(b.Status)
	}
	return b.Result
}

func buildColor(b azdo.Build) lipgloss.Color {
	if b.Status.Active() {
		return colorRunning
	}
	return recordColor(timeline.Record{
		State:  timeline.StateCompleted,
		Result: timeline.ParseResult(strings.TrimSpace(b.Result)),
	}, false)
}
