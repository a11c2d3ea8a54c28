package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/marcin-skalski/azp-monitor/internal/config"
	"github.com/marcin-skalski/azp-monitor/internal/monitor"
	"github.com/marcin-skalski/azp-monitor/internal/tui"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		noTUI bool
		runID int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor the builds of a pipeline and the stages of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, pipelineID, err := a.pipeline()
			if err != nil {
				return err
			}

			enableTUI := !noTUI && os.Getenv("AZP_TUI") != "0" &&
				isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

			if err := a.connect(cmd, !enableTUI); err != nil {
				return err
			}
			m := a.newMonitor()
			defer m.Close()

			ctx := cmd.Context()
			if a.cfg.Path != "" {
				go func() {
					if err := config.Watch(ctx, a.cfg.Path, a.reloader(cmd), m.ApplyConfig, a.logger); err != nil {
						a.logger.Warn("config watch stopped", "error", err)
					}
				}()
			}

			if enableTUI {
				selectInitial(ctx, m, project, pipelineID, runID, a.logger)
				return runPanel(ctx, m, a)
			}

			// Subscribed before the first load so its events are logged too.
			events := m.Subscribe()
			defer m.Unsubscribe(events)
			a.logger.Info("azp-monitor watching (headless)", "project", project, "pipeline", pipelineID)
			selectInitial(ctx, m, project, pipelineID, runID, a.logger)
			return watchHeadless(ctx, m, events, a.logger)
		},
	}
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "log changes instead of showing the panel")
	cmd.Flags().IntVar(&runID, "run", 0, "also open the timeline of this run")
	return cmd
}

func runPanel(ctx context.Context, m *monitor.Monitor, a *app) error {
	p := tea.NewProgram(tui.NewModel(m, a.cfg.TUI.RefreshInterval), tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("panel: %w", err)
	}
	return nil
}

// selectInitial opens the pipeline and, when runID is set, the run. A failed
// first load is shown like any later refresh failure.
func selectInitial(ctx context.Context, m *monitor.Monitor, project string, pipelineID, runID int, logger *slog.Logger) {
	if err := m.SelectPipeline(ctx, project, pipelineID); err != nil {
		logger.Warn("initial build list load failed", "error", err)
	}
	if runID == 0 {
		return
	}
	if err := m.SelectRun(ctx, project, runID); err != nil {
		logger.Warn("initial run load failed", "run", runID, "error", err)
	}
}

// watchHeadless logs every event on events until ctx ends.
func watchHeadless(ctx context.Context, m *monitor.Monitor, events <-chan monitor.Event, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			logger.Info("azp-monitor stopping")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logEvent(logger, m, ev)
		}
	}
}

func logEvent(logger *slog.Logger, m *monitor.Monitor, ev monitor.Event) {
	switch ev.Kind {
	case monitor.EventRefreshFailed:
		logger.Warn("refresh failed", "entity", ev.Entity.String(), "error", ev.Err)
	case monitor.EventBuildsChanged:
		for _, b := range m.Builds() {
			logger.Info("build", "id", b.ID, "number", b.Number, "status", string(b.Status), "result", b.Result, "pinned", b.Pinned)
		}
	case monitor.EventTimelineChanged:
		v := m.View()
		if v == nil {
			return
		}
		for _, n := range v.Roots() {
			logger.Info("stage",
				"name", n.Record.Name,
				"state", n.Record.State.String(),
				"result", n.Record.Result.String(),
				"awaiting_approval", n.AwaitingApproval,
			)
		}
	case monitor.EventSelectionChanged:
		sel := m.CurrentSelection()
		logger.Info("selection changed", "project", sel.Project, "pipeline", sel.PipelineID, "run", sel.RunID)
	}
}
