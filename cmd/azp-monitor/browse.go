package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func newProjectsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects of the organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.connect(cmd, true); err != nil {
				return err
			}
			projects, err := a.client.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout(), "Name", "State", "Description")
			for _, p := range projects {
				t.AppendRow(table.Row{p.Name, p.State, p.Description})
			}
			t.Render()
			return nil
		},
	}
}

func newPipelinesCmd(a *app) *cobra.Command {
	var (
		projects []string
		filter   string
	)
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List pipelines of one or more projects",
		Long: `Pipelines lists the pipelines of the configured project. --projects picks
other projects instead; without a configured project every project of the
organization is listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.connect(cmd, true); err != nil {
				return err
			}
			ctx := cmd.Context()

			names := projects
			if len(names) == 0 && a.cfg.Project != "" {
				names = []string{a.cfg.Project}
			}
			if len(names) != 1 {
				all, err := a.client.ListProjects(ctx)
				if err != nil {
					return err
				}
				if names, err = filterProjects(all, names); err != nil {
					return err
				}
			}

			t := newTable(cmd.OutOrStdout(), "Project", "ID", "Name", "Folder")
			for _, project := range names {
				pipelines, err := a.client.ListPipelines(ctx, project)
				if err != nil {
					return err
				}
				for _, p := range filterPipelines(pipelines, filter) {
					t.AppendRow(table.Row{project, p.ID, p.Name, p.Folder})
				}
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&projects, "projects", nil, "projects to list (default: the configured project, or all)")
	cmd.Flags().StringVar(&filter, "filter", "", "only pipelines whose name or folder contains this text")
	return cmd
}

// filterProjects keeps the projects named in names, sorted by name. An empty
// names keeps every project.
func filterProjects(all []azdo.Project, names []string) ([]string, error) {
	known := make(map[string]string, len(all))
	for _, p := range all {
		known[strings.ToLower(p.Name)] = p.Name
	}

	var out []string
	if len(names) == 0 {
		for _, name := range known {
			out = append(out, name)
		}
	}
	for _, n := range names {
		name, ok := known[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("unknown project %q", n)
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	slices.SortFunc(out, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	return out, nil
}

func filterPipelines(pipelines []azdo.Pipeline, filter string) []azdo.Pipeline {
	if filter == "" {
		return pipelines
	}
	filter = strings.ToLower(filter)
	var out []azdo.Pipeline
	for _, p := range pipelines {
		if strings.Contains(strings.ToLower(p.Name), filter) || strings.Contains(strings.ToLower(p.Folder), filter) {
			out = append(out, p)
		}
	}
	return out
}

func newBuildsCmd(a *app) *cobra.Command {
	var all, web bool
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "List recent builds of the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, pipelineID, err := a.pipeline()
			if err != nil {
				return err
			}
			if err := a.connect(cmd, true); err != nil {
				return err
			}
			builds, err := a.client.ListBuilds(cmd.Context(), project, pipelineID)
			if err != nil {
				return err
			}
			if !all && len(builds) > a.cfg.Builds.PageSize {
				builds = builds[:a.cfg.Builds.PageSize]
			}
			header := []any{"ID", "Number", "Status", "Result", "Branch", "Requested by", "Duration", "Kept"}
			if web {
				header = append(header, "URL")
			}
			t := newTable(cmd.OutOrStdout(), header...)
			for _, b := range builds {
				row := table.Row{
					b.ID, b.Number, b.Status, b.Result,
					strings.TrimPrefix(b.SourceBranch, "refs/heads/"),
					b.RequestedFor.DisplayName, buildDuration(b), yesNo(b.KeepForever),
				}
				if web {
					row = append(row, a.buildURL(project, b))
				}
				t.AppendRow(row)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show every returned build instead of one page")
	cmd.Flags().BoolVar(&web, "web", false, "add the browser link of each build")
	return cmd
}

func newTimelineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <build-id>",
		Short: "Show the stage tree of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildID, err := parseID("build id", args[0])
			if err != nil {
				return err
			}
			project, err := a.project()
			if err != nil {
				return err
			}
			if err := a.connect(cmd, true); err != nil {
				return err
			}
			records, err := a.client.GetTimeline(cmd.Context(), project, buildID)
			if err != nil {
				return err
			}
			renderTimeline(cmd.OutOrStdout(), timeline.Classify(records))
			return nil
		},
	}
}

func renderTimeline(w io.Writer, v *timeline.View) {
	t := newTable(w, "Name", "Kind", "State", "Result", "Stage", "Log", "ID")
	v.Walk(func(n timeline.Node, depth int) {
		name := strings.Repeat("  ", depth) + n.Label
		if n.AwaitingApproval {
			name += " (awaiting approval)"
		}
		logID := ""
		if n.Record.Log != nil {
			logID = fmt.Sprint(n.Record.Log.ID)
		}
		t.AppendRow(table.Row{name, n.Record.Kind, n.Record.State, n.Record.Result, n.Record.Identifier, logID, n.Record.ID})
	})
	t.Render()
}

func newLogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "log <build-id> <log-id>",
		Short: "Print the log of a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildID, err := parseID("build id", args[0])
			if err != nil {
				return err
			}
			logID, err := parseID("log id", args[1])
			if err != nil {
				return err
			}
			project, err := a.project()
			if err != nil {
				return err
			}
			if err := a.connect(cmd, true); err != nil {
				return err
			}
			text, err := a.client.GetLog(cmd.Context(), project, buildID, logID)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
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

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return ""
}
