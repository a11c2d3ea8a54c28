package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/monitor"
	"github.com/marcin-skalski/azp-monitor/internal/retry"
	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

// findStage accepts a stage record id, its identifier or its display name.
func findStage(snap *timeline.Snapshot, ref string) (string, error) {
	if snap == nil {
		return "", monitor.ErrNoSelection
	}
	if r, ok := snap.Find(ref); ok && r.Kind == timeline.KindStage {
		return r.ID, nil
	}
	for _, r := range snap.Records {
		if r.Kind != timeline.KindStage {
			continue
		}
		if strings.EqualFold(r.Identifier, ref) || strings.EqualFold(r.Name, ref) {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", retry.ErrStageNotFound, ref)
}

// openRun loads the timeline of buildID into a fresh monitor.
func (a *app) openRun(cmd *cobra.Command, buildArg string) (*monitor.Monitor, error) {
	buildID, err := parseID("build id", buildArg)
	if err != nil {
		return nil, err
	}
	project, err := a.project()
	if err != nil {
		return nil, err
	}
	if err := a.connect(cmd, true); err != nil {
		return nil, err
	}
	m := a.newMonitor()
	m.SetPolling(false, 0)
	if err := m.SelectRun(cmd.Context(), project, buildID); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func newRetryCmd(a *app) *cobra.Command {
	var (
		dependents bool
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "retry <build-id> <stage>",
		Short: "Retry or rerun a stage, picking the strategy from the run state",
		Long: `Retry decides how to re-execute a stage:

  succeeded stage              rerun of the stage (--dependents also reruns later stages)
  failed checkpoint in stage   retry of the stage
  anything else                retry of the failed jobs of the whole build`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openRun(cmd, args[0])
			if err != nil {
				return err
			}
			defer m.Close()

			stageID, err := findStage(m.Snapshot(), args[1])
			if err != nil {
				return err
			}

			var d retry.Decision
			if dryRun {
				d, err = m.ResolveRetryAction(stageID)
			} else {
				d, err = m.Retry(cmd.Context(), stageID, retry.Options{RetryDependents: dependents})
			}
			if err != nil {
				return err
			}

			verb := "queued"
			if dryRun {
				verb = "would be queued"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s of %s in run %d %s\n", d.Strategy, d.StageName, d.RunID, verb)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dependents, "dependents", false, "rerun dependent stages too (succeeded stages only)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the strategy")
	return cmd
}

func newDecisionCmd(a *app, decision azdo.Decision) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   string(decision) + " <build-id> <stage>",
		Short: fmt.Sprintf("%s the approval a stage is waiting on", strings.ToUpper(string(decision[:1]))+string(decision[1:])),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openRun(cmd, args[0])
			if err != nil {
				return err
			}
			defer m.Close()

			stageID, err := findStage(m.Snapshot(), args[1])
			if err != nil {
				return err
			}
			if err := m.Decide(cmd.Context(), stageID, decision, comment); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[1], decision)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the decision")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.buildAction(cmd, args[0], "cancelling", func(project string, id int) error {
				return a.client.CancelRun(cmd.Context(), project, id)
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <build-id>",
		Short: "Delete a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.buildAction(cmd, args[0], "deleted", func(project string, id int) error {
				return a.client.DeleteRun(cmd.Context(), project, id)
			})
		},
	}
}

func newRetainCmd(a *app) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "retain <build-id>",
		Short: "Keep a build forever, or release it with --remove",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done := "retained"
			if remove {
				done = "released"
			}
			return a.buildAction(cmd, args[0], done, func(project string, id int) error {
				return a.client.SetRetention(cmd.Context(), project, id, !remove)
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "stop keeping the build forever")
	return cmd
}

func (a *app) buildAction(cmd *cobra.Command, buildArg, done string, fn func(project string, id int) error) error {
	buildID, err := parseID("build id", buildArg)
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
	if err := fn(project, buildID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "build %d %s\n", buildID, done)
	return nil
}

func newRunCmd(a *app) *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Queue a run of the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, pipelineID, err := a.pipeline()
			if err != nil {
				return err
			}
			if err := a.connect(cmd, true); err != nil {
				return err
			}
			run, err := a.client.RunPipeline(cmd.Context(), project, pipelineID, branch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %d (%s) queued on %s\n", run.ID, run.Number, branch)
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "main", "branch to run")
	return cmd
}

func newRetriggerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retrigger <build-id>",
		Short: "Queue a new run of a build's pipeline on the branch it ran on",
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
			b, err := a.client.GetBuild(cmd.Context(), project, buildID)
			if err != nil {
				return err
			}
			branch := strings.TrimPrefix(b.SourceBranch, "refs/heads/")
			if branch == "" {
				return fmt.Errorf("%w: %d", monitor.ErrNoBranch, buildID)
			}
			pipelineID := b.Definition.ID
			if pipelineID == 0 {
				pipelineID = a.cfg.PipelineID
			}
			run, err := a.client.RunPipeline(cmd.Context(), project, pipelineID, branch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %d (%s) queued on %s\n", run.ID, run.Number, branch)
			return nil
		},
	}
}
