package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcin-skalski/azp-monitor/internal/azdo"
)

func (a *app) buildURL(project string, b azdo.Build) string {
	if href := b.WebURL(); href != "" {
		return href
	}
	return a.client.BuildWebURL(project, b.ID)
}

func newURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "url [build-id [stage]]",
		Short: "Print the browser link of the pipeline, a build or a stage",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				href string
				err  error
			)
			switch len(args) {
			case 0:
				href, err = a.pipelineURL(cmd)
			case 1:
				href, err = a.runURL(cmd, args[0])
			default:
				href, err = a.stageURL(cmd, args[0], args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), href)
			return nil
		},
	}
}

func (a *app) pipelineURL(cmd *cobra.Command) (string, error) {
	project, pipelineID, err := a.pipeline()
	if err != nil {
		return "", err
	}
	if err := a.connect(cmd, true); err != nil {
		return "", err
	}
	p, err := a.client.GetPipeline(cmd.Context(), project, pipelineID)
	if err != nil {
		return "", err
	}
	if p.WebURL() == "" {
		return "", fmt.Errorf("pipeline %d has no web link", pipelineID)
	}
	return p.WebURL(), nil
}

func (a *app) runURL(cmd *cobra.Command, buildArg string) (string, error) {
	buildID, err := parseID("build id", buildArg)
	if err != nil {
		return "", err
	}
	project, err := a.project()
	if err != nil {
		return "", err
	}
	if err := a.connect(cmd, true); err != nil {
		return "", err
	}
	b, err := a.client.GetBuild(cmd.Context(), project, buildID)
	if err != nil {
		return "", err
	}
	return a.buildURL(project, *b), nil
}

func (a *app) stageURL(cmd *cobra.Command, buildArg, ref string) (string, error) {
	m, err := a.openRun(cmd, buildArg)
	if err != nil {
		return "", err
	}
	defer m.Close()

	stageID, err := findStage(m.Snapshot(), ref)
	if err != nil {
		return "", err
	}
	return m.RecordWebURL(stageID)
}
