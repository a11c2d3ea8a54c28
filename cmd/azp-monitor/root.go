package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marcin-skalski/azp-monitor/internal/approval"
	"github.com/marcin-skalski/azp-monitor/internal/azdo"
	"github.com/marcin-skalski/azp-monitor/internal/config"
	"github.com/marcin-skalski/azp-monitor/internal/logging"
	"github.com/marcin-skalski/azp-monitor/internal/monitor"
)

// Version is set at build time.
var Version = "dev"

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string

	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
	client *azdo.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "azp-monitor",
		Short:         "Watch Azure Pipelines runs and act on their stages",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.loadConfig(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closer != nil {
				return a.closer.Close()
			}
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", config.DefaultPath(), "config file")
	f.String("organization", "", "Azure DevOps organization")
	f.String("project", "", "project name")
	f.Int("pipeline", 0, "pipeline definition id")
	f.String("base-url", "", "Azure DevOps base URL")
	f.Bool("poll", true, "poll active builds and runs")
	f.Duration("poll-interval", 0, "polling interval")
	f.Int("page-size", 0, "builds shown per page")
	f.String("log-level", "", "log level (debug|info|warn|error)")
	f.String("log-file", "", "log file path")

	root.AddCommand(
		newWatchCmd(a),
		newProjectsCmd(a),
		newPipelinesCmd(a),
		newBuildsCmd(a),
		newTimelineCmd(a),
		newLogCmd(a),
		newRetryCmd(a),
		newDecisionCmd(a, azdo.DecisionApprove),
		newDecisionCmd(a, azdo.DecisionReject),
		newCancelCmd(a),
		newDeleteCmd(a),
		newRetainCmd(a),
		newRunCmd(a),
		newRetriggerCmd(a),
		newURLCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	config.LoadDotenv()
	explicit := cmd.Flags().Changed("config")
	cfg, err := config.Load(a.configPath, explicit, cmd.Root().PersistentFlags())
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// reloader re-reads the config file with the same flags for config.Watch.
func (a *app) reloader(cmd *cobra.Command) func() (*config.Config, error) {
	return func() (*config.Config, error) {
		return config.Load(a.cfg.Path, true, cmd.Root().PersistentFlags())
	}
}

// connect sets up logging and the REST client. console is false while the
// panel owns the terminal.
func (a *app) connect(cmd *cobra.Command, console bool) error {
	if err := a.cfg.RequirePAT(); err != nil {
		return err
	}
	logger, closer, err := logging.Setup(logging.Options{
		File:    a.cfg.LogFile,
		Level:   a.cfg.Log.Level,
		Console: console,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	a.logger = logger
	a.closer = closer
	a.client = azdo.NewClient(a.cfg.BaseURL, a.cfg.Organization, a.cfg.PAT, a.cfg.HTTP.Timeout, logger.With("component", "azdo"))
	return nil
}

func (a *app) newMonitor() *monitor.Monitor {
	locator := approval.NewLocator(a.client, a.logger)
	return monitor.New(a.client, locator, a.cfg, a.logger)
}

func (a *app) project() (string, error) {
	if a.cfg.Project == "" {
		return "", fmt.Errorf("project required (--project, %sPROJECT or project in the config file)", config.EnvPrefix)
	}
	return a.cfg.Project, nil
}

func (a *app) pipeline() (string, int, error) {
	project, err := a.project()
	if err != nil {
		return "", 0, err
	}
	if a.cfg.PipelineID == 0 {
		return "", 0, fmt.Errorf("pipeline required (--pipeline, %sPIPELINE_ID or pipeline_id in the config file)", config.EnvPrefix)
	}
	return project, a.cfg.PipelineID, nil
}

func parseID(name, s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return id, nil
}
