package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type shownConfig struct {
	Organization string `yaml:"organization"`
	PAT          string `yaml:"pat"`
	BaseURL      string `yaml:"base_url"`
	Project      string `yaml:"project,omitempty"`
	PipelineID   int    `yaml:"pipeline_id,omitempty"`
	LogFile      string `yaml:"log_file"`
	Polling      struct {
		Enabled  bool   `yaml:"enabled"`
		Interval string `yaml:"interval"`
	} `yaml:"polling"`
	Builds struct {
		PageSize int `yaml:"page_size"`
	} `yaml:"builds"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	TUI struct {
		RefreshInterval string `yaml:"refresh_interval"`
	} `yaml:"tui"`
	HTTP struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"http"`
}

// YAML renders the effective configuration with the token masked.
func (c *Config) YAML() ([]byte, error) {
	s := shownConfig{
		Organization: c.Organization,
		PAT:          maskSecret(c.PAT),
		BaseURL:      c.BaseURL,
		Project:      c.Project,
		PipelineID:   c.PipelineID,
		LogFile:      c.LogFile,
	}
	s.Polling.Enabled = c.Polling.Enabled
	s.Polling.Interval = c.Polling.Interval.String()
	s.Builds.PageSize = c.Builds.PageSize
	s.Log.Level = c.Log.Level
	s.TUI.RefreshInterval = c.TUI.RefreshInterval.String()
	s.HTTP.Timeout = c.HTTP.Timeout.String()

	out, err := yaml.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
