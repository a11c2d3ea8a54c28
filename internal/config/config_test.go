package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "organization: acme\n")

	cfg, err := Load(path, true, nil)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Organization)
	assert.Equal(t, "https://dev.azure.com", cfg.BaseURL)
	assert.True(t, cfg.Polling.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 5, cfg.Builds.PageSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.TUI.RefreshInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, path, cfg.Path)
}

func TestLoad_Layering(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
organization: acme
project: from-file
pipeline_id: 3
polling:
  interval: 20s
builds:
  page_size: 10
`)
	t.Setenv("AZP_PROJECT", "from-env")
	t.Setenv("AZP_POLLING__INTERVAL", "10s")
	t.Setenv("AZP_PAT", "token")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("project", "", "")
	flags.Int("pipeline", 0, "")
	flags.Duration("poll-interval", 0, "")
	require.NoError(t, flags.Parse([]string{"--pipeline=7"}))

	cfg, err := Load(path, true, flags)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Project, "env beats file, unset flag does not override")
	assert.Equal(t, 7, cfg.PipelineID, "flag beats file")
	assert.Equal(t, 10*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 10, cfg.Builds.PageSize)
	assert.Equal(t, "token", cfg.PAT)
	require.NoError(t, cfg.RequirePAT())
}

func TestLoad_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	t.Setenv("AZP_ORGANIZATION", "acme")

	_, err := Load(missing, true, nil)
	assert.Error(t, err)

	cfg, err := Load(missing, false, nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Error(t, cfg.RequirePAT())
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no organization", "project: web\n", "organization required"},
		{"zero interval", "organization: acme\npolling:\n  interval: 0s\n", "polling.interval"},
		{"page size", "organization: acme\nbuilds:\n  page_size: 0\n", "page_size"},
		{"log level", "organization: acme\nlog:\n  level: loud\n", "log.level"},
		{"bad duration", "organization: acme\npolling:\n  interval: soon\n", "decode config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path, true, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_YAMLMasksToken(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "organization: acme\npat: supersecret1234\n")
	cfg, err := Load(path, true, nil)
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)

	text := string(out)
	assert.NotContains(t, text, "supersecret")
	assert.Contains(t, text, "****1234")
	assert.Contains(t, text, "interval: 5s")
	assert.Contains(t, text, "organization: acme")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "****", maskSecret("abc"))
	assert.Equal(t, "****wxyz", maskSecret("abcdwxyz"))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "organization: acme\n")

	var mu sync.Mutex
	var got []*Config

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path,
			func() (*Config, error) { return Load(path, true, nil) },
			func(cfg *Config) {
				mu.Lock()
				got = append(got, cfg)
				mu.Unlock()
			},
			slog.New(slog.NewTextHandler(io.Discard, nil)),
		)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "organization: acme\npolling:\n  enabled: false\n  interval: 2s\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Polling.Interval == 2*time.Second
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	last := got[len(got)-1]
	mu.Unlock()
	assert.False(t, last.Polling.Enabled)
}
