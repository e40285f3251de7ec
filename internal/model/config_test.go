package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  verbose: true
  log: stderr
server:
  listen: "127.0.0.1:9000"
scanner:
  path: /usr/bin/garak
  timeout: PT2H30M
  merge_stderr: true
  env:
    PYTHONUNBUFFERED: "1"
jobs:
  max_concurrent: 2
  max_queue: 5
history:
  backend: sqlite
  dir: /var/lib/garakd
schedules:
  - name: nightly
    cron: "0 2 * * *"
    scan:
      model_name: llama3
      probes: [dan]
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.True(t, cfg.Service.IsVerbose())
	require.Equal(t, model.LogStderr, cfg.Service.LogTarget())
	require.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr())

	path, args := cfg.Scanner.Executable()
	require.Equal(t, "/usr/bin/garak", path)
	require.Empty(t, args)
	timeout, err := cfg.Scanner.TimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour+30*time.Minute, timeout)
	require.True(t, cfg.Scanner.MergesStderr())
	require.Equal(t, "1", cfg.Scanner.Env["PYTHONUNBUFFERED"])

	require.Equal(t, 2, cfg.Jobs.Concurrency())
	require.Equal(t, 5, cfg.Jobs.QueueLimit())
	require.False(t, cfg.Jobs.AbortsOnDisconnect())
	require.Equal(t, model.HistorySQLite, cfg.History.BackendName())
	require.Equal(t, "/var/lib/garakd", cfg.History.DataDir())

	require.Len(t, cfg.Schedules, 1)
	require.Equal(t, "llama3", cfg.Schedules[0].Scan.ModelName)
	require.Equal(t, []string{"dan"}, cfg.Schedules[0].Scan.Probes)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultListen, cfg.Server.ListenAddr())
	require.Equal(t, model.DefaultOllamaHost, cfg.Ollama.BaseURL())
	require.Equal(t, model.HistoryFile, cfg.History.BackendName())
	require.Equal(t, 1, cfg.Jobs.Concurrency())
	require.Equal(t, 0, cfg.Jobs.QueueLimit())
	require.Equal(t, model.DefaultStderrTail, cfg.Scanner.TailLines())
	grace, err := cfg.Scanner.KillGraceDuration()
	require.NoError(t, err)
	require.Equal(t, model.DefaultKillGrace, grace)
	timeout, err := cfg.Scanner.TimeoutDuration()
	require.NoError(t, err)
	require.Zero(t, timeout)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"unknown backend", "version: 0\nhistory:\n  backend: postgres\n", "history.backend"},
		{"zero concurrency", "version: 0\njobs:\n  max_concurrent: 0\n", "jobs.max_concurrent"},
		{"bad timeout", "version: 0\nscanner:\n  timeout: 2h\n", "scanner.timeout"},
		{"unknown field", "version: 0\nscanner:\n  binary: garak\n", "scanner.binary"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			paths := make([]string, 0, len(details))
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tc.then)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	path, args := cfg.Scanner.Executable()
	require.Equal(t, "python3", path)
	require.Equal(t, []string{"-m", "garak"}, args)
	require.Equal(t, model.DefaultModelType, cfg.Scanner.GeneratorType())
	require.Equal(t, model.DefaultDataDir, cfg.History.DataDir())
}
