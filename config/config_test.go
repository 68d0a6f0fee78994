package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/scenariorunner/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
[worker]
executable = "./bin/worker"
args = ["--quiet"]
connect_timeout = "3s"
entry_template = "entry.tmpl"

[run]
files = ["scenarios/a.sh", "/abs/b.sh"]
selectors = ["smoke-*"]
concurrency = 4
failure_limit = 2
timeout = "1m"
step_timeout = "10s"
retries = 1
log_level = "debug"
batches = 2
`)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, p, cfg.Path)
	assert.Equal(t, filepath.Join(dir, "bin/worker"), cfg.Worker.Executable)
	assert.Equal(t, []string{"--quiet"}, cfg.Worker.Args)
	assert.Equal(t, 3*time.Second, cfg.Worker.ConnectTimeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Worker.ExitTimeout.Duration)
	assert.Equal(t, filepath.Join(dir, "entry.tmpl"), cfg.Worker.EntryTemplate)
	assert.Equal(t, []string{filepath.Join(dir, "scenarios/a.sh"), "/abs/b.sh"}, cfg.Run.Files)
	assert.Equal(t, 2, cfg.Run.Batches)

	cmd := cfg.Command(cfg.Run.Files)
	assert.Equal(t, &protocol.RunScenarios{
		FilePaths:    cfg.Run.Files,
		Selectors:    []string{"smoke-*"},
		Concurrency:  4,
		FailureLimit: 2,
		TimeoutMs:    60000,
		LogLevel:     protocol.LogDebug,
		StepDefaults: &protocol.StepDefaults{TimeoutMs: 10000, Retries: 1},
	}, cmd)
}

func TestLoadKeepsBareExecutable(t *testing.T) {
	p := writeConfig(t, t.TempDir(), "[worker]\nexecutable = \"my-worker\"\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "my-worker", cfg.Worker.Executable)
	assert.Nil(t, cfg.Command(nil).StepDefaults)
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		errMsg string
	}{
		{name: "unknown key", body: "[run]\nconcurency = 2\n", errMsg: "unknown keys run.concurency"},
		{name: "bad duration", body: "[run]\ntimeout = \"soon\"\n", errMsg: "parsing"},
		{name: "negative duration", body: "[run]\ntimeout = \"-1s\"\n", errMsg: "negative duration"},
		{name: "negative concurrency", body: "[run]\nconcurrency = -1\n", errMsg: "run.concurrency"},
		{name: "zero batches", body: "[run]\nbatches = 0\n", errMsg: "run.batches"},
		{name: "bad log level", body: "[run]\nlog_level = \"loud\"\n", errMsg: "run.log_level"},
		{name: "empty executable", body: "[worker]\nexecutable = \"\"\n", errMsg: "worker.executable"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), c.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.errMsg)
		})
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, err := Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	p := writeConfig(t, root, "[run]\nconcurrency = 3\n")
	cfg, err = Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, p, cfg.Path)
	assert.Equal(t, 3, cfg.Run.Concurrency)
}
