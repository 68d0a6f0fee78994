// Package config loads scenariorun.toml, the supervisor's configuration file.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/scenariorunner/internal/files"
	"github.com/guseggert/scenariorunner/protocol"
)

// FileName is looked up from the working directory towards the root.
const FileName = "scenariorun.toml"

// Duration is a time.Duration written as a string such as "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Worker Worker `toml:"worker"`
	Run    Run    `toml:"run"`

	// Path is the file the config was loaded from, empty for the defaults.
	Path string `toml:"-"`
}

// Worker configures how worker processes are started.
type Worker struct {
	Executable     string   `toml:"executable"`
	Args           []string `toml:"args"`
	Env            []string `toml:"env"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	ExitTimeout    Duration `toml:"exit_timeout"`
	AbortGrace     Duration `toml:"abort_grace"`
	// EntryTemplate is a text/template for the entry script. Without it the worker gets an entry.toml manifest.
	EntryTemplate string `toml:"entry_template"`
}

// Run holds the defaults for a run. Zero limits mean unlimited.
type Run struct {
	Files        []string `toml:"files"`
	Selectors    []string `toml:"selectors"`
	Concurrency  int      `toml:"concurrency"`
	FailureLimit int      `toml:"failure_limit"`
	Timeout      Duration `toml:"timeout"`
	StepTimeout  Duration `toml:"step_timeout"`
	Retries      int      `toml:"retries"`
	LogLevel     string   `toml:"log_level"`
	// Batches splits the files over this many worker processes.
	Batches int `toml:"batches"`
}

func Default() Config {
	return Config{
		Worker: Worker{
			Executable:     "scenario-worker",
			ConnectTimeout: Duration{10 * time.Second},
			ExitTimeout:    Duration{5 * time.Second},
			AbortGrace:     Duration{2 * time.Second},
		},
		Run: Run{
			LogLevel: string(protocol.LogInfo),
			Batches:  1,
		},
	}
}

// Load reads the file at path over the defaults. Relative paths in the file are resolved against its directory.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Path = abs
	cfg.resolvePaths(filepath.Dir(abs))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Discover loads the nearest scenariorun.toml at or above dir, or returns the defaults if there is none.
func Discover(dir string) (Config, error) {
	path, err := files.FindUp(FileName, dir)
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	// a bare name is looked up on PATH
	if strings.ContainsRune(c.Worker.Executable, filepath.Separator) {
		c.Worker.Executable = resolve(c.Worker.Executable)
	}
	c.Worker.EntryTemplate = resolve(c.Worker.EntryTemplate)
	for i, f := range c.Run.Files {
		c.Run.Files[i] = resolve(f)
	}
}

func (c Config) Validate() error {
	if c.Worker.Executable == "" {
		return fmt.Errorf("worker.executable is empty")
	}
	if c.Run.Concurrency < 0 {
		return fmt.Errorf("run.concurrency must not be negative")
	}
	if c.Run.FailureLimit < 0 {
		return fmt.Errorf("run.failure_limit must not be negative")
	}
	if c.Run.Retries < 0 {
		return fmt.Errorf("run.retries must not be negative")
	}
	if c.Run.Batches < 1 {
		return fmt.Errorf("run.batches must be at least 1")
	}
	if !protocol.LogLevel(c.Run.LogLevel).Valid() {
		return fmt.Errorf("invalid run.log_level %q", c.Run.LogLevel)
	}
	return nil
}

// Command builds the run-scenarios command for the given files.
func (c Config) Command(filePaths []string) *protocol.RunScenarios {
	cmd := &protocol.RunScenarios{
		FilePaths:    filePaths,
		Selectors:    c.Run.Selectors,
		Concurrency:  c.Run.Concurrency,
		FailureLimit: c.Run.FailureLimit,
		TimeoutMs:    c.Run.Timeout.Milliseconds(),
		LogLevel:     protocol.LogLevel(c.Run.LogLevel),
	}
	if c.Run.StepTimeout.Duration > 0 || c.Run.Retries > 0 {
		cmd.StepDefaults = &protocol.StepDefaults{
			TimeoutMs: c.Run.StepTimeout.Milliseconds(),
			Retries:   c.Run.Retries,
		}
	}
	return cmd
}
