package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/guseggert/scenariorunner/config"
	"github.com/guseggert/scenariorunner/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "scenariorun",
		Usage:     "run scenario files in supervised worker processes",
		ArgsUsage: "[scenario files...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: fmt.Sprintf("Path to the config file. Defaults to the nearest %s.", config.FileName),
			},
			&cli.StringFlag{
				Name:  "worker",
				Usage: "The worker executable.",
			},
			&cli.StringSliceFlag{
				Name:  "select",
				Usage: "Only run scenarios whose name matches this glob. May be repeated.",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Maximum scenarios running at once in each worker. 0 means unlimited.",
			},
			&cli.IntFlag{
				Name:  "failure-limit",
				Usage: "Stop starting scenarios after this many failures. 0 means unlimited.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout for the whole run.",
			},
			&cli.IntFlag{
				Name:  "batches",
				Usage: "Number of worker processes to split the files over.",
			},
			&cli.DurationFlag{
				Name:  "connect-timeout",
				Usage: "How long to wait for a worker to connect.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Also passed on to workers.",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run ID to use instead of a random one.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Print every scenario and step as it starts.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	files := c.Args().Slice()
	if len(files) == 0 {
		files = cfg.Run.Files
	}
	if len(files) == 0 {
		return fmt.Errorf("no scenario files given")
	}

	level, err := zapcore.ParseLevel(cfg.Run.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	scripts, err := supervisor.ResolveScriptProvider(cfg.Worker.EntryTemplate, sugar)
	if err != nil {
		return err
	}
	sup := supervisor.New(
		supervisor.WithExecutable(cfg.Worker.Executable),
		supervisor.WithArgs(cfg.Worker.Args...),
		supervisor.WithEnv(cfg.Worker.Env...),
		supervisor.WithConnectTimeout(cfg.Worker.ConnectTimeout.Duration),
		supervisor.WithExitTimeout(cfg.Worker.ExitTimeout.Duration),
		supervisor.WithAbortGrace(cfg.Worker.AbortGrace.Duration),
		supervisor.WithLogger(sugar),
		supervisor.WithScriptProvider(scripts),
	)

	runID := c.String("run-id")
	if runID == "" {
		runID = uuid.NewString()
	}
	out := &console{out: c.App.Writer, verbose: c.Bool("verbose")}
	parts := supervisor.Split(files, cfg.Run.Batches)
	batches := make([]supervisor.Batch, len(parts))
	for i, part := range parts {
		cmd := cfg.Command(part)
		cmd.RunID = runID
		prefix := ""
		if len(parts) > 1 {
			cmd.RunID = fmt.Sprintf("%s-%d", runID, i)
			prefix = fmt.Sprintf("[%d] ", i)
		}
		batches[i] = supervisor.Batch{Name: cmd.RunID, Command: cmd, Reporter: out.batch(prefix)}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := sup.RunBatches(ctx, batches, 0)
	merged := supervisor.Merge(runID, results)
	out.summary(merged)
	if err != nil {
		return err
	}
	if !merged.OK() {
		return cli.Exit("", 1)
	}
	return nil
}

// loadConfig reads the config file and applies the flags that were set on top of it.
func loadConfig(c *cli.Context) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		var wd string
		wd, err = os.Getwd()
		if err == nil {
			cfg, err = config.Discover(wd)
		}
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}

	if c.IsSet("worker") {
		cfg.Worker.Executable = c.String("worker")
	}
	if c.IsSet("select") {
		cfg.Run.Selectors = c.StringSlice("select")
	}
	if c.IsSet("concurrency") {
		cfg.Run.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("failure-limit") {
		cfg.Run.FailureLimit = c.Int("failure-limit")
	}
	if c.IsSet("timeout") {
		cfg.Run.Timeout = config.Duration{Duration: c.Duration("timeout")}
	}
	if c.IsSet("batches") {
		cfg.Run.Batches = c.Int("batches")
	}
	if c.IsSet("connect-timeout") {
		cfg.Worker.ConnectTimeout = config.Duration{Duration: c.Duration("connect-timeout")}
	}
	if c.IsSet("log-level") {
		cfg.Run.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
