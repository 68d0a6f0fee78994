package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/scenariorunner/protocol"
	"github.com/guseggert/scenariorunner/worker"
	"github.com/guseggert/scenariorunner/worker/shellexec"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "scenario-worker",
		Usage:     "run scenarios on behalf of scenariorun; not meant to be started by hand",
		ArgsUsage: fmt.Sprintf("<entry manifest> %s <port>", protocol.IPCPortFlag),
		// the invocation is positional and parsed by worker.ParseInvocation
		SkipFlagParsing: true,
		Action: func(c *cli.Context) error {
			inv, err := worker.ParseInvocation(c.Args().Slice())
			if err != nil {
				return err
			}
			if err := worker.LoadEntry(&inv); err != nil {
				return fmt.Errorf("loading entry manifest: %w", err)
			}

			level, err := zapcore.ParseLevel(string(inv.Entry.LogLevel))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			atomicLevel := zap.NewAtomicLevelAt(level)
			zapCfg := zap.NewDevelopmentConfig()
			zapCfg.Level = atomicLevel
			logger, err := zapCfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			sugar := logger.Sugar().With("run_id", inv.Entry.RunID)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return worker.Run(ctx, worker.Options{
				Port:     inv.Port,
				Loader:   shellexec.Loader{},
				Executor: &shellexec.Executor{Log: sugar},
				Logger:   sugar,
				Level:    &atomicLevel,
			})
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
