/*
Package worker implements the worker side of a supervised run.

A worker connects to the supervisor's loopback port, announces itself with a ready event, and waits for one run-scenarios
command. It loads, selects and executes scenarios through the Loader, Selector and Executor it was given, streaming progress
events as the executor reports them, and finishes with a result event. An abort command cancels execution, after which the
worker still reports the partial result.

If anything goes wrong inside the worker it sends an error event instead. If even that cannot be delivered, the error is only
returned to the caller.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/scenariorunner/ipc"
	"github.com/guseggert/scenariorunner/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Port is the supervisor's loopback port.
	Port int

	Loader   Loader
	Selector Selector
	Executor Executor

	Logger *zap.SugaredLogger
	// Level, if set, is adjusted to the log level requested by the command.
	Level *zap.AtomicLevel

	SessionOptions []ipc.Option
}

// Run serves a single command from the supervisor listening on opts.Port.
func Run(ctx context.Context, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("worker")
	if opts.Selector == nil {
		opts.Selector = MatchSelector{}
	}
	if opts.Loader == nil || opts.Executor == nil {
		return errors.New("worker needs a loader and an executor")
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.Port))
	log.Debugw("connecting to supervisor", "addr", addr)
	sess, err := ipc.Dial(ctx, addr, append([]ipc.Option{ipc.WithLogger(log)}, opts.SessionOptions...)...)
	if err != nil {
		return err
	}

	w := &runner{opts: opts, log: log, sess: sess}
	err = w.serve(ctx)
	if err != nil {
		log.Debugf("run failed: %s", err)
		if sendErr := w.send(&protocol.Error{Err: protocol.FromError(err)}); sendErr != nil {
			log.Errorf("could not report error to supervisor: %s", sendErr)
		}
	}
	if cErr := sess.Close(); cErr != nil {
		err = multierr.Append(err, fmt.Errorf("closing session: %w", cErr))
	}
	return err
}

type runner struct {
	opts Options
	log  *zap.SugaredLogger
	sess *ipc.Session

	aborted atomic.Bool
}

func (r *runner) send(m protocol.Message) error {
	w, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}
	return r.sess.WriteOne(w)
}

func (r *runner) serve(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()
	if err := r.send(&protocol.Ready{Version: protocol.Version, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}

	v, err := r.sess.ReadOne(ctx)
	if err != nil {
		return fmt.Errorf("reading command: %w", err)
	}
	cmd, err := protocol.DecodeCommand(v)
	if err != nil {
		return err
	}
	rs, ok := cmd.(*protocol.RunScenarios)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %s", protocol.ErrProtocolViolation, protocol.TypeRunScenarios, cmd.MessageType())
	}
	r.applyLogLevel(rs.LogLevel)
	r.log.Debugw("received command", "run_id", rs.RunID, "files", len(rs.FilePaths))

	execCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.watchCommands(execCtx, cancel)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	result, err := r.execute(execCtx, rs)
	if err != nil {
		return err
	}
	if err := r.send(&protocol.RunFinished{Result: *result}); err != nil {
		return err
	}
	return r.send(&protocol.Result{Result: *result})
}

// panicError turns a recovered panic into an error that keeps the stack of the panicking goroutine. Only panics on the
// goroutine calling the Loader, Selector and Executor are recovered.
func panicError(p any) error {
	return &protocol.StructuredError{Name: "Panic", Message: fmt.Sprint(p), Stack: string(debug.Stack())}
}

// watchCommands handles commands that arrive while scenarios run. Only abort is meaningful.
func (r *runner) watchCommands(ctx context.Context, cancel context.CancelFunc) {
	for {
		v, err := r.sess.ReadOne(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Debugf("supervisor closed the session, cancelling")
				cancel()
			}
			return
		}
		cmd, err := protocol.DecodeCommand(v)
		if err != nil {
			r.log.Debugf("ignoring bad command: %s", err)
			continue
		}
		if a, ok := cmd.(*protocol.Abort); ok {
			r.log.Debugf("aborting: %s", a.Reason)
			r.aborted.Store(true)
			cancel()
			return
		}
		r.log.Debugf("ignoring %s during a run", cmd.MessageType())
	}
}

func (r *runner) execute(ctx context.Context, rs *protocol.RunScenarios) (*protocol.RunResult, error) {
	started := time.Now()

	scenarios, importErrs, err := r.opts.Loader.Load(ctx, rs.FilePaths)
	if err != nil {
		return nil, fmt.Errorf("loading scenarios: %w", err)
	}
	selected, err := r.opts.Selector.Select(scenarios, rs.Selectors, rs.RerunFilter)
	if err != nil {
		return nil, fmt.Errorf("selecting scenarios: %w", err)
	}

	infos := make([]protocol.ScenarioInfo, len(selected))
	for i, s := range selected {
		infos[i] = s.Info()
	}
	if err := r.send(&protocol.RunStarted{RunID: rs.RunID, Scenarios: infos}); err != nil {
		return nil, err
	}

	plan := Plan{
		Scenarios:    selected,
		Concurrency:  rs.Concurrency,
		FailureLimit: rs.FailureLimit,
		Timeout:      time.Duration(rs.TimeoutMs) * time.Millisecond,
	}
	if rs.StepDefaults != nil {
		plan.StepDefaults = *rs.StepDefaults
	}

	p := &progress{r: r}
	results, err := r.opts.Executor.Execute(ctx, plan, p)
	if err != nil && !(errors.Is(err, context.Canceled) && r.aborted.Load()) {
		return nil, fmt.Errorf("executing scenarios: %w", err)
	}
	if pErr := p.Err(); pErr != nil {
		return nil, fmt.Errorf("streaming progress: %w", pErr)
	}

	result := &protocol.RunResult{
		RunID:        rs.RunID,
		StartedAt:    started.UTC(),
		DurationMs:   time.Since(started).Milliseconds(),
		Scenarios:    results,
		ImportErrors: importErrs,
		Aborted:      r.aborted.Load(),
	}
	result.Tally()
	return result, nil
}

func (r *runner) applyLogLevel(l protocol.LogLevel) {
	if r.opts.Level == nil {
		return
	}
	lvl, err := zapcore.ParseLevel(string(l))
	if err != nil {
		r.log.Debugf("keeping log level: %s", err)
		return
	}
	r.opts.Level.SetLevel(lvl)
}

// progress streams executor callbacks as events. The first send error is kept.
type progress struct {
	r *runner

	mu  sync.Mutex
	err error
}

func (p *progress) send(m protocol.Message) {
	if err := p.r.send(m); err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err == nil {
			p.err = err
		}
	}
}

func (p *progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *progress) ScenarioStarted(s protocol.ScenarioInfo) {
	p.send(&protocol.ScenarioStarted{Scenario: s})
}

func (p *progress) StepStarted(s protocol.ScenarioInfo, step protocol.StepInfo) {
	p.send(&protocol.StepStarted{Scenario: s, Step: step})
}

func (p *progress) StepFinished(s protocol.ScenarioInfo, res protocol.StepResult) {
	p.send(&protocol.StepFinished{Scenario: s, Result: res})
}

func (p *progress) ScenarioFinished(res protocol.ScenarioResult) {
	p.send(&protocol.ScenarioFinished{Result: res})
}
