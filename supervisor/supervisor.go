/*
Package supervisor runs scenarios in a separate worker process.

For every run the supervisor creates a temp dir holding the entry script, listens on an ephemeral loopback port, and starts the
worker as

	<executable> <args...> <entry script> --ipc-port <port>

with stdout and stderr connected to the supervisor's own. It then waits for the first of three things: the worker connects, the
worker exits, or the connect timeout fires. A connection that is already pending when one of the others fires still wins. Once
connected, a worker exit is the normal end of the session and no longer a failure.

The supervisor sends a single run-scenarios command, forwards progress events to a Reporter, and returns on the first terminal
event. Teardown always happens in the same order: close the session, wait for the worker to exit, close the listener, remove the
temp dir.
*/
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"
	inet "github.com/guseggert/scenariorunner/internal/net"
	"github.com/guseggert/scenariorunner/ipc"
	"github.com/guseggert/scenariorunner/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultExecutable     = "scenario-worker"
	defaultConnectTimeout = 10 * time.Second
	defaultExitTimeout    = 5 * time.Second
	defaultAbortGrace     = 2 * time.Second
	waitDelay             = time.Second

	// lateConnectWindow is how long a final accept may take once the worker exited or the deadline fired. A connection
	// already in the backlog is accepted well within it; an expired deadline would fail the accept before trying.
	lateConnectWindow = 50 * time.Millisecond
)

// Supervisor starts one worker process per run. It holds no per-run state, so one Supervisor may run several
// batches concurrently.
type Supervisor struct {
	executable     string
	args           []string
	env            []string
	connectTimeout time.Duration
	exitTimeout    time.Duration
	abortGrace     time.Duration
	stdout         io.Writer
	stderr         io.Writer
	log            *zap.SugaredLogger
	scripts        ScriptProvider
	sessionOpts    []ipc.Option
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		executable:     defaultExecutable,
		connectTimeout: defaultConnectTimeout,
		exitTimeout:    defaultExitTimeout,
		abortGrace:     defaultAbortGrace,
		stdout:         os.Stdout,
		stderr:         os.Stderr,
		log:            zap.NewNop().Sugar(),
		scripts:        ManifestProvider{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("supervisor")
	return s
}

// Run executes cmd in a new worker process and returns its result.
//
// Failing scenarios are part of a successful result. A worker error event is returned as *protocol.RemoteError.
// If ctx is done before the worker is started, Run returns without starting it. If ctx is cancelled later, the worker
// is sent an abort and killed if it has not finished within the abort grace period; a result that arrives in the
// meantime is still returned. Teardown errors are returned alongside any result.
func (s *Supervisor) Run(ctx context.Context, cmd *protocol.RunScenarios, rep Reporter) (result *protocol.RunResult, err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("not starting worker: %w", err)
	}
	if cmd == nil {
		return nil, errors.New("nil command")
	}
	if rep == nil {
		rep = NopReporter{}
	}
	runCmd := *cmd
	if runCmd.RunID == "" {
		runCmd.RunID = uuid.NewString()
	}
	if runCmd.LogLevel == "" {
		runCmd.LogLevel = protocol.LogInfo
	}
	log := s.log.With("run_id", runCmd.RunID)

	w, err := protocol.EncodeMessage(&runCmd)
	if err != nil {
		return nil, err
	}

	c, err := s.spawn(&runCmd, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tErr := c.teardown(); tErr != nil {
			err = multierr.Append(err, fmt.Errorf("tearing down worker: %w", tErr))
		}
	}()

	if err := c.connect(ctx, s.connectTimeout); err != nil {
		c.kill()
		return nil, err
	}
	if err := c.session.WriteOne(w); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}
	return s.readEvents(ctx, c, rep)
}

func (s *Supervisor) spawn(cmd *protocol.RunScenarios, log *zap.SugaredLogger) (*child, error) {
	dir, err := os.MkdirTemp("", "scenariorun-")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	scriptPath, err := s.scripts.WriteScript(dir, cmd)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing entry script: %w", err)
	}
	listener, port, err := inet.ListenLoopback()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	args := make([]string, 0, len(s.args)+3)
	args = append(args, s.args...)
	args = append(args, scriptPath, protocol.IPCPortFlag, strconv.Itoa(port))

	ec := exec.Command(s.executable, args...)
	ec.Stdout = s.stdout
	ec.Stderr = s.stderr
	ec.WaitDelay = waitDelay
	if len(s.env) > 0 {
		ec.Env = append(os.Environ(), s.env...)
	}

	log.Debugw("starting worker", "executable", s.executable, "args", args)
	start := time.Now()
	if err := ec.Start(); err != nil {
		listener.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	c := &child{
		log:         log.With("pid", ec.Process.Pid),
		cmd:         ec,
		scriptPath:  scriptPath,
		tempDir:     dir,
		port:        port,
		listener:    listener,
		exitTimeout: s.exitTimeout,
		sessionOpts: append([]ipc.Option{ipc.WithLogger(log)}, s.sessionOpts...),
		start:       start,
		acceptCh:    make(chan acceptResult, 1),
		exited:      make(chan struct{}),
	}
	go c.wait()
	go c.accept()
	return c, nil
}

func (s *Supervisor) readEvents(ctx context.Context, c *child, rep Reporter) (*protocol.RunResult, error) {
	readCtx := ctx
	aborted := false
	ready := false
	var killTimer *time.Timer
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	for {
		w, err := c.session.ReadOne(readCtx)
		if err != nil {
			if !aborted && ctx.Err() != nil {
				aborted = true
				readCtx = context.Background()
				c.abort(ctx.Err())
				killTimer = time.AfterFunc(s.abortGrace, c.kill)
				continue
			}
			if aborted {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: %w", ErrUnexpectedTermination, err)
			}
			return nil, fmt.Errorf("reading event: %w", err)
		}

		ev, err := protocol.DecodeEvent(w)
		if err != nil {
			return nil, err
		}
		c.log.Debugw("received event", "type", ev.MessageType())

		if !ready {
			r, ok := ev.(*protocol.Ready)
			if !ok {
				return nil, fmt.Errorf("%w: got %q before ready", protocol.ErrProtocolViolation, ev.MessageType())
			}
			if r.Version != protocol.Version {
				return nil, fmt.Errorf("%w: worker speaks version %d, want %d", protocol.ErrProtocolViolation, r.Version, protocol.Version)
			}
			ready = true
			continue
		}

		switch e := ev.(type) {
		case *protocol.Result:
			return &e.Result, nil
		case *protocol.Error:
			return nil, &protocol.RemoteError{Err: e.Err}
		case *protocol.Ready:
			return nil, fmt.Errorf("%w: duplicate ready", protocol.ErrProtocolViolation)
		default:
			if !dispatch(rep, ev) {
				c.log.Debugf("no reporter callback for %q event", ev.MessageType())
			}
		}
	}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// child is the record of one worker process and the resources owned on its behalf.
type child struct {
	log         *zap.SugaredLogger
	cmd         *exec.Cmd
	scriptPath  string
	tempDir     string
	port        int
	listener    *net.TCPListener
	session     *ipc.Session
	sessionOpts []ipc.Option
	exitTimeout time.Duration
	start       time.Time

	acceptCh       chan acceptResult
	acceptConsumed bool

	exited  chan struct{}
	waitErr error
}

func (c *child) wait() {
	err := c.cmd.Wait()
	c.waitErr = err
	close(c.exited)
	c.log.Debugf("worker exited after %s: %s", time.Since(c.start), describeExit(err))
}

func (c *child) accept() {
	conn, err := c.listener.Accept()
	c.acceptCh <- acceptResult{conn: conn, err: err}
}

func (c *child) connect(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res acceptResult
	select {
	case res = <-c.acceptCh:
		c.acceptConsumed = true
	case <-c.exited:
		if !c.pendingConnection(&res) {
			return fmt.Errorf("%w: %s", ErrPrematureExit, describeExit(c.waitErr))
		}
	case <-timer.C:
		if !c.pendingConnection(&res) {
			return fmt.Errorf("%w: nothing connected within %s", ErrConnectionTimeout, timeout)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("accepting worker connection: %w", res.err)
	}
	c.log.Debugw("worker connected", "port", c.port, "remote", res.conn.RemoteAddr().String())
	c.session = ipc.NewSession(res.conn, c.sessionOpts...)
	return nil
}

// pendingConnection lets a connection that raced with exit or the deadline win.
func (c *child) pendingConnection(res *acceptResult) bool {
	_ = c.listener.SetDeadline(time.Now().Add(lateConnectWindow))
	r := <-c.acceptCh
	c.acceptConsumed = true
	if r.err != nil {
		return false
	}
	*res = r
	return true
}

func (c *child) abort(reason error) {
	c.log.Debugf("run cancelled, sending abort: %s", reason)
	w, err := protocol.EncodeMessage(&protocol.Abort{Reason: reason.Error()})
	if err == nil {
		err = c.session.WriteOne(w)
	}
	if err != nil {
		c.log.Debugf("error sending abort: %s", err)
	}
}

func (c *child) kill() {
	select {
	case <-c.exited:
		return
	default:
	}
	c.log.Debugf("killing worker")
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.log.Debugf("error killing worker: %s", err)
	}
}

func (c *child) teardown() error {
	var err error
	if c.session != nil {
		if cErr := c.session.Close(); cErr != nil {
			err = multierr.Append(err, fmt.Errorf("closing session: %w", cErr))
		}
	}

	timer := time.NewTimer(c.exitTimeout)
	defer timer.Stop()
	select {
	case <-c.exited:
	case <-timer.C:
		c.log.Warnf("worker did not exit within %s, killing it", c.exitTimeout)
		c.kill()
		<-c.exited
	}

	if lErr := c.listener.Close(); lErr != nil && !errors.Is(lErr, net.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("closing listener: %w", lErr))
	}
	if !c.acceptConsumed {
		if r := <-c.acceptCh; r.conn != nil {
			r.conn.Close()
		}
	}
	if rErr := os.RemoveAll(c.tempDir); rErr != nil {
		err = multierr.Append(err, fmt.Errorf("removing temp dir: %w", rErr))
	}
	c.log.Debugw("worker torn down", "entry", c.scriptPath)
	return err
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
