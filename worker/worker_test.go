package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	inet "github.com/guseggert/scenariorunner/internal/net"
	"github.com/guseggert/scenariorunner/ipc"
	"github.com/guseggert/scenariorunner/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type fakeLoader struct {
	scenarios  []Scenario
	importErrs []protocol.ImportError
	err        error
}

func (l *fakeLoader) Load(_ context.Context, _ []string) ([]Scenario, []protocol.ImportError, error) {
	return l.scenarios, l.importErrs, l.err
}

// fakeExecutor passes every scenario. With block set it waits for cancellation after reporting the first one. With
// crash set it writes to a nil map.
type fakeExecutor struct {
	block bool
	crash bool
}

func (e *fakeExecutor) Execute(ctx context.Context, plan Plan, progress Progress) ([]protocol.ScenarioResult, error) {
	if e.crash {
		var byName map[string]int
		byName[plan.Scenarios[0].Name]++
	}
	var results []protocol.ScenarioResult
	for i, sc := range plan.Scenarios {
		if e.block && i > 0 {
			<-ctx.Done()
		}
		if ctx.Err() != nil {
			results = append(results, protocol.ScenarioResult{Name: sc.Name, File: sc.File, Status: protocol.StatusSkipped})
			continue
		}
		info := sc.Info()
		step := protocol.StepInfo{Name: "only", Index: 0}
		progress.ScenarioStarted(info)
		progress.StepStarted(info, step)
		sr := protocol.StepResult{Name: step.Name, Status: protocol.StatusPassed, Attempts: 1}
		progress.StepFinished(info, sr)
		res := protocol.ScenarioResult{Name: sc.Name, File: sc.File, Status: protocol.StatusPassed, Steps: []protocol.StepResult{sr}}
		progress.ScenarioFinished(res)
		results = append(results, res)
	}
	return results, ctx.Err()
}

type fakeSupervisor struct {
	t     *testing.T
	sess  *ipc.Session
	errCh chan error
}

func startWorker(t *testing.T, opts Options) *fakeSupervisor {
	t.Helper()
	l, port, err := inet.ListenLoopback()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	opts.Port = port
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), opts) }()

	conn, err := l.Accept()
	require.NoError(t, err)
	sess := ipc.NewSession(conn)
	t.Cleanup(func() { sess.Close() })
	return &fakeSupervisor{t: t, sess: sess, errCh: errCh}
}

func (f *fakeSupervisor) send(m protocol.Message) {
	w, err := protocol.EncodeMessage(m)
	require.NoError(f.t, err)
	require.NoError(f.t, f.sess.WriteOne(w))
}

func (f *fakeSupervisor) next() protocol.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := f.sess.ReadOne(ctx)
	require.NoError(f.t, err)
	ev, err := protocol.DecodeEvent(w)
	require.NoError(f.t, err)
	return ev
}

func (f *fakeSupervisor) workerErr() error {
	select {
	case err := <-f.errCh:
		return err
	case <-time.After(5 * time.Second):
		f.t.Fatal("worker did not return")
		return nil
	}
}

func (f *fakeSupervisor) expectReady() {
	ready, ok := f.next().(*protocol.Ready)
	require.True(f.t, ok)
	assert.Equal(f.t, protocol.Version, ready.Version)
	assert.Equal(f.t, os.Getpid(), ready.PID)
}

func scenarios(names ...string) []Scenario {
	var out []Scenario
	for _, n := range names {
		out = append(out, Scenario{Name: n, File: "/s/" + n + ".toml"})
	}
	return out
}

func TestRunStreamsEventsAndResult(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sup := startWorker(t, Options{
		Loader: &fakeLoader{
			scenarios:  scenarios("alpha", "beta", "gamma"),
			importErrs: []protocol.ImportError{{File: "/s/broken.toml", Error: &protocol.StructuredError{Name: "SyntaxError", Message: "bad"}}},
		},
		Executor: &fakeExecutor{},
		Level:    &level,
	})

	sup.expectReady()
	sup.send(&protocol.RunScenarios{
		RunID:     "run-1",
		FilePaths: []string{"/s"},
		Selectors: []string{"*a"},
		LogLevel:  protocol.LogDebug,
	})

	started, ok := sup.next().(*protocol.RunStarted)
	require.True(t, ok)
	assert.Equal(t, "run-1", started.RunID)
	assert.Equal(t, []protocol.ScenarioInfo{
		{Name: "alpha", File: "/s/alpha.toml"},
		{Name: "beta", File: "/s/beta.toml"},
		{Name: "gamma", File: "/s/gamma.toml"},
	}, started.Scenarios)

	var types []protocol.Type
	var result *protocol.Result
	for result == nil {
		ev := sup.next()
		types = append(types, ev.MessageType())
		result, _ = ev.(*protocol.Result)
	}
	perScenario := []protocol.Type{protocol.TypeScenarioStarted, protocol.TypeStepStarted, protocol.TypeStepFinished, protocol.TypeScenarioFinished}
	var want []protocol.Type
	for i := 0; i < 3; i++ {
		want = append(want, perScenario...)
	}
	want = append(want, protocol.TypeRunFinished, protocol.TypeResult)
	assert.Equal(t, want, types)

	assert.Equal(t, "run-1", result.Result.RunID)
	assert.Equal(t, 3, result.Result.Passed)
	assert.False(t, result.Result.Aborted)
	require.Len(t, result.Result.ImportErrors, 1)
	assert.Equal(t, "SyntaxError", result.Result.ImportErrors[0].Error.Name)

	require.NoError(t, sup.workerErr())
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestRunAppliesSelectors(t *testing.T) {
	sup := startWorker(t, Options{
		Loader:   &fakeLoader{scenarios: scenarios("login", "logout", "signup")},
		Executor: &fakeExecutor{},
	})
	sup.expectReady()
	sup.send(&protocol.RunScenarios{RunID: "r", Selectors: []string{"log*"}})

	started, ok := sup.next().(*protocol.RunStarted)
	require.True(t, ok)
	require.Len(t, started.Scenarios, 2)
	assert.Equal(t, "login", started.Scenarios[0].Name)
	assert.Equal(t, "logout", started.Scenarios[1].Name)
}

func TestRunAbort(t *testing.T) {
	sup := startWorker(t, Options{
		Loader:   &fakeLoader{scenarios: scenarios("first", "second")},
		Executor: &fakeExecutor{block: true},
	})
	sup.expectReady()
	sup.send(&protocol.RunScenarios{RunID: "r"})

	_, ok := sup.next().(*protocol.RunStarted)
	require.True(t, ok)
	for i := 0; i < 4; i++ {
		sup.next()
	}
	sup.send(&protocol.Abort{Reason: "interrupted"})

	finished, ok := sup.next().(*protocol.RunFinished)
	require.True(t, ok)
	assert.True(t, finished.Result.Aborted)

	result, ok := sup.next().(*protocol.Result)
	require.True(t, ok)
	assert.True(t, result.Result.Aborted)
	assert.Equal(t, 1, result.Result.Passed)
	assert.Equal(t, 1, result.Result.Skipped)

	require.NoError(t, sup.workerErr())
}

func TestRunReportsLoaderError(t *testing.T) {
	sup := startWorker(t, Options{
		Loader:   &fakeLoader{err: errors.New("disk on fire")},
		Executor: &fakeExecutor{},
	})
	sup.expectReady()
	sup.send(&protocol.RunScenarios{RunID: "r"})

	ev, ok := sup.next().(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, ev.Err.Message, "disk on fire")
	assert.NotEmpty(t, ev.Err.Stack)

	err := sup.workerErr()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestRunReportsExecutorPanic(t *testing.T) {
	sup := startWorker(t, Options{
		Loader:   &fakeLoader{scenarios: scenarios("first")},
		Executor: &fakeExecutor{crash: true},
	})
	sup.expectReady()
	sup.send(&protocol.RunScenarios{RunID: "r"})

	_, ok := sup.next().(*protocol.RunStarted)
	require.True(t, ok)
	ev, ok := sup.next().(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "Panic", ev.Err.Name)
	assert.Contains(t, ev.Err.Message, "nil map")
	assert.Contains(t, ev.Err.Stack, "fakeExecutor")

	err := sup.workerErr()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
}

func TestRunRejectsCommandOtherThanRun(t *testing.T) {
	sup := startWorker(t, Options{
		Loader:   &fakeLoader{},
		Executor: &fakeExecutor{},
	})
	sup.expectReady()
	sup.send(&protocol.Abort{Reason: "too early"})

	_, ok := sup.next().(*protocol.Error)
	require.True(t, ok)
	require.ErrorIs(t, sup.workerErr(), protocol.ErrProtocolViolation)
}

func TestRunNeedsLoaderAndExecutor(t *testing.T) {
	err := Run(context.Background(), Options{Port: 1})
	require.Error(t, err)
}

func TestParseInvocation(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		expected Invocation
		errMsg   string
	}{
		{
			name:     "entry then port",
			args:     []string{"/tmp/x/entry.toml", "--ipc-port", "4242"},
			expected: Invocation{EntryPath: "/tmp/x/entry.toml", Port: 4242},
		},
		{
			name:     "port then entry",
			args:     []string{"--ipc-port", "4242", "entry.toml"},
			expected: Invocation{EntryPath: "entry.toml", Port: 4242},
		},
		{
			name:     "equals form",
			args:     []string{"entry.toml", "--ipc-port=80"},
			expected: Invocation{EntryPath: "entry.toml", Port: 80},
		},
		{name: "missing port", args: []string{"entry.toml"}, errMsg: "missing --ipc-port"},
		{name: "missing entry", args: []string{"--ipc-port", "1"}, errMsg: "missing entry"},
		{name: "dangling flag", args: []string{"entry.toml", "--ipc-port"}, errMsg: "needs a value"},
		{name: "bad port", args: []string{"entry.toml", "--ipc-port", "x"}, errMsg: "invalid"},
		{name: "port out of range", args: []string{"entry.toml", "--ipc-port", "70000"}, errMsg: "invalid"},
		{name: "extra positional", args: []string{"a", "b", "--ipc-port", "1"}, errMsg: "unexpected argument"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			inv, err := ParseInvocation(c.args)
			if c.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expected, inv)
		})
	}
}

func TestMatchSelector(t *testing.T) {
	all := scenarios("login", "logout", "signup")
	names := func(ss []Scenario) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.Name)
		}
		return out
	}

	cases := []struct {
		name      string
		selectors []string
		rerun     []protocol.ScenarioRef
		expected  []string
	}{
		{name: "no selectors", expected: []string{"login", "logout", "signup"}},
		{name: "glob", selectors: []string{"log*"}, expected: []string{"login", "logout"}},
		{name: "any of several", selectors: []string{"signup", "logo?t"}, expected: []string{"logout", "signup"}},
		{name: "no match", selectors: []string{"nope"}, expected: nil},
		{
			name:     "rerun filter",
			rerun:    []protocol.ScenarioRef{{Name: "signup", File: "/s/signup.toml"}, {Name: "login", File: "/elsewhere.toml"}},
			expected: []string{"signup"},
		},
		{name: "empty rerun filter", rerun: []protocol.ScenarioRef{}, expected: nil},
		{
			name:      "rerun and selectors",
			selectors: []string{"log*"},
			rerun:     []protocol.ScenarioRef{{Name: "login", File: "/s/login.toml"}, {Name: "signup", File: "/s/signup.toml"}},
			expected:  []string{"login"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			selected, err := MatchSelector{}.Select(all, c.selectors, c.rerun)
			require.NoError(t, err)
			assert.Equal(t, c.expected, names(selected))
		})
	}

	_, err := MatchSelector{}.Select(all, []string{"[bad"}, nil)
	require.Error(t, err)
}
