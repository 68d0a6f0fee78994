package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	inet "github.com/guseggert/scenariorunner/internal/net"
	"github.com/guseggert/scenariorunner/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingReporter struct {
	mu     sync.Mutex
	calls  []string
	onCall func(call string)
}

func (r *recordingReporter) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	onCall := r.onCall
	r.mu.Unlock()
	if onCall != nil {
		onCall(call)
	}
}

func (r *recordingReporter) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingReporter) OnRunStart(runID string, scenarios []protocol.ScenarioInfo) {
	r.record(fmt.Sprintf("run-start %d", len(scenarios)))
}
func (r *recordingReporter) OnRunEnd(result *protocol.RunResult) {
	r.record(fmt.Sprintf("run-end passed=%d failed=%d", result.Passed, result.Failed))
}
func (r *recordingReporter) OnScenarioStart(s protocol.ScenarioInfo) { r.record("scenario-start " + s.Name) }
func (r *recordingReporter) OnScenarioEnd(res *protocol.ScenarioResult) {
	r.record("scenario-end " + res.Name + " " + string(res.Status))
}
func (r *recordingReporter) OnStepStart(s protocol.ScenarioInfo, step protocol.StepInfo) {
	r.record("step-start " + s.Name + "/" + step.Name)
}
func (r *recordingReporter) OnStepEnd(s protocol.ScenarioInfo, res *protocol.StepResult) {
	r.record("step-end " + s.Name + "/" + res.Name + " " + string(res.Status))
}

// trackingScripts remembers the temp dirs the supervisor created.
type trackingScripts struct {
	mu   sync.Mutex
	dirs []string
}

func (p *trackingScripts) WriteScript(dir string, cmd *protocol.RunScenarios) (string, error) {
	p.mu.Lock()
	p.dirs = append(p.dirs, dir)
	p.mu.Unlock()
	return ManifestProvider{}.WriteScript(dir, cmd)
}

func (p *trackingScripts) assertRemoved(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.dirs)
	for _, d := range p.dirs {
		_, err := os.Stat(d)
		assert.True(t, os.IsNotExist(err), "temp dir %s still exists", d)
	}
}

func TestRunEndToEnd(t *testing.T) {
	scripts := &trackingScripts{}
	s := New(append(helperOptions("ok"), WithScriptProvider(scripts))...)
	rep := &recordingReporter{}

	result, err := s.Run(context.Background(), &protocol.RunScenarios{
		FilePaths: []string{"/s/login", "/s/failing-checkout"},
	}, rep)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.OK())
	require.Len(t, result.Scenarios, 2)
	assert.Equal(t, "AssertionError", result.Scenarios[1].Error.Name)

	assert.Equal(t, []string{
		"run-start 2",
		"scenario-start login",
		"step-start login/run",
		"step-end login/run passed",
		"scenario-end login passed",
		"scenario-start failing-checkout",
		"step-start failing-checkout/run",
		"step-end failing-checkout/run failed",
		"scenario-end failing-checkout failed",
		"run-end passed=1 failed=1",
	}, rep.Calls())
	scripts.assertRemoved(t)
}

func TestRunKeepsRunID(t *testing.T) {
	s := New(helperOptions("ok")...)
	cmd := &protocol.RunScenarios{RunID: "fixed-id", FilePaths: []string{"/s/a"}}
	result, err := s.Run(context.Background(), cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", result.RunID)
	assert.Empty(t, cmd.LogLevel, "the caller's command is not modified")
}

func TestRunShellScenarios(t *testing.T) {
	dir := t.TempDir()
	pass := filepath.Join(dir, "pass.sh")
	fail := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(pass, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	require.NoError(t, os.WriteFile(fail, []byte("#!/bin/sh\necho nope\nexit 4\n"), 0o755))
	missing := filepath.Join(dir, "missing.sh")

	s := New(helperOptions("shell")...)
	result, err := s.Run(context.Background(), &protocol.RunScenarios{FilePaths: []string{pass, fail, missing}}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.ImportErrors, 1)
	assert.Equal(t, missing, result.ImportErrors[0].File)

	failed := result.Scenarios[1]
	require.NotNil(t, failed.Error)
	assert.Equal(t, int64(4), failed.Error.Extra["exitCode"])
	assert.Equal(t, "nope\n", failed.Error.Extra["output"])
}

func TestRunShellScenarioWithBinaryOutput(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "latin1.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf 'caf\\351\\n'\nexit 2\n"), 0o755))

	s := New(helperOptions("shell")...)
	result, err := s.Run(context.Background(), &protocol.RunScenarios{FilePaths: []string{script}}, nil)
	require.NoError(t, err)

	require.Len(t, result.Scenarios, 1)
	failed := result.Scenarios[0]
	assert.Equal(t, protocol.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, int64(2), failed.Error.Extra["exitCode"])
	assert.Equal(t, "caf\uFFFD\n", failed.Error.Extra["output"])
}

func TestPendingConnectionWinsLateAccept(t *testing.T) {
	l, port, err := inet.ListenLoopback()
	require.NoError(t, err)
	defer l.Close()

	// the worker connected but the accept goroutine has not run yet
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	c := &child{log: zap.NewNop().Sugar(), listener: l, acceptCh: make(chan acceptResult, 1)}
	go c.accept()
	var res acceptResult
	require.True(t, c.pendingConnection(&res))
	require.NotNil(t, res.conn)
	assert.NoError(t, res.conn.Close())
}

func TestPendingConnectionWithNothingQueued(t *testing.T) {
	l, _, err := inet.ListenLoopback()
	require.NoError(t, err)
	defer l.Close()

	c := &child{log: zap.NewNop().Sugar(), listener: l, acceptCh: make(chan acceptResult, 1)}
	go c.accept()
	start := time.Now()
	var res acceptResult
	assert.False(t, c.pendingConnection(&res))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSlowConnectStillWins(t *testing.T) {
	s := New(helperOptions("slow-connect")...)
	result, err := s.Run(context.Background(), &protocol.RunScenarios{FilePaths: []string{"/s/a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Passed)
}

func TestSlowConnectTimesOutAtDeadline(t *testing.T) {
	s := New(append(helperOptions("slow-connect"), WithConnectTimeout(50*time.Millisecond))...)
	start := time.Now()
	_, err := s.Run(context.Background(), &protocol.RunScenarios{FilePaths: []string{"/s/a"}}, nil)
	require.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestPrematureExit(t *testing.T) {
	scripts := &trackingScripts{}
	s := New(
		WithExecutable("sh"),
		WithArgs("-c", "exit 3", "sh"),
		WithScriptProvider(scripts),
	)
	rep := &recordingReporter{}
	start := time.Now()
	_, err := s.Run(context.Background(), &protocol.RunScenarios{}, rep)
	require.ErrorIs(t, err, ErrPrematureExit)
	assert.NotErrorIs(t, err, ErrConnectionTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Empty(t, rep.Calls())
	scripts.assertRemoved(t)
}

func TestConnectionTimeout(t *testing.T) {
	s := New(
		WithExecutable("sh"),
		WithArgs("-c", "exec sleep 30", "sh"),
		WithConnectTimeout(100*time.Millisecond),
	)
	start := time.Now()
	_, err := s.Run(context.Background(), &protocol.RunScenarios{}, nil)
	require.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMissingExecutable(t *testing.T) {
	s := New(WithExecutable(filepath.Join(t.TempDir(), "nope")))
	_, err := s.Run(context.Background(), &protocol.RunScenarios{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting worker")
}

func TestNotStartedWhenAlreadyCancelled(t *testing.T) {
	called := false
	s := New(WithScriptProvider(ScriptProviderFunc(func(string, *protocol.RunScenarios) (string, error) {
		called = true
		return "", errors.New("should not be called")
	})))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx, &protocol.RunScenarios{}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCancelSendsAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &recordingReporter{onCall: func(call string) {
		if call == "run-start 2" {
			cancel()
		}
	}}

	s := New(helperOptions("block")...)
	result, err := s.Run(ctx, &protocol.RunScenarios{FilePaths: []string{"/s/a", "/s/b"}}, rep)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 2, result.Skipped)
	assert.Contains(t, rep.Calls(), "scenario-end a skipped")
}

func TestCancelKillsUnresponsiveWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &recordingReporter{onCall: func(call string) {
		if call == "run-start 1" {
			cancel()
		}
	}}

	s := New(append(helperOptions("ignore-abort"), WithAbortGrace(200*time.Millisecond))...)
	start := time.Now()
	_, err := s.Run(ctx, &protocol.RunScenarios{FilePaths: []string{"/s/a"}}, rep)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMisbehavingWorkers(t *testing.T) {
	cases := []struct {
		mode  string
		check func(t *testing.T, err error)
	}{
		{
			mode:  "bad-message",
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, protocol.ErrProtocolViolation) },
		},
		{
			mode: "event-before-ready",
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, protocol.ErrProtocolViolation)
				assert.Contains(t, err.Error(), "before ready")
			},
		},
		{
			mode: "wrong-version",
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, protocol.ErrProtocolViolation)
				assert.Contains(t, err.Error(), "version")
			},
		},
		{
			mode:  "hangup",
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, ErrUnexpectedTermination) },
		},
		{
			mode: "connect-and-exit",
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrUnexpectedTermination)
				assert.NotErrorIs(t, err, ErrPrematureExit)
			},
		},
		{
			mode: "panic",
			check: func(t *testing.T, err error) {
				var remote *protocol.RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, "Panic", remote.Err.Name)
				assert.Contains(t, remote.Err.Message, "index out of range")
				assert.Contains(t, remote.Err.Stack, "namedExecutor")
			},
		},
		{
			mode: "error",
			check: func(t *testing.T, err error) {
				var remote *protocol.RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Contains(t, remote.Err.Message, "scenario directory is on fire")
				assert.NotEmpty(t, remote.Err.Stack)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.mode, func(t *testing.T) {
			rep := &recordingReporter{}
			s := New(helperOptions(c.mode)...)
			result, err := s.Run(context.Background(), &protocol.RunScenarios{FilePaths: []string{"/s/a"}}, rep)
			assert.Nil(t, result)
			c.check(t, err)
			assert.Empty(t, rep.Calls())
		})
	}
}

func TestRunBatches(t *testing.T) {
	s := New(append(helperOptions("ok"), WithLogger(zap.NewNop().Sugar()))...)
	files := []string{"/s/a", "/s/b", "/s/failing-c", "/s/d", "/s/e"}

	var batches []Batch
	for i, part := range Split(files, 2) {
		batches = append(batches, Batch{
			Name:    fmt.Sprintf("batch-%d", i),
			Command: &protocol.RunScenarios{FilePaths: part},
		})
	}
	results, err := s.RunBatches(context.Background(), batches, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	merged := Merge("all", results)
	assert.Equal(t, "all", merged.RunID)
	assert.Equal(t, 4, merged.Passed)
	assert.Equal(t, 1, merged.Failed)
	require.Len(t, merged.Scenarios, 5)
	assert.Equal(t, "a", merged.Scenarios[0].Name)
	assert.Equal(t, "e", merged.Scenarios[4].Name)
}

func TestRunBatchesCollectsErrors(t *testing.T) {
	s := New(WithExecutable("sh"), WithArgs("-c", "exit 1", "sh"))
	results, err := s.RunBatches(context.Background(), []Batch{
		{Name: "one", Command: &protocol.RunScenarios{}},
		{Name: "two", Command: &protocol.RunScenarios{}},
	}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrematureExit)
	assert.Contains(t, err.Error(), "batch one")
	assert.Contains(t, err.Error(), "batch two")
	require.Len(t, results, 2)
	assert.Nil(t, results[0].Result)
}

func TestSplit(t *testing.T) {
	cases := []struct {
		name     string
		paths    []string
		n        int
		expected [][]string
	}{
		{name: "even", paths: []string{"a", "b", "c", "d"}, n: 2, expected: [][]string{{"a", "b"}, {"c", "d"}}},
		{name: "uneven", paths: []string{"a", "b", "c"}, n: 2, expected: [][]string{{"a"}, {"b", "c"}}},
		{name: "more batches than paths", paths: []string{"a", "b"}, n: 5, expected: [][]string{{"a"}, {"b"}}},
		{name: "zero means one per path", paths: []string{"a", "b"}, n: 0, expected: [][]string{{"a"}, {"b"}}},
		{name: "one", paths: []string{"a", "b"}, n: 1, expected: [][]string{{"a", "b"}}},
		{name: "empty", paths: nil, n: 3, expected: [][]string{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, Split(c.paths, c.n))
		})
	}
}

func TestReportersFanOut(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	rs := Reporters{a, b}
	info := protocol.ScenarioInfo{Name: "x"}

	assert.True(t, dispatch(rs, &protocol.ScenarioStarted{Scenario: info}))
	assert.True(t, dispatch(rs, &protocol.StepStarted{Scenario: info, Step: protocol.StepInfo{Name: "s"}}))
	assert.False(t, dispatch(rs, &protocol.Ready{Version: protocol.Version}))

	expected := []string{"scenario-start x", "step-start x/s"}
	assert.Equal(t, expected, a.Calls())
	assert.Equal(t, expected, b.Calls())
}

func TestResolveScriptProvider(t *testing.T) {
	log := zap.NewNop().Sugar()

	p, err := ResolveScriptProvider("", log)
	require.NoError(t, err)
	assert.IsType(t, ManifestProvider{}, p)

	p, err = ResolveScriptProvider(filepath.Join(t.TempDir(), "missing.tmpl"), log)
	require.NoError(t, err)
	assert.IsType(t, ManifestProvider{}, p)

	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "entry.tmpl")
	require.NoError(t, os.WriteFile(tmplPath, []byte("run_id = {{ printf \"%q\" .RunID }}\nprotocol_version = {{ .ProtocolVersion }}\n"), 0o644))
	p, err = ResolveScriptProvider(tmplPath, log)
	require.NoError(t, err)
	require.IsType(t, TemplateProvider{}, p)

	out := t.TempDir()
	path, err := p.WriteScript(out, &protocol.RunScenarios{RunID: "r-7", LogLevel: protocol.LogWarn})
	require.NoError(t, err)
	entry, err := protocol.ReadEntry(path)
	require.NoError(t, err)
	assert.Equal(t, "r-7", entry.RunID)
	assert.Equal(t, protocol.LogInfo, entry.LogLevel)

	bad := filepath.Join(dir, "bad.tmpl")
	require.NoError(t, os.WriteFile(bad, []byte("{{ .Nope"), 0o644))
	_, err = ResolveScriptProvider(bad, log)
	require.Error(t, err)
}

func TestManifestProvider(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	path, err := ManifestProvider{Now: func() time.Time { return now }}.WriteScript(dir, &protocol.RunScenarios{RunID: "r-1", LogLevel: protocol.LogDebug})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, protocol.EntryFileName), path)

	entry, err := protocol.ReadEntry(path)
	require.NoError(t, err)
	assert.Equal(t, "r-1", entry.RunID)
	assert.Equal(t, protocol.Version, entry.ProtocolVersion)
	assert.Equal(t, protocol.LogDebug, entry.LogLevel)
	assert.True(t, now.Equal(entry.CreatedAt))
}
