// Package shellexec runs scenarios that are plain executable files. Each file is one scenario with one step; the step
// passes when the file exits with status 0.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/guseggert/scenariorunner/protocol"
	"github.com/guseggert/scenariorunner/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// outputLimit caps how much of a failing step's output is attached to its error.
const outputLimit = 4096

type Loader struct{}

func (Loader) Load(ctx context.Context, paths []string) ([]worker.Scenario, []protocol.ImportError, error) {
	var (
		scenarios  []worker.Scenario
		importErrs []protocol.ImportError
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving %q: %w", p, err)
		}
		if err := checkExecutable(abs); err != nil {
			importErrs = append(importErrs, protocol.ImportError{File: abs, Error: protocol.FromError(err)})
			continue
		}
		scenarios = append(scenarios, worker.Scenario{Name: filepath.Base(abs), File: abs, Payload: abs})
	}
	return scenarios, importErrs, nil
}

var ErrNotExecutable = errors.New("not an executable file")

func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotExecutable)
	}
	return nil
}

// StepError is a step that ran and exited unsuccessfully.
type StepError struct {
	ExitCode int
	Output   []byte
	Err      error
}

func (e *StepError) Error() string { return e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) ErrorExtra() map[string]any {
	return map[string]any{"exitCode": e.ExitCode, "output": tail(e.Output, outputLimit)}
}

// tail returns at most the last limit bytes of out as text. Bytes that are not
// UTF-8 become U+FFFD, and the cut never splits a character.
func tail(out []byte, limit int) string {
	if len(out) > limit {
		out = out[len(out)-limit:]
		for i := 0; i < utf8.UTFMax && len(out) > 0 && !utf8.RuneStart(out[0]); i++ {
			out = out[1:]
		}
	}
	return strings.ToValidUTF8(string(out), "\uFFFD")
}

type Executor struct {
	Log *zap.SugaredLogger
	// Env is added to the environment of every step.
	Env []string
}

func (e *Executor) log() *zap.SugaredLogger {
	if e.Log == nil {
		return zap.NewNop().Sugar()
	}
	return e.Log.Named("shellexec")
}

func (e *Executor) Execute(ctx context.Context, plan worker.Plan, progress worker.Progress) ([]protocol.ScenarioResult, error) {
	runCtx := ctx
	if plan.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, plan.Timeout)
		defer cancel()
	}

	results := make([]protocol.ScenarioResult, len(plan.Scenarios))
	var failures atomic.Int64
	var g errgroup.Group
	if plan.Concurrency > 0 {
		g.SetLimit(plan.Concurrency)
	}
	for i, sc := range plan.Scenarios {
		i, sc := i, sc
		g.Go(func() error {
			if runCtx.Err() != nil || (plan.FailureLimit > 0 && failures.Load() >= int64(plan.FailureLimit)) {
				results[i] = protocol.ScenarioResult{Name: sc.Name, File: sc.File, Status: protocol.StatusSkipped}
				progress.ScenarioFinished(results[i])
				return nil
			}
			progress.ScenarioStarted(sc.Info())
			res := e.runScenario(runCtx, sc, plan.StepDefaults, progress)
			if res.Status == protocol.StatusFailed {
				failures.Add(1)
			}
			results[i] = res
			progress.ScenarioFinished(res)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Executor) runScenario(ctx context.Context, sc worker.Scenario, defaults protocol.StepDefaults, progress worker.Progress) protocol.ScenarioResult {
	info := sc.Info()
	step := protocol.StepInfo{Name: sc.Name, Index: 0}
	progress.StepStarted(info, step)

	start := time.Now()
	var err error
	attempts := 0
	for attempts <= defaults.Retries {
		attempts++
		err = e.runOnce(ctx, sc, time.Duration(defaults.TimeoutMs)*time.Millisecond)
		if err == nil || ctx.Err() != nil {
			break
		}
		e.log().Debugf("%s failed on attempt %d: %s", sc.Name, attempts, err)
	}

	sr := protocol.StepResult{
		Name:       step.Name,
		Index:      step.Index,
		Status:     protocol.StatusPassed,
		DurationMs: time.Since(start).Milliseconds(),
		Attempts:   attempts,
	}
	if err != nil {
		sr.Status = protocol.StatusFailed
		sr.Error = stepError(err)
	}
	progress.StepFinished(info, sr)

	return protocol.ScenarioResult{
		Name:       sc.Name,
		File:       sc.File,
		Status:     sr.Status,
		DurationMs: sr.DurationMs,
		Steps:      []protocol.StepResult{sr},
		Error:      sr.Error,
	}
}

func (e *Executor) runOnce(ctx context.Context, sc worker.Scenario, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	path, _ := sc.Payload.(string)
	if path == "" {
		path = sc.File
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = filepath.Dir(path)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, "SCENARIO_NAME="+sc.Name)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	stepErr := &StepError{ExitCode: -1, Output: out.Bytes(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		stepErr.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		stepErr.Err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return stepErr
}

func stepError(err error) *protocol.StructuredError {
	se := protocol.FromError(err)
	// the worker's own stack says nothing about a script
	se.Stack = ""
	return se
}
