package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guseggert/scenariorunner/protocol"
)

// console prints progress as it arrives. Batches share one console, so writes are serialized.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// batch returns the reporter for one batch. Lines are prefixed with the batch name when there is more than one.
func (c *console) batch(prefix string) *batchReporter {
	return &batchReporter{c: c, prefix: prefix}
}

func (c *console) summary(r *protocol.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ie := range r.ImportErrors {
		fmt.Fprintf(c.out, "IMPORT ERROR %s: %s\n", ie.File, ie.Error)
	}
	for _, s := range r.Scenarios {
		if s.Status != protocol.StatusFailed {
			continue
		}
		fmt.Fprintf(c.out, "FAILED %s (%s)\n", s.Name, s.File)
		if s.Error != nil {
			fmt.Fprintf(c.out, "    %s\n", s.Error)
		}
	}
	status := "ok"
	if r.Aborted {
		status = "aborted"
	} else if !r.OK() {
		status = "failed"
	}
	fmt.Fprintf(c.out, "%s: %d passed, %d failed, %d skipped, %d import errors in %s\n",
		status, r.Passed, r.Failed, r.Skipped, len(r.ImportErrors), time.Duration(r.DurationMs)*time.Millisecond)
}

type batchReporter struct {
	c      *console
	prefix string
}

func (b *batchReporter) line(format string, args ...any) {
	b.c.printf(b.prefix+format+"\n", args...)
}

func (b *batchReporter) OnRunStart(runID string, scenarios []protocol.ScenarioInfo) {
	b.line("run %s: %d scenarios", runID, len(scenarios))
}

func (b *batchReporter) OnRunEnd(result *protocol.RunResult) {
	b.line("run %s finished: %d passed, %d failed, %d skipped", result.RunID, result.Passed, result.Failed, result.Skipped)
}

func (b *batchReporter) OnScenarioStart(s protocol.ScenarioInfo) {
	if b.c.verbose {
		b.line("RUN  %s", s.Name)
	}
}

func (b *batchReporter) OnScenarioEnd(r *protocol.ScenarioResult) {
	switch r.Status {
	case protocol.StatusPassed:
		b.line("PASS %s (%dms)", r.Name, r.DurationMs)
	case protocol.StatusFailed:
		b.line("FAIL %s (%dms)", r.Name, r.DurationMs)
	case protocol.StatusSkipped:
		b.line("SKIP %s", r.Name)
	}
}

func (b *batchReporter) OnStepStart(s protocol.ScenarioInfo, step protocol.StepInfo) {
	if b.c.verbose {
		b.line("  step %d %s", step.Index, step.Name)
	}
}

func (b *batchReporter) OnStepEnd(s protocol.ScenarioInfo, r *protocol.StepResult) {
	if b.c.verbose || r.Status == protocol.StatusFailed {
		b.line("  step %d %s: %s after %d attempt(s)", r.Index, r.Name, r.Status, r.Attempts)
	}
}
