package supervisor

import (
	"context"
	"fmt"

	"github.com/guseggert/scenariorunner/protocol"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Batch is one worker's share of a run.
type Batch struct {
	Name     string
	Command  *protocol.RunScenarios
	Reporter Reporter
}

type BatchResult struct {
	Name   string
	Result *protocol.RunResult
	Err    error
}

// RunBatches runs each batch in its own worker, at most parallel at a time (0 means all at once).
// A failing batch does not stop the others. The returned error combines every batch error.
func (s *Supervisor) RunBatches(ctx context.Context, batches []Batch, parallel int) ([]BatchResult, error) {
	results := make([]BatchResult, len(batches))
	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			res, err := s.Run(ctx, b.Command, b.Reporter)
			if err != nil {
				err = fmt.Errorf("batch %s: %w", b.Name, err)
			}
			results[i] = BatchResult{Name: b.Name, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var err error
	for _, r := range results {
		err = multierr.Append(err, r.Err)
	}
	return results, err
}

// Split divides paths into at most n batches of near equal size, keeping their order.
func Split(paths []string, n int) [][]string {
	if n <= 0 || n > len(paths) {
		n = len(paths)
	}
	out := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		lo := i * len(paths) / n
		hi := (i + 1) * len(paths) / n
		out = append(out, paths[lo:hi])
	}
	return out
}

// Merge combines batch results into one, recomputing the counters.
func Merge(runID string, results []BatchResult) *protocol.RunResult {
	merged := &protocol.RunResult{RunID: runID}
	for _, r := range results {
		if r.Result == nil {
			continue
		}
		if merged.StartedAt.IsZero() || r.Result.StartedAt.Before(merged.StartedAt) {
			merged.StartedAt = r.Result.StartedAt
		}
		if r.Result.DurationMs > merged.DurationMs {
			merged.DurationMs = r.Result.DurationMs
		}
		merged.Scenarios = append(merged.Scenarios, r.Result.Scenarios...)
		merged.ImportErrors = append(merged.ImportErrors, r.Result.ImportErrors...)
		merged.Aborted = merged.Aborted || r.Result.Aborted
	}
	merged.Tally()
	return merged
}
