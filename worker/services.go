package worker

import (
	"context"
	"time"

	"github.com/guseggert/scenariorunner/protocol"
)

// Scenario is a loaded scenario definition. Payload belongs to the Loader that produced it and is passed through to
// the Executor untouched.
type Scenario struct {
	Name    string
	File    string
	Payload any
}

func (s Scenario) Info() protocol.ScenarioInfo {
	return protocol.ScenarioInfo{Name: s.Name, File: s.File}
}

// Loader turns scenario files into scenarios. A file that cannot be loaded is reported as an import error, not as
// a failure of the whole load.
type Loader interface {
	Load(ctx context.Context, paths []string) ([]Scenario, []protocol.ImportError, error)
}

// Selector narrows loaded scenarios down to the ones to run.
type Selector interface {
	Select(scenarios []Scenario, selectors []string, rerun []protocol.ScenarioRef) ([]Scenario, error)
}

// Plan is what an Executor runs. Zero limits mean unlimited.
type Plan struct {
	Scenarios    []Scenario
	Concurrency  int
	FailureLimit int
	Timeout      time.Duration
	StepDefaults protocol.StepDefaults
}

// Progress receives callbacks while a plan runs. Implementations must be safe for concurrent use.
type Progress interface {
	ScenarioStarted(scenario protocol.ScenarioInfo)
	StepStarted(scenario protocol.ScenarioInfo, step protocol.StepInfo)
	StepFinished(scenario protocol.ScenarioInfo, result protocol.StepResult)
	ScenarioFinished(result protocol.ScenarioResult)
}

// Executor runs a plan. It returns one result per scenario in plan order, including scenarios it skipped. When ctx is
// cancelled it stops starting scenarios and returns what it has together with ctx.Err().
type Executor interface {
	Execute(ctx context.Context, plan Plan, progress Progress) ([]protocol.ScenarioResult, error)
}
