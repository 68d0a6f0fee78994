package supervisor

import "github.com/guseggert/scenariorunner/protocol"

// Reporter receives progress events in the order the worker sent them.
type Reporter interface {
	OnRunStart(runID string, scenarios []protocol.ScenarioInfo)
	OnRunEnd(result *protocol.RunResult)
	OnScenarioStart(scenario protocol.ScenarioInfo)
	OnScenarioEnd(result *protocol.ScenarioResult)
	OnStepStart(scenario protocol.ScenarioInfo, step protocol.StepInfo)
	OnStepEnd(scenario protocol.ScenarioInfo, result *protocol.StepResult)
}

type NopReporter struct{}

func (NopReporter) OnRunStart(string, []protocol.ScenarioInfo)            {}
func (NopReporter) OnRunEnd(*protocol.RunResult)                          {}
func (NopReporter) OnScenarioStart(protocol.ScenarioInfo)                 {}
func (NopReporter) OnScenarioEnd(*protocol.ScenarioResult)                {}
func (NopReporter) OnStepStart(protocol.ScenarioInfo, protocol.StepInfo)  {}
func (NopReporter) OnStepEnd(protocol.ScenarioInfo, *protocol.StepResult) {}

// Reporters fans each callback out to every reporter in order.
type Reporters []Reporter

func (rs Reporters) OnRunStart(runID string, scenarios []protocol.ScenarioInfo) {
	for _, r := range rs {
		r.OnRunStart(runID, scenarios)
	}
}

func (rs Reporters) OnRunEnd(result *protocol.RunResult) {
	for _, r := range rs {
		r.OnRunEnd(result)
	}
}

func (rs Reporters) OnScenarioStart(scenario protocol.ScenarioInfo) {
	for _, r := range rs {
		r.OnScenarioStart(scenario)
	}
}

func (rs Reporters) OnScenarioEnd(result *protocol.ScenarioResult) {
	for _, r := range rs {
		r.OnScenarioEnd(result)
	}
}

func (rs Reporters) OnStepStart(scenario protocol.ScenarioInfo, step protocol.StepInfo) {
	for _, r := range rs {
		r.OnStepStart(scenario, step)
	}
}

func (rs Reporters) OnStepEnd(scenario protocol.ScenarioInfo, result *protocol.StepResult) {
	for _, r := range rs {
		r.OnStepEnd(scenario, result)
	}
}

// dispatch forwards a non-terminal event. It reports false for events that have no callback.
func dispatch(r Reporter, ev protocol.Event) bool {
	switch e := ev.(type) {
	case *protocol.RunStarted:
		r.OnRunStart(e.RunID, e.Scenarios)
	case *protocol.ScenarioStarted:
		r.OnScenarioStart(e.Scenario)
	case *protocol.StepStarted:
		r.OnStepStart(e.Scenario, e.Step)
	case *protocol.StepFinished:
		r.OnStepEnd(e.Scenario, &e.Result)
	case *protocol.ScenarioFinished:
		r.OnScenarioEnd(&e.Result)
	case *protocol.RunFinished:
		r.OnRunEnd(&e.Result)
	default:
		return false
	}
	return true
}
