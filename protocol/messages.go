package protocol

import (
	"fmt"
	"time"
)

// Message is implemented by every command and event.
type Message interface {
	MessageType() Type
	toValue() map[string]any
}

// Command is a message sent from the supervisor to the worker.
type Command interface {
	Message
	command()
}

// Event is a message sent from the worker to the supervisor.
type Event interface {
	Message
	event()
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

func (s Status) valid() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ScenarioRef identifies a scenario by name and the file that defines it.
type ScenarioRef struct {
	Name string
	File string
}

// StepDefaults overrides per-step execution settings. Zero fields keep the executor's defaults.
type StepDefaults struct {
	TimeoutMs int64
	Retries   int
}

// RunScenarios asks the worker to load, select and execute scenarios.
// Zero limits mean unlimited and a zero timeout means none.
type RunScenarios struct {
	RunID        string
	FilePaths    []string
	Selectors    []string
	Concurrency  int
	FailureLimit int
	TimeoutMs    int64
	LogLevel     LogLevel
	StepDefaults *StepDefaults
	// RerunFilter, when set, restricts the run to exactly these scenarios.
	RerunFilter []ScenarioRef
}

// Abort asks the worker to stop starting new work and finish with a result.
type Abort struct {
	Reason string
}

type Ready struct {
	Version int
	PID     int
}

type ScenarioInfo struct {
	Name string
	File string
}

type StepInfo struct {
	Name  string
	Index int
}

type StepResult struct {
	Name       string
	Index      int
	Status     Status
	DurationMs int64
	Attempts   int
	Error      *StructuredError
}

type ScenarioResult struct {
	Name       string
	File       string
	Status     Status
	DurationMs int64
	Steps      []StepResult
	Error      *StructuredError
}

type ImportError struct {
	File  string
	Error *StructuredError
}

type RunResult struct {
	RunID        string
	StartedAt    time.Time
	DurationMs   int64
	Scenarios    []ScenarioResult
	ImportErrors []ImportError
	Passed       int
	Failed       int
	Skipped      int
	Aborted      bool
}

// Tally recomputes the status counters from Scenarios.
func (r *RunResult) Tally() {
	r.Passed, r.Failed, r.Skipped = 0, 0, 0
	for _, s := range r.Scenarios {
		switch s.Status {
		case StatusPassed:
			r.Passed++
		case StatusFailed:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
	}
}

// OK reports whether every selected scenario passed and every file loaded.
func (r *RunResult) OK() bool {
	return r.Failed == 0 && len(r.ImportErrors) == 0 && !r.Aborted
}

type RunStarted struct {
	RunID     string
	Scenarios []ScenarioInfo
}

type ScenarioStarted struct {
	Scenario ScenarioInfo
}

type StepStarted struct {
	Scenario ScenarioInfo
	Step     StepInfo
}

type StepFinished struct {
	Scenario ScenarioInfo
	Result   StepResult
}

type ScenarioFinished struct {
	Result ScenarioResult
}

type RunFinished struct {
	Result RunResult
}

// Result is the terminal event of a successful run, including runs with failing scenarios.
type Result struct {
	Result RunResult
}

// Error is the terminal event sent when the worker itself fails.
type Error struct {
	Err *StructuredError
}

func (*RunScenarios) MessageType() Type     { return TypeRunScenarios }
func (*Abort) MessageType() Type            { return TypeAbort }
func (*Ready) MessageType() Type            { return TypeReady }
func (*RunStarted) MessageType() Type       { return TypeRunStarted }
func (*ScenarioStarted) MessageType() Type  { return TypeScenarioStarted }
func (*StepStarted) MessageType() Type      { return TypeStepStarted }
func (*StepFinished) MessageType() Type     { return TypeStepFinished }
func (*ScenarioFinished) MessageType() Type { return TypeScenarioFinished }
func (*RunFinished) MessageType() Type      { return TypeRunFinished }
func (*Result) MessageType() Type           { return TypeResult }
func (*Error) MessageType() Type            { return TypeError }

func (*RunScenarios) command() {}
func (*Abort) command()        {}

func (*Ready) event()            {}
func (*RunStarted) event()       {}
func (*ScenarioStarted) event()  {}
func (*StepStarted) event()      {}
func (*StepFinished) event()     {}
func (*ScenarioFinished) event() {}
func (*RunFinished) event()      {}
func (*Result) event()           {}
func (*Error) event()            {}

func message(t Type, kv ...any) map[string]any {
	m := map[string]any{discriminator: string(t)}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func (c *RunScenarios) toValue() map[string]any {
	m := message(TypeRunScenarios,
		"runId", c.RunID,
		"filePaths", nonNil(c.FilePaths),
		"selectors", nonNil(c.Selectors),
		"concurrency", c.Concurrency,
		"failureLimit", c.FailureLimit,
		"timeoutMs", c.TimeoutMs,
		"logLevel", string(c.LogLevel),
	)
	if c.StepDefaults != nil {
		m["stepDefaults"] = map[string]any{
			"timeoutMs": c.StepDefaults.TimeoutMs,
			"retries":   c.StepDefaults.Retries,
		}
	}
	if c.RerunFilter != nil {
		refs := make([]any, len(c.RerunFilter))
		for i, r := range c.RerunFilter {
			refs[i] = map[string]any{"name": r.Name, "file": r.File}
		}
		m["rerunFilter"] = refs
	}
	return m
}

func (c *Abort) toValue() map[string]any {
	return message(TypeAbort, "reason", c.Reason)
}

func (e *Ready) toValue() map[string]any {
	return message(TypeReady, "version", e.Version, "pid", e.PID)
}

func (e *RunStarted) toValue() map[string]any {
	infos := make([]any, len(e.Scenarios))
	for i, s := range e.Scenarios {
		infos[i] = s.toValue()
	}
	return message(TypeRunStarted, "runId", e.RunID, "scenarios", infos)
}

func (e *ScenarioStarted) toValue() map[string]any {
	return message(TypeScenarioStarted, "scenario", e.Scenario.toValue())
}

func (e *StepStarted) toValue() map[string]any {
	return message(TypeStepStarted,
		"scenario", e.Scenario.toValue(),
		"step", map[string]any{"name": e.Step.Name, "index": e.Step.Index},
	)
}

func (e *StepFinished) toValue() map[string]any {
	return message(TypeStepFinished, "scenario", e.Scenario.toValue(), "result", e.Result.toValue())
}

func (e *ScenarioFinished) toValue() map[string]any {
	return message(TypeScenarioFinished, "result", e.Result.toValue())
}

func (e *RunFinished) toValue() map[string]any {
	return message(TypeRunFinished, "result", e.Result.toValue())
}

func (e *Result) toValue() map[string]any {
	return message(TypeResult, "result", e.Result.toValue())
}

func (e *Error) toValue() map[string]any {
	se := e.Err
	if se == nil {
		se = &StructuredError{Name: "Error", Message: "unknown worker error"}
	}
	return message(TypeError, "error", se.toValue())
}

func (s ScenarioInfo) toValue() map[string]any {
	return map[string]any{"name": s.Name, "file": s.File}
}

func (r StepResult) toValue() map[string]any {
	m := map[string]any{
		"name":       r.Name,
		"index":      r.Index,
		"status":     string(r.Status),
		"durationMs": r.DurationMs,
		"attempts":   r.Attempts,
	}
	if r.Error != nil {
		m["error"] = r.Error.toValue()
	}
	return m
}

func (r ScenarioResult) toValue() map[string]any {
	steps := make([]any, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = s.toValue()
	}
	m := map[string]any{
		"name":       r.Name,
		"file":       r.File,
		"status":     string(r.Status),
		"durationMs": r.DurationMs,
		"steps":      steps,
	}
	if r.Error != nil {
		m["error"] = r.Error.toValue()
	}
	return m
}

func (r RunResult) toValue() map[string]any {
	scenarios := make([]any, len(r.Scenarios))
	for i, s := range r.Scenarios {
		scenarios[i] = s.toValue()
	}
	importErrs := make([]any, len(r.ImportErrors))
	for i, ie := range r.ImportErrors {
		m := map[string]any{"file": ie.File}
		if ie.Error != nil {
			m["error"] = ie.Error.toValue()
		}
		importErrs[i] = m
	}
	return map[string]any{
		"runId":        r.RunID,
		"startedAt":    r.StartedAt,
		"durationMs":   r.DurationMs,
		"scenarios":    scenarios,
		"importErrors": importErrs,
		"passed":       r.Passed,
		"failed":       r.Failed,
		"skipped":      r.Skipped,
		"aborted":      r.Aborted,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// parse builds the typed message for an already validated discriminator.
func parse(t Type, m map[string]any) (Message, error) {
	f := newFields(t, m)
	var msg Message
	switch t {
	case TypeRunScenarios:
		msg = runScenariosFrom(f)
	case TypeAbort:
		msg = &Abort{Reason: f.str("reason")}
	case TypeReady:
		msg = &Ready{Version: int(f.int("version")), PID: int(f.int("pid"))}
	case TypeRunStarted:
		e := &RunStarted{RunID: f.str("runId")}
		for _, s := range f.objs("scenarios") {
			e.Scenarios = append(e.Scenarios, scenarioInfoFrom(s))
		}
		msg = e
	case TypeScenarioStarted:
		f.require("scenario")
		msg = &ScenarioStarted{Scenario: scenarioInfoFrom(f.obj("scenario"))}
	case TypeStepStarted:
		f.require("scenario", "step")
		e := &StepStarted{Scenario: scenarioInfoFrom(f.obj("scenario"))}
		if s := f.obj("step"); s != nil {
			e.Step = StepInfo{Name: s.str("name"), Index: s.count("index")}
		}
		msg = e
	case TypeStepFinished:
		f.require("scenario", "result")
		msg = &StepFinished{Scenario: scenarioInfoFrom(f.obj("scenario")), Result: stepResultFrom(f.obj("result"))}
	case TypeScenarioFinished:
		f.require("result")
		msg = &ScenarioFinished{Result: scenarioResultFrom(f.obj("result"))}
	case TypeRunFinished:
		f.require("result")
		msg = &RunFinished{Result: runResultFrom(f.obj("result"))}
	case TypeResult:
		f.require("result")
		msg = &Result{Result: runResultFrom(f.obj("result"))}
	case TypeError:
		f.require("error")
		msg = &Error{Err: structuredErrorFrom(f.obj("error"))}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, t)
	}
	if err := f.Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

func runScenariosFrom(f *fields) *RunScenarios {
	f.require("filePaths")
	c := &RunScenarios{
		RunID:        f.str("runId"),
		FilePaths:    f.strs("filePaths"),
		Selectors:    f.strs("selectors"),
		Concurrency:  f.count("concurrency"),
		FailureLimit: f.count("failureLimit"),
		TimeoutMs:    int64(f.count("timeoutMs")),
		LogLevel:     LogLevel(f.str("logLevel")),
	}
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
	if !c.LogLevel.Valid() {
		f.fail("logLevel", "unknown log level %q", c.LogLevel)
	}
	if d := f.obj("stepDefaults"); d != nil {
		c.StepDefaults = &StepDefaults{TimeoutMs: int64(d.count("timeoutMs")), Retries: d.count("retries")}
	}
	if _, ok := f.get("rerunFilter"); ok {
		c.RerunFilter = []ScenarioRef{}
		for _, r := range f.objs("rerunFilter") {
			c.RerunFilter = append(c.RerunFilter, ScenarioRef{Name: r.str("name"), File: r.str("file")})
		}
	}
	return c
}

func scenarioInfoFrom(f *fields) ScenarioInfo {
	if f == nil {
		return ScenarioInfo{}
	}
	return ScenarioInfo{Name: f.str("name"), File: f.str("file")}
}

func statusFrom(f *fields) Status {
	s := Status(f.str("status"))
	if !s.valid() {
		f.fail("status", "unknown status %q", s)
	}
	return s
}

func stepResultFrom(f *fields) StepResult {
	if f == nil {
		return StepResult{}
	}
	return StepResult{
		Name:       f.str("name"),
		Index:      f.count("index"),
		Status:     statusFrom(f),
		DurationMs: f.int("durationMs"),
		Attempts:   f.count("attempts"),
		Error:      structuredErrorFrom(f.obj("error")),
	}
}

func scenarioResultFrom(f *fields) ScenarioResult {
	if f == nil {
		return ScenarioResult{}
	}
	r := ScenarioResult{
		Name:       f.str("name"),
		File:       f.str("file"),
		Status:     statusFrom(f),
		DurationMs: f.int("durationMs"),
		Error:      structuredErrorFrom(f.obj("error")),
	}
	for _, s := range f.objs("steps") {
		r.Steps = append(r.Steps, stepResultFrom(s))
	}
	return r
}

func runResultFrom(f *fields) RunResult {
	if f == nil {
		return RunResult{}
	}
	r := RunResult{
		RunID:      f.str("runId"),
		StartedAt:  f.time("startedAt"),
		DurationMs: f.int("durationMs"),
		Passed:     f.count("passed"),
		Failed:     f.count("failed"),
		Skipped:    f.count("skipped"),
		Aborted:    f.bool("aborted"),
	}
	for _, s := range f.objs("scenarios") {
		r.Scenarios = append(r.Scenarios, scenarioResultFrom(s))
	}
	for _, ie := range f.objs("importErrors") {
		r.ImportErrors = append(r.ImportErrors, ImportError{File: ie.str("file"), Error: structuredErrorFrom(ie.obj("error"))})
	}
	return r
}
