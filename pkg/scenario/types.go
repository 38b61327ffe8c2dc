package scenario

import (
	"context"
	"fmt"
	"time"
)

// StepKind classifies a recorded step.
type StepKind string

const (
	StepAction    StepKind = "action"
	StepWait      StepKind = "wait"
	StepAssertion StepKind = "assertion"
	StepComment   StepKind = "comment"
	StepTeardown  StepKind = "teardown"
)

// StepStatus is the result of a step. Comments are always StepInfo.
type StepStatus string

const (
	StepPassed StepStatus = "passed"
	StepFailed StepStatus = "failed"
	StepInfo   StepStatus = "info"
)

// State is the lifecycle state of a scenario.
type State string

const (
	StateNotStarted  State = "not_started"
	StateRunning     State = "running"
	StateTearingDown State = "tearing_down"
	StatePassed      State = "passed"
	StateFailed      State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StatePassed || s == StateFailed
}

// Step is one recorded event in a scenario.
type Step struct {
	Seq       int           `json:"seq"`
	Kind      StepKind      `json:"kind"`
	Name      string        `json:"name"`
	Status    StepStatus    `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Expected  string        `json:"expected,omitempty"`
	Observed  string        `json:"observed,omitempty"`
	Diff      string        `json:"diff,omitempty"`
	Error     string        `json:"error,omitempty"`
	// Attempts is set on wait steps.
	Attempts int `json:"attempts,omitempty"`
}

// AssertionFailure is a comparison that did not hold, or a wait that ran
// out of budget, with the values that caused it.
type AssertionFailure struct {
	Message  string
	Expected string
	Observed string
	Diff     string
}

func (e *AssertionFailure) Error() string {
	switch {
	case e.Diff != "":
		return fmt.Sprintf("%s\n(-observed +expected):\n%s", e.Message, e.Diff)
	case e.Expected != "" || e.Observed != "":
		return fmt.Sprintf("%s: expected %s, observed %s", e.Message, e.Expected, e.Observed)
	default:
		return e.Message
	}
}

// Scenario is one ordered sequence of actions, waits and assertions
// against a device.
type Scenario struct {
	Title string
	Run   func(ctx context.Context, t *T) error
}

// Suite groups scenarios that share setup.
type Suite struct {
	Title string
	// Setup runs once before the scenarios. A setup error fails every
	// scenario of the suite without running it.
	Setup     func(ctx context.Context) error
	Scenarios []Scenario
}

// Result is the outcome of one scenario.
type Result struct {
	Suite          string        `json:"suite"`
	Title          string        `json:"title"`
	State          State         `json:"state"`
	Failure        error         `json:"-"`
	Steps          []Step        `json:"steps"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	TeardownErrors []error       `json:"-"`
}

// Passed reports whether the scenario passed.
func (r Result) Passed() bool {
	return r.State == StatePassed
}

// FailureMessage returns the failure text, or "".
func (r Result) FailureMessage() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Error()
}

// SuiteResult collects the scenario results of one suite.
type SuiteResult struct {
	Title     string   `json:"title"`
	SetupErr  error    `json:"-"`
	Scenarios []Result `json:"scenarios"`
}

// Passed reports whether every scenario passed.
func (s SuiteResult) Passed() bool {
	if s.SetupErr != nil {
		return false
	}
	for _, r := range s.Scenarios {
		if !r.Passed() {
			return false
		}
	}
	return true
}

// Report is the outcome of a run over one device.
type Report struct {
	RunID     string        `json:"run_id"`
	Device    string        `json:"device"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Suites    []SuiteResult `json:"suites"`
}

// Passed reports whether every suite passed.
func (r *Report) Passed() bool {
	for _, s := range r.Suites {
		if !s.Passed() {
			return false
		}
	}
	return true
}

// Counts returns the number of passed and failed scenarios.
func (r *Report) Counts() (passed, failed int) {
	for _, s := range r.Suites {
		for _, sc := range s.Scenarios {
			if sc.Passed() {
				passed++
			} else {
				failed++
			}
		}
	}
	return passed, failed
}
