package scenario

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dutkit/dutkit/pkg/poll"
	"github.com/dutkit/dutkit/pkg/telemetry"
)

// T is the handle a scenario body uses to record steps.
type T struct {
	ctx    context.Context
	runID  string
	suite  string
	title  string
	waiter *poll.Waiter

	mu        sync.Mutex
	state     State
	steps     []Step
	teardowns []teardown
	failure   error
}

type teardown struct {
	name string
	fn   func(ctx context.Context) error
}

func newT(ctx context.Context, runID, suite, title string, w *poll.Waiter) *T {
	if w == nil {
		w = poll.NewWaiter(poll.DefaultPolicy())
	}
	return &T{
		ctx:    ctx,
		runID:  runID,
		suite:  suite,
		title:  title,
		waiter: w,
		state:  StateNotStarted,
	}
}

// Context returns the scenario context.
func (t *T) Context() context.Context {
	return t.ctx
}

// Title returns the scenario title.
func (t *T) Title() string {
	return t.title
}

// Waiter returns the scenario's default waiter.
func (t *T) Waiter() *poll.Waiter {
	return t.waiter
}

// State returns the current lifecycle state.
func (t *T) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Failed reports whether the scenario has failed.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure != nil
}

// Steps returns a copy of the steps recorded so far.
func (t *T) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Step(nil), t.steps...)
}

// Comment records an informational step.
func (t *T) Comment(msg string) {
	t.record(Step{Kind: StepComment, Name: msg, Status: StepInfo, StartedAt: time.Now()})
}

// Progress implements poll.Reporter. The first attempt of a wait is
// recorded as a comment; later attempts are only logged.
func (t *T) Progress(description string, attempt, maxAttempts int) {
	if attempt == 1 {
		t.Comment("waiting: " + description)
		return
	}
	telemetry.FromContext(t.ctx).Zerolog().Info().
		Int("attempt", attempt).
		Int("max_attempts", maxAttempts).
		Msg(description)
}

// Is asserts that observed equals expected.
func (t *T) Is(observed, expected any, msg string) {
	t.assert(reflect.DeepEqual(observed, expected), msg, expected, observed, "")
}

// Equal is Is.
func (t *T) Equal(observed, expected any, msg string) {
	t.Is(observed, expected, msg)
}

// OK asserts that cond holds.
func (t *T) OK(cond bool, msg string) {
	t.assert(cond, msg, "true", "false", "")
}

// Same asserts deep structural equality and records a diff on mismatch.
func (t *T) Same(observed, expected any, msg string) {
	diff := cmp.Diff(observed, expected)
	t.assert(diff == "", msg, expected, observed, diff)
}

// NoError fails the scenario when err is non-nil.
func (t *T) NoError(err error, msg string) {
	if err == nil {
		return
	}
	t.Fatal(fmt.Errorf("%s: %w", msg, err))
}

// Fatal records err as the scenario failure and stops the scenario.
func (t *T) Fatal(err error) {
	t.failNow(err)
}

// Teardown registers fn to run after the scenario body. Teardowns run
// last-registered first.
func (t *T) Teardown(name string, fn func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardowns = append(t.teardowns, teardown{name: name, fn: fn})
}

// Act runs a mutating action step. An error fails the scenario.
func (t *T) Act(name string, fn func(ctx context.Context) error) {
	start := time.Now()
	err := fn(t.ctx)
	step := Step{Kind: StepAction, Name: name, StartedAt: start, Duration: time.Since(start), Status: StepPassed}
	if err == nil {
		t.record(step)
		return
	}
	step.Status = StepFailed
	step.Error = err.Error()
	t.record(step)
	t.failNow(fmt.Errorf("%s: %w", name, err))
}

func (t *T) assert(ok bool, msg string, expected, observed any, diff string) {
	step := Step{
		Kind:      StepAssertion,
		Name:      msg,
		Status:    StepPassed,
		StartedAt: time.Now(),
	}
	telemetry.MetricsFromContext(t.ctx).RecordAssertion(ok)
	if ok {
		t.record(step)
		return
	}
	failure := &AssertionFailure{
		Message:  msg,
		Expected: fmt.Sprintf("%v", expected),
		Observed: fmt.Sprintf("%v", observed),
		Diff:     diff,
	}
	step.Status = StepFailed
	step.Expected = failure.Expected
	step.Observed = failure.Observed
	step.Diff = diff
	t.record(step)
	t.failNow(failure)
}

// failNow sets the failure, keeping the first one, and exits the
// scenario goroutine.
func (t *T) failNow(err error) {
	t.setFailure(err)
	runtime.Goexit()
}

func (t *T) setFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == nil {
		t.failure = err
	}
}

func (t *T) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *T) record(step Step) {
	t.mu.Lock()
	step.Seq = len(t.steps) + 1
	t.steps = append(t.steps, step)
	t.mu.Unlock()

	logger := telemetry.FromContext(t.ctx).Zerolog()
	ev := logger.Info()
	if step.Status == StepFailed {
		ev = logger.Error()
	}
	ev = ev.Str("kind", string(step.Kind)).Str("status", string(step.Status))
	if step.Duration > 0 {
		ev = ev.Dur("duration", step.Duration)
	}
	if step.Error != "" {
		ev = ev.Str("error", step.Error)
	}
	if step.Expected != "" || step.Observed != "" {
		ev = ev.Str("expected", step.Expected).Str("observed", step.Observed)
	}
	ev.Msg(step.Name)

	if tel := telemetry.FromTelemetryContext(t.ctx); tel != nil {
		_ = tel.Events.PublishStep(t.runID, t.suite, t.title, string(step.Kind), step.Name, string(step.Status))
	}
}
