package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dutkit/dutkit/pkg/poll"
	"github.com/dutkit/dutkit/pkg/telemetry"
)

// DefaultTeardownTimeout bounds each teardown function.
const DefaultTeardownTimeout = 2 * time.Minute

// Recorder persists run progress. Recorder errors are logged and never
// fail a run.
type Recorder interface {
	RunStarted(ctx context.Context, report *Report, suites []string) error
	ScenarioFinished(ctx context.Context, runID string, result Result) error
	RunFinished(ctx context.Context, report *Report) error
}

// Runner executes suites against one device, sequentially.
type Runner struct {
	device          string
	runID           string
	waiter          *poll.Waiter
	recorder        Recorder
	filter          string
	teardownTimeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWaiter sets the default waiter handed to every scenario.
func WithWaiter(w *poll.Waiter) RunnerOption {
	return func(r *Runner) { r.waiter = w }
}

// WithRecorder persists results through rec.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithFilter runs only scenarios whose title contains substr.
func WithFilter(substr string) RunnerOption {
	return func(r *Runner) { r.filter = substr }
}

// WithTeardownTimeout bounds each teardown function.
func WithTeardownTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.teardownTimeout = d }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) RunnerOption {
	return func(r *Runner) { r.runID = id }
}

// NewRunner creates a runner for the device with the given UUID.
func NewRunner(device string, opts ...RunnerOption) *Runner {
	r := &Runner{
		device:          device,
		waiter:          poll.NewWaiter(poll.DefaultPolicy()),
		teardownTimeout: DefaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.New().String()
	}
	return r
}

// RunID returns the id of the run.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes the suites in order and returns the report. The error is
// non-nil only when ctx ended the run early; scenario failures are in the
// report.
func (r *Runner) Run(ctx context.Context, suites ...Suite) (*Report, error) {
	logger := telemetry.FromContext(ctx).WithRunID(r.runID).WithDevice(r.device)
	ctx = logger.WithContext(ctx)
	events := eventsFrom(ctx)

	report := &Report{RunID: r.runID, Device: r.device, StartedAt: time.Now()}
	titles := make([]string, 0, len(suites))
	for _, s := range suites {
		titles = append(titles, s.Title)
	}

	_ = events.PublishRunStarted(r.runID, r.device, titles)
	if r.recorder != nil {
		if err := r.recorder.RunStarted(ctx, report, titles); err != nil {
			logger.Zerolog().Warn().Err(err).Msg("failed to record run start")
		}
	}
	logger.Zerolog().Info().Strs("suites", titles).Msg("run started")

	var runErr error
	for _, suite := range suites {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		report.Suites = append(report.Suites, r.runSuite(ctx, suite))
	}

	report.Duration = time.Since(report.StartedAt)
	status := string(StatePassed)
	if runErr != nil || !report.Passed() {
		status = string(StateFailed)
	}
	_ = events.PublishRunCompleted(r.runID, status, report.Duration)
	if r.recorder != nil {
		if err := r.recorder.RunFinished(context.WithoutCancel(ctx), report); err != nil {
			logger.Zerolog().Warn().Err(err).Msg("failed to record run end")
		}
	}

	passed, failed := report.Counts()
	logger.Zerolog().Info().
		Str("status", status).
		Int("passed", passed).
		Int("failed", failed).
		Dur("duration", report.Duration).
		Msg("run completed")
	return report, runErr
}

func (r *Runner) runSuite(ctx context.Context, suite Suite) SuiteResult {
	result := SuiteResult{Title: suite.Title}
	logger := telemetry.FromContext(ctx).Zerolog()

	var scenarios []Scenario
	for _, sc := range suite.Scenarios {
		if r.filter == "" || strings.Contains(sc.Title, r.filter) {
			scenarios = append(scenarios, sc)
		}
	}
	if len(scenarios) == 0 {
		return result
	}

	if suite.Setup != nil {
		if err := suite.Setup(ctx); err != nil {
			logger.Error().Err(err).Str("suite", suite.Title).Msg("suite setup failed")
			result.SetupErr = err
			for _, sc := range scenarios {
				res := Result{
					Suite:     suite.Title,
					Title:     sc.Title,
					State:     StateFailed,
					Failure:   fmt.Errorf("suite setup: %w", err),
					StartedAt: time.Now(),
				}
				r.finish(ctx, res)
				result.Scenarios = append(result.Scenarios, res)
			}
			return result
		}
	}

	for _, sc := range scenarios {
		if ctx.Err() != nil {
			break
		}
		result.Scenarios = append(result.Scenarios, r.runScenario(ctx, suite.Title, sc))
	}
	return result
}

func (r *Runner) runScenario(ctx context.Context, suite string, sc Scenario) Result {
	start := time.Now()
	sctx := telemetry.WithScenarioContext(ctx, r.runID, suite, sc.Title, r.device)
	t := newT(sctx, r.runID, suite, sc.Title, r.waiter)

	t.setState(StateRunning)
	r.body(t, sc)

	t.setState(StateTearingDown)
	teardownErrs := r.teardown(t)

	state := StatePassed
	failure := t.failure
	if failure != nil {
		state = StateFailed
	}
	t.setState(state)

	telemetry.EndScenarioContext(sctx, r.runID, suite, sc.Title, string(state), failure)
	res := Result{
		Suite:          suite,
		Title:          sc.Title,
		State:          state,
		Failure:        failure,
		Steps:          t.Steps(),
		StartedAt:      start,
		Duration:       time.Since(start),
		TeardownErrors: teardownErrs,
	}
	r.finish(ctx, res)
	return res
}

// body runs the scenario function on its own goroutine so that assertion
// failures can end it with runtime.Goexit.
func (r *Runner) body(t *T, sc Scenario) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				t.setFailure(fmt.Errorf("panic: %v", p))
			}
		}()
		if sc.Run == nil {
			t.setFailure(errors.New("scenario has no body"))
			return
		}
		if err := sc.Run(t.ctx, t); err != nil {
			t.setFailure(err)
		}
	}()
	<-done
}

// teardown runs the registered teardowns last-first. Each gets an
// uncancelled context bounded by the teardown timeout.
func (r *Runner) teardown(t *T) []error {
	t.mu.Lock()
	steps := t.teardowns
	t.teardowns = nil
	t.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		td := steps[i]
		start := time.Now()
		err := r.runTeardown(t.ctx, td)
		step := Step{Kind: StepTeardown, Name: td.name, Status: StepPassed, StartedAt: start, Duration: time.Since(start)}
		if err != nil {
			step.Status = StepFailed
			step.Error = err.Error()
			errs = append(errs, fmt.Errorf("teardown %q: %w", td.name, err))
			telemetry.MetricsFromContext(t.ctx).RecordTeardownError(t.suite)
			_ = eventsFrom(t.ctx).PublishTeardownFailed(t.runID, t.suite, t.title, td.name, err)
		}
		t.record(step)
	}
	return errs
}

func (r *Runner) runTeardown(ctx context.Context, td teardown) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.teardownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		err = td.fn(ctx)
	}()
	<-done
	return err
}

func (r *Runner) finish(ctx context.Context, res Result) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.ScenarioFinished(context.WithoutCancel(ctx), r.runID, res); err != nil {
		telemetry.FromContext(ctx).Zerolog().Warn().Err(err).Str("scenario", res.Title).Msg("failed to record scenario")
	}
}

func eventsFrom(ctx context.Context) *telemetry.EventPublisher {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		return tel.Events
	}
	return nil
}
