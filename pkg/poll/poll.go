package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/dutkit/dutkit/pkg/telemetry"
)

// Outcome is how a wait ended.
type Outcome int

const (
	// Converged means the condition held on the last attempt.
	Converged Outcome = iota + 1
	// Exhausted means the attempt or time budget ran out.
	Exhausted
	// Failed means a condition error or cancellation aborted the wait.
	Failed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Condition is a side-effecting check evaluated once per attempt. Check
// returns the observed value, whether the condition holds, and an error
// when no reading could be taken.
type Condition[T any] struct {
	Description string
	// Kind labels the condition in metrics. Empty means "custom".
	Kind  string
	Check func(ctx context.Context) (T, bool, error)
}

// Func builds a boolean condition from a plain predicate.
func Func(description string, fn func(ctx context.Context) (bool, error)) Condition[bool] {
	return Condition[bool]{
		Description: description,
		Check: func(ctx context.Context) (bool, bool, error) {
			ok, err := fn(ctx)
			return ok, ok, err
		},
	}
}

func (c Condition[T]) kind() string {
	if c.Kind == "" {
		return "custom"
	}
	return c.Kind
}

// Result is the tagged outcome of Until.
type Result[T any] struct {
	Outcome     Outcome
	Description string
	// Value is the converging value, or the last successful observation
	// when the wait did not converge.
	Value    T
	Attempts int
	Elapsed  time.Duration
	// LastErr is the failure cause for Failed, or the last tolerated error.
	LastErr error
}

// Converged reports whether the condition held.
func (r Result[T]) Converged() bool {
	return r.Outcome == Converged
}

// ValueOr returns the converged value, or failure otherwise.
func (r Result[T]) ValueOr(failure T) T {
	if r.Outcome == Converged {
		return r.Value
	}
	return failure
}

// Err returns nil when converged, an *ExhaustedError when the budget ran
// out, and the wrapped cause when the wait failed.
func (r Result[T]) Err() error {
	switch r.Outcome {
	case Converged:
		return nil
	case Exhausted:
		return &ExhaustedError{
			Description: r.Description,
			Attempts:    r.Attempts,
			Elapsed:     r.Elapsed,
			Last:        r.Value,
			LastErr:     r.LastErr,
		}
	default:
		return fmt.Errorf("%s: %w", r.Description, r.LastErr)
	}
}

// Reporter receives one progress call per attempt.
type Reporter interface {
	Progress(description string, attempt, maxAttempts int)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(description string, attempt, maxAttempts int)

// Progress calls f.
func (f ReporterFunc) Progress(description string, attempt, maxAttempts int) {
	f(description, attempt, maxAttempts)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Waiter carries a policy and reporting hooks. Waiters are immutable; the
// With* methods return modified copies, so one Waiter can serve
// concurrent waits.
type Waiter struct {
	policy   Policy
	reporter Reporter
	sleep    Sleeper
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(w *Waiter) { w.reporter = r }
}

// WithSleeper replaces the sleep between attempts.
func WithSleeper(s Sleeper) Option {
	return func(w *Waiter) { w.sleep = s }
}

// NewWaiter creates a Waiter for the given policy.
func NewWaiter(p Policy, opts ...Option) *Waiter {
	w := &Waiter{policy: p, sleep: sleep}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Policy returns the waiter's policy.
func (w *Waiter) Policy() Policy {
	return w.policy
}

// With returns a copy with the options applied.
func (w *Waiter) With(opts ...Option) *Waiter {
	c := *w
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// WithPolicy returns a copy whose policy is modified by fn.
func (w *Waiter) WithPolicy(fn func(*Policy)) *Waiter {
	c := *w
	fn(&c.policy)
	return &c
}

// Tolerant returns a copy that tolerates non-permanent condition errors,
// for waits that span a reboot or a flaky link.
func (w *Waiter) Tolerant() *Waiter {
	return w.WithPolicy(func(p *Policy) { p.TolerateErrors = true })
}

// WithAttempts returns a copy with a different attempt budget.
func (w *Waiter) WithAttempts(n int) *Waiter {
	return w.WithPolicy(func(p *Policy) { p.MaxAttempts = n })
}

// Until evaluates cond until it holds or w's budget runs out. It returns
// right after the converging attempt, without a trailing sleep.
func Until[T any](ctx context.Context, w *Waiter, cond Condition[T]) (res Result[T]) {
	if w == nil {
		w = NewWaiter(DefaultPolicy())
	}
	p := w.policy
	res = Result[T]{Description: cond.Description}

	if cond.Check == nil {
		res.Outcome = Failed
		res.LastErr = fmt.Errorf("poll: condition %q has no check", cond.Description)
		return res
	}
	if err := p.Validate(); err != nil {
		res.Outcome = Failed
		res.LastErr = err
		return res
	}

	kind := cond.kind()
	ic := telemetry.StartOperation(ctx, "poll.until",
		telemetry.AttrPollKind.String(kind),
	)
	parent := ic.Ctx
	logger := ic.Logger.Zerolog()
	metrics := telemetry.MetricsFromContext(ctx)

	waitCtx := parent
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(parent, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		metrics.RecordPollOutcome(kind, res.Outcome.String(), res.Elapsed)
		if ic.Span != nil {
			ic.Span.SetAttributes(
				telemetry.AttrPollAttempts.Int(res.Attempts),
				telemetry.AttrPollOutcome.String(res.Outcome.String()),
			)
		}
		var endErr error
		if res.Outcome == Failed {
			endErr = res.LastErr
		}
		ic.End(endErr)
		logger.Debug().
			Str("condition", cond.Description).
			Str("outcome", res.Outcome.String()).
			Int("attempts", res.Attempts).
			Dur("elapsed", res.Elapsed).
			Msg("wait finished")
	}()

	// stop decides between Failed (caller cancelled) and Exhausted (our
	// own timeout fired).
	stop := func() Result[T] {
		if err := parent.Err(); err != nil {
			res.Outcome = Failed
			res.LastErr = err
			return res
		}
		res.Outcome = Exhausted
		return res
	}

	if err := parent.Err(); err != nil {
		res.Outcome = Failed
		res.LastErr = err
		return res
	}

	delays := p.delays()
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if w.reporter != nil {
			w.reporter.Progress(cond.Description, attempt, p.MaxAttempts)
		}
		metrics.RecordPollAttempt(kind)

		value, ok, err := cond.Check(waitCtx)
		switch {
		case err != nil:
			if waitCtx.Err() != nil {
				res.LastErr = err
				return stop()
			}
			tolerated := p.TolerateErrors && !IsPermanent(err)
			metrics.RecordPollError(kind, tolerated)
			res.LastErr = err
			if !tolerated {
				res.Outcome = Failed
				return res
			}
			logger.Warn().Err(err).
				Str("condition", cond.Description).
				Int("attempt", attempt).
				Msg("condition error tolerated")
		case ok:
			res.Value = value
			res.Outcome = Converged
			return res
		default:
			res.Value = value
			logger.Debug().
				Str("condition", cond.Description).
				Int("attempt", attempt).
				Int("max_attempts", p.MaxAttempts).
				Interface("observed", value).
				Msg("condition not yet satisfied")
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			res.Outcome = Exhausted
			return res
		}

		delay, more := delays.next()
		if !more {
			res.Outcome = Exhausted
			return res
		}
		if err := w.sleep(waitCtx, delay); err != nil {
			return stop()
		}
	}
}
