package scenario

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dutkit/dutkit/pkg/poll"
)

// AwaitOption adjusts the waiter for a single wait.
type AwaitOption func(*poll.Waiter) *poll.Waiter

// Tolerant keeps waiting through non-permanent read errors, for waits that
// span a reboot or a flaky link.
func Tolerant() AwaitOption {
	return func(w *poll.Waiter) *poll.Waiter { return w.Tolerant() }
}

// Attempts overrides the attempt budget.
func Attempts(n int) AwaitOption {
	return func(w *poll.Waiter) *poll.Waiter { return w.WithAttempts(n) }
}

// Interval overrides the delay between attempts.
func Interval(d time.Duration) AwaitOption {
	return func(w *poll.Waiter) *poll.Waiter {
		return w.WithPolicy(func(p *poll.Policy) { p.Interval = d })
	}
}

// Await waits for cond and returns the converging value. Exhaustion fails
// the scenario with an AssertionFailure carrying the last observation; a
// read error that aborted the wait fails it with that error.
func Await[V any](t *T, cond poll.Condition[V], opts ...AwaitOption) V {
	res, step := wait(t, cond, opts)
	switch res.Outcome {
	case poll.Converged:
		step.Status = StepPassed
		t.record(step)
		return res.Value
	case poll.Exhausted:
		failure := &AssertionFailure{
			Message:  fmt.Sprintf("%s: not satisfied after %d attempts", cond.Description, res.Attempts),
			Expected: cond.Description,
			Observed: fmt.Sprintf("%v", res.Value),
		}
		if res.LastErr != nil {
			failure.Observed += fmt.Sprintf(" (last error: %v)", res.LastErr)
		}
		step.Status = StepFailed
		step.Expected = failure.Expected
		step.Observed = failure.Observed
		t.record(step)
		t.failNow(failure)
	default:
		err := res.Err()
		step.Status = StepFailed
		step.Error = err.Error()
		t.record(step)
		t.failNow(err)
	}
	return res.Value
}

// AwaitValue waits for cond and returns the result without failing the
// scenario. Callers choose a failure value with Result.ValueOr.
func AwaitValue[V any](t *T, cond poll.Condition[V], opts ...AwaitOption) poll.Result[V] {
	res, step := wait(t, cond, opts)
	step.Status = StepPassed
	if !res.Converged() {
		step.Status = StepInfo
		step.Error = res.Err().Error()
	}
	t.record(step)
	return res
}

func wait[V any](t *T, cond poll.Condition[V], opts []AwaitOption) (poll.Result[V], Step) {
	w := t.waiter
	for _, opt := range opts {
		w = opt(w)
	}
	w = w.With(poll.WithReporter(t))

	start := time.Now()
	res := poll.Until(t.ctx, w, cond)
	return res, Step{
		Kind:      StepWait,
		Name:      cond.Description,
		StartedAt: start,
		Duration:  time.Since(start),
		Attempts:  res.Attempts,
	}
}

// Get runs a read step and returns its value. An error fails the scenario.
func Get[V any](t *T, name string, fn func(ctx context.Context) (V, error)) V {
	var v V
	t.Act(name, func(ctx context.Context) error {
		var err error
		v, err = fn(ctx)
		return err
	})
	return v
}

// Concurrently runs fns in parallel and waits for all of them. The first
// error cancels the others' context and is returned.
func Concurrently(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

// Collect runs fns in parallel and returns their values in order.
func Collect[V any](ctx context.Context, fns ...func(ctx context.Context) (V, error)) ([]V, error) {
	out := make([]V, len(fns))
	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range fns {
		g.Go(func() error {
			v, err := fn(gctx)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
