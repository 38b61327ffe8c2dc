package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSleeper records sleeps without waiting.
type countingSleeper struct {
	sleeps int32
}

func (s *countingSleeper) sleep(ctx context.Context, _ time.Duration) error {
	atomic.AddInt32(&s.sleeps, 1)
	return ctx.Err()
}

func (s *countingSleeper) count() int {
	return int(atomic.LoadInt32(&s.sleeps))
}

func TestUntilExhaustsAfterMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 3, 50} {
		s := &countingSleeper{}
		w := NewWaiter(Policy{Interval: time.Second, MaxAttempts: n}, WithSleeper(s.sleep))

		evals := 0
		res := Until(context.Background(), w, Condition[string]{
			Description: "never true",
			Check: func(context.Context) (string, bool, error) {
				evals++
				return "Downloading", false, nil
			},
		})

		assert.Equal(t, Exhausted, res.Outcome)
		assert.Equal(t, n, evals, "evaluations")
		assert.Equal(t, n, res.Attempts)
		assert.Equal(t, n-1, s.count(), "no sleep after the last attempt")
		assert.Equal(t, "failure", res.ValueOr("failure"))
		assert.Equal(t, "Downloading", res.Value)
	}
}

func TestUntilReturnsImmediatelyOnConvergence(t *testing.T) {
	for k := 1; k <= 5; k++ {
		s := &countingSleeper{}
		w := NewWaiter(Policy{Interval: time.Second, MaxAttempts: 10}, WithSleeper(s.sleep))

		evals := 0
		res := Until(context.Background(), w, Condition[int]{
			Description: "converges on attempt k",
			Check: func(context.Context) (int, bool, error) {
				evals++
				return evals, evals == k, nil
			},
		})

		require.True(t, res.Converged())
		assert.Equal(t, k, evals, "exactly k evaluations")
		assert.Equal(t, k-1, s.count(), "no trailing sleep")
		assert.Equal(t, k, res.ValueOr(-1))
		assert.NoError(t, res.Err())
	}
}

func TestUntilFailsFastOnError(t *testing.T) {
	s := &countingSleeper{}
	w := NewWaiter(Policy{Interval: time.Second, MaxAttempts: 10}, WithSleeper(s.sleep))
	boom := errors.New("ssh: connection refused")

	evals := 0
	res := Until(context.Background(), w, Condition[bool]{
		Description: "shell check",
		Check: func(context.Context) (bool, bool, error) {
			evals++
			return false, false, boom
		},
	})

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 1, evals)
	assert.ErrorIs(t, res.Err(), boom)
	assert.False(t, IsExhausted(res.Err()))
}

func TestUntilToleratesErrors(t *testing.T) {
	s := &countingSleeper{}
	w := NewWaiter(Policy{Interval: time.Second, MaxAttempts: 10}, WithSleeper(s.sleep)).Tolerant()
	flaky := errors.New("device rebooting")

	evals := 0
	res := Until(context.Background(), w, Condition[string]{
		Description: "marker gone",
		Check: func(context.Context) (string, bool, error) {
			evals++
			if evals < 3 {
				return "", false, flaky
			}
			return "pass", true, nil
		},
	})

	require.True(t, res.Converged())
	assert.Equal(t, 3, evals)
	assert.Equal(t, "pass", res.Value)
	assert.ErrorIs(t, res.LastErr, flaky)
}

func TestUntilExhaustedKeepsLastToleratedError(t *testing.T) {
	w := NewWaiter(Policy{MaxAttempts: 2, TolerateErrors: true}, WithSleeper((&countingSleeper{}).sleep))
	flaky := errors.New("timeout")

	res := Until(context.Background(), w, Condition[bool]{
		Description: "never reachable",
		Check: func(context.Context) (bool, bool, error) {
			return false, false, flaky
		},
	})

	assert.Equal(t, Exhausted, res.Outcome)
	var exhausted *ExhaustedError
	require.ErrorAs(t, res.Err(), &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.ErrorIs(t, res.Err(), flaky)
}

func TestUntilNeverToleratesPermanentErrors(t *testing.T) {
	w := NewWaiter(Policy{MaxAttempts: 10, TolerateErrors: true}, WithSleeper((&countingSleeper{}).sleep))
	bad := Permanent(errors.New("unexpected response shape"))

	evals := 0
	res := Until(context.Background(), w, Condition[bool]{
		Description: "target state",
		Check: func(context.Context) (bool, bool, error) {
			evals++
			return false, false, bad
		},
	})

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 1, evals)
	assert.True(t, IsPermanent(res.Err()))
}

func TestUntilTimeoutIsExhaustion(t *testing.T) {
	w := NewWaiter(Policy{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})

	res := Until(context.Background(), w, Condition[bool]{
		Description: "slow",
		Check: func(context.Context) (bool, bool, error) {
			return false, false, nil
		},
	})

	assert.Equal(t, Exhausted, res.Outcome)
	assert.GreaterOrEqual(t, res.Attempts, 1)
	assert.Less(t, res.Elapsed, time.Second)
}

func TestUntilCancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	evals := 0
	res := Until(ctx, NewWaiter(DefaultPolicy()), Condition[bool]{
		Description: "cancelled",
		Check: func(context.Context) (bool, bool, error) {
			evals++
			return true, true, nil
		},
	})

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 0, evals)
	assert.ErrorIs(t, res.Err(), context.Canceled)
}

func TestUntilRejectsUnboundedPolicy(t *testing.T) {
	res := Until(context.Background(), NewWaiter(Policy{Interval: time.Second}), Func("unbounded", func(context.Context) (bool, error) {
		t.Fatal("condition must not run")
		return false, nil
	}))

	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrUnbounded)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"timeout only", Policy{Timeout: time.Minute}, false},
		{"attempts only", Policy{MaxAttempts: 1}, false},
		{"unbounded", Policy{Interval: time.Second}, true},
		{"negative interval", Policy{Interval: -1, MaxAttempts: 1}, true},
		{"negative attempts", Policy{MaxAttempts: -1, Timeout: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "Validate() = %v", err)
		})
	}
}

func TestUntilWithBackoff(t *testing.T) {
	var delays []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	w := NewWaiter(Policy{
		MaxAttempts: 4,
		Backoff:     ExponentialBackoff(10*time.Millisecond, 40*time.Millisecond),
	}, WithSleeper(sleeper))

	res := Until(context.Background(), w, Func("never", func(context.Context) (bool, error) {
		return false, nil
	}))

	assert.Equal(t, Exhausted, res.Outcome)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond, 22500 * time.Microsecond}, delays)
}

func TestBackoffNeverBelowInterval(t *testing.T) {
	var delays []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	w := NewWaiter(Policy{
		Interval:    5 * time.Second,
		MaxAttempts: 6,
		Backoff:     ExponentialBackoff(time.Second, 8*time.Second),
	}, WithSleeper(sleeper))

	Until(context.Background(), w, Func("never", func(context.Context) (bool, error) {
		return false, nil
	}))

	require.Len(t, delays, 5)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestReporterCalledEachAttempt(t *testing.T) {
	var calls []int
	w := NewWaiter(Policy{MaxAttempts: 3},
		WithSleeper((&countingSleeper{}).sleep),
		WithReporter(ReporterFunc(func(_ string, attempt, max int) {
			assert.Equal(t, 3, max)
			calls = append(calls, attempt)
		})),
	)

	Until(context.Background(), w, Func("never", func(context.Context) (bool, error) {
		return false, nil
	}))

	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestWaiterCopiesAreIndependent(t *testing.T) {
	base := NewWaiter(DefaultPolicy())
	tolerant := base.Tolerant().WithAttempts(3)

	assert.False(t, base.Policy().TolerateErrors)
	assert.Equal(t, DefaultMaxAttempts, base.Policy().MaxAttempts)
	assert.True(t, tolerant.Policy().TolerateErrors)
	assert.Equal(t, 3, tolerant.Policy().MaxAttempts)
}
