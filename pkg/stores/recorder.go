package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dutkit/dutkit/pkg/scenario"
	"github.com/dutkit/dutkit/pkg/telemetry"
)

// eventWriteTimeout bounds one event insert from a subscriber.
const eventWriteTimeout = 5 * time.Second

// Recorder persists scenario runs into a Store.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder backed by store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// RunStarted implements scenario.Recorder.
func (r *Recorder) RunStarted(ctx context.Context, report *scenario.Report, suites []string) error {
	encoded, err := json.Marshal(suites)
	if err != nil {
		return fmt.Errorf("failed to encode suites: %w", err)
	}
	return r.store.CreateRun(ctx, &Run{
		ID:        report.RunID,
		Device:    report.Device,
		Suites:    string(encoded),
		Status:    RunStatusRunning,
		StartedAt: report.StartedAt.UTC(),
	})
}

// ScenarioFinished implements scenario.Recorder.
func (r *Recorder) ScenarioFinished(ctx context.Context, runID string, res scenario.Result) error {
	result := &ScenarioResult{
		RunID:          runID,
		Suite:          res.Suite,
		Title:          res.Title,
		Status:         string(res.State),
		Failure:        optional(res.FailureMessage()),
		TeardownErrors: len(res.TeardownErrors),
		StartedAt:      res.StartedAt.UTC(),
		DurationMS:     res.Duration.Milliseconds(),
	}

	steps := make([]*StepRecord, 0, len(res.Steps))
	for _, s := range res.Steps {
		steps = append(steps, &StepRecord{
			Seq:        s.Seq,
			Kind:       string(s.Kind),
			Name:       s.Name,
			Status:     string(s.Status),
			Expected:   optional(s.Expected),
			Observed:   optional(s.Observed),
			Diff:       optional(s.Diff),
			Error:      optional(s.Error),
			Attempts:   s.Attempts,
			StartedAt:  s.StartedAt.UTC(),
			DurationMS: s.Duration.Milliseconds(),
		})
	}

	return r.store.SaveScenarioResult(ctx, result, steps)
}

// RunFinished implements scenario.Recorder.
func (r *Recorder) RunFinished(ctx context.Context, report *scenario.Report) error {
	passed, failed := report.Counts()

	status := RunStatusPassed
	var errMsg *string
	switch {
	case report.Passed() && len(report.Suites) > 0:
	case len(report.Suites) == 0:
		status = RunStatusCancelled
		errMsg = optional("no suite completed")
	default:
		status = RunStatusFailed
		var setupErrs []error
		for _, s := range report.Suites {
			if s.SetupErr != nil {
				setupErrs = append(setupErrs, fmt.Errorf("%s: %w", s.Title, s.SetupErr))
			}
		}
		if err := errors.Join(setupErrs...); err != nil {
			errMsg = optional(err.Error())
		}
	}

	return r.store.CompleteRun(ctx, report.RunID, status, passed, failed, errMsg)
}

// EventSink returns a subscriber that appends every published event to
// the store. Write failures are logged and dropped.
func (r *Recorder) EventSink() telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		event := &Event{
			ID:        e.ID,
			RunID:     optional(e.RunID),
			Type:      e.Type,
			Suite:     optional(e.Suite),
			Scenario:  optional(e.Scenario),
			Level:     e.Level,
			Message:   e.Message,
			Timestamp: e.Timestamp.UTC(),
		}
		if len(e.Data) > 0 {
			if data, err := json.Marshal(e.Data); err == nil {
				event.Data = optional(string(data))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		defer cancel()
		if err := r.store.AppendEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_type", e.Type).Msg("failed to persist event")
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
