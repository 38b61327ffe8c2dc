package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a suite run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents one invocation of the harness against a device
type Run struct {
	ID          string     `json:"id"`
	Device      string     `json:"device"`
	Suites      string     `json:"suites"` // JSON array of suite titles
	Status      RunStatus  `json:"status"`
	Passed      int        `json:"passed"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ScenarioResult is the persisted outcome of one scenario
type ScenarioResult struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	Suite          string    `json:"suite"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	Failure        *string   `json:"failure,omitempty"`
	TeardownErrors int       `json:"teardown_errors"`
	StartedAt      time.Time `json:"started_at"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// StepRecord is one persisted scenario step
type StepRecord struct {
	ID         int64     `json:"id"`
	ScenarioID int64     `json:"scenario_id"`
	Seq        int       `json:"seq"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Expected   *string   `json:"expected,omitempty"`
	Observed   *string   `json:"observed,omitempty"`
	Diff       *string   `json:"diff,omitempty"`
	Error      *string   `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Event is an append-only copy of a published telemetry event
type Event struct {
	ID        string    `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	Suite     *string   `json:"suite,omitempty"`
	Scenario  *string   `json:"scenario,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the run history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, passed, failed int, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Scenario operations
	SaveScenarioResult(ctx context.Context, result *ScenarioResult, steps []*StepRecord) error
	ListScenarioResults(ctx context.Context, runID string) ([]*ScenarioResult, error)
	ListSteps(ctx context.Context, scenarioID int64) ([]*StepRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, eventType *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
