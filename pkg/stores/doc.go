// Package stores persists harness run history in SQLite.
// It records runs, scenario results with their steps, and the telemetry
// event stream, using WAL mode and embedded migrations.
package stores
