// Package scenario runs device scenarios as ordered steps.
//
// A Scenario body receives a *T and drives the device through actions,
// waits and assertions. A failing assertion records what was expected and
// observed, then stops the scenario goroutine the way testing.T.FailNow
// does. Teardowns registered with T.Teardown run in reverse order on every
// exit path, panics included, and never change the scenario's status.
//
// Assertion methods must be called from the scenario goroutine. Work
// started with Concurrently or Collect reports through returned errors.
package scenario
