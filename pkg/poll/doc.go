// Package poll implements bounded convergence waits.
//
// Until evaluates a Condition repeatedly, sleeping between attempts, until
// the condition holds or the Policy budget (attempts, wall clock, or both)
// runs out. The outcome is a tagged Result: Converged, Exhausted or Failed.
// Exhaustion is not an error; callers pick a failure value with
// Result.ValueOr or turn it into an error with Result.Err.
//
// Errors returned by a condition abort the wait unless the policy
// tolerates them. Errors marked permanent (see IsPermanent) always abort.
package poll
