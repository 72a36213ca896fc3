// Package retry implements bounded exponential backoff for remote completion
// calls. Only failures the classifier reports as transient are retried, the
// backoff wait always yields to context cancellation, and exhaustion surfaces
// the final failure wrapped in RETRIES_EXHAUSTED.
package retry
