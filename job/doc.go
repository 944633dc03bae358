// Package job defines the shared job entity, state machine, and store
// interface used by both the webhook delivery and script execution
// pipelines.
//
// A [Job] represents one delivery or execution unit. It embeds
// [coord.Entity] for timestamps, carries the trigger payload, and
// progresses through a state machine:
//
//	pending → active → succeeded
//	pending → active → retrying → active → ...
//	pending → active → dead           (retry budget exhausted, dead-lettered)
//	pending → active → failed         (non-retryable configuration failure)
//	pending → retrying → active       (rate-limit deferral to next window)
//
// Fields of note:
//   - Queue: which pipeline owns the job ("webhook" or "script")
//   - Attempt: 0-indexed try counter driving the backoff computation
//   - Deferrals: rate-limit deferrals, counted apart from failures
//   - NextAttemptAt: earliest time the job may be dequeued again
//
// Within one subscriber's retry sequence attempts are strictly ordered:
// attempt n+1 is only scheduled after attempt n's outcome is recorded,
// because the backoff delay is computed from the prior attempt's state.
package job
