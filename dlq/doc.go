// Package dlq provides the dead letter queue for delivery and execution
// jobs that have exhausted their retry budget. It supports inspection,
// replay, and purging.
//
// When a job fails and the subscriber's MaxRetries has been reached, the
// executor calls [Service.Push] to move it into the DLQ. The original
// payload, error message, and attempt counts are preserved for debugging.
// Non-retryable configuration failures never reach the DLQ — those jobs
// were never truly admitted.
//
// Replaying an entry re-enqueues the original payload as a fresh pending
// job with a zero attempt counter and sets ReplayedAt on the entry.
package dlq
