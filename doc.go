// Package coord is the multi-instance coordination core for a stateless
// CRUD API cluster. It lets several identical processes share two
// event-driven duties — webhook delivery and automation script execution —
// without duplicating work or corrupting shared counters.
//
// Coord is designed as a library, not a service. Import it, configure a
// key-value store and a job store, and feed it data-mutation events.
//
// # Architecture
//
// Coord follows a composable store pattern where each subsystem (lock,
// retry, subscriber, job, dlq, schedule) defines its own store interface.
// A backend implements the slices it can serve: the redis store covers the
// coordination substrate (locks, leadership, rate windows), the mongo store
// covers the durable substrate (jobs, schedules, subscribers, dead
// letters), and the memory store covers everything for tests.
//
// Mutual exclusion is lease-based: a lock is an atomic
// create-if-absent-with-TTL row carrying a monotonic fencing token.
// Leadership is repeated lock acquisition on a role key; only the cron
// leader evaluates schedules. Event-triggered work needs no leader, only a
// short per-trigger dedup lock.
//
// Both pipelines share one rate-limited retry engine: a sliding 60 second
// admission window per subscriber plus bounded exponential backoff.
// Rate-limited attempts are deferred, never dropped; failed attempts retry
// until the budget is exhausted, then dead-letter.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package coord
