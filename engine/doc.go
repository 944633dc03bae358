// Package engine wires all coordination subsystems together: lock
// service, leader election, retry engine, subscriber cache, both
// pipelines, the worker pool, and the cron scheduler.
//
// This package exists to break the import cycle: the root coord package
// defines Entity and the sentinel errors (imported by job, lock, and the
// rest) and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
//
// One Engine is one cluster instance. Point several Engines at the same
// stores and they coordinate: dedup locks suppress duplicate triggers,
// the admission windows are shared, and exactly one instance runs the
// cron scheduler and the lock janitor at a time.
package engine
