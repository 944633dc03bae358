package coord

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("coord: no store configured")
	ErrStoreClosed      = errors.New("coord: store closed")
	ErrStoreUnavailable = errors.New("coord: store unavailable")

	// Not found errors.
	ErrJobNotFound        = errors.New("coord: job not found")
	ErrLockNotFound       = errors.New("coord: lock not found")
	ErrSubscriberNotFound = errors.New("coord: subscriber not found")
	ErrScheduleNotFound   = errors.New("coord: scheduled entry not found")
	ErrDLQNotFound        = errors.New("coord: dlq entry not found")

	// Conflict errors.
	ErrLockHeld          = errors.New("coord: lock held by another owner")
	ErrJobAlreadyExists  = errors.New("coord: job already exists")
	ErrDuplicateSchedule = errors.New("coord: duplicate scheduled entry")

	// State errors.
	ErrInvalidState       = errors.New("coord: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("coord: max retries exceeded")
	ErrScriptTimeout      = errors.New("coord: script execution timed out")

	// Coordination errors. Callers must treat these as "skip the work",
	// never as "proceed anyway".
	ErrNotLockOwner   = errors.New("coord: not the lock owner")
	ErrLeadershipLost = errors.New("coord: leadership lost")
	ErrNotLeader      = errors.New("coord: not the leader")

	// Validation errors. Non-retryable; surfaced synchronously to the
	// caller rather than queued.
	ErrInvalidCronExpr  = errors.New("coord: invalid cron expression")
	ErrScriptSyntax     = errors.New("coord: script syntax error")
	ErrInvalidTargetURL = errors.New("coord: invalid subscriber url")
	ErrSubscriberOff    = errors.New("coord: subscriber disabled")
)
