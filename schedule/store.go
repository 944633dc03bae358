package schedule

import "context"

// Store defines the persistence contract for scheduled entries. Entries
// are keyed by name; creating a duplicate name returns
// coord.ErrDuplicateSchedule.
type Store interface {
	// CreateEntry persists a new scheduled entry.
	CreateEntry(ctx context.Context, entry *Entry) error

	// GetEntry retrieves an entry by name, or coord.ErrScheduleNotFound.
	GetEntry(ctx context.Context, name string) (*Entry, error)

	// ListEntries returns all scheduled entries.
	ListEntries(ctx context.Context) ([]*Entry, error)

	// UpdateEntry persists changes to an existing entry.
	UpdateEntry(ctx context.Context, entry *Entry) error

	// DeleteEntry removes an entry by name.
	DeleteEntry(ctx context.Context, name string) error
}
