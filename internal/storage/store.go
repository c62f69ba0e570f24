package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Rosters() RosterStore
}

// RosterStore keeps the most recently published roster. Older documents
// are overwritten.
type RosterStore interface {
	// Save replaces the latest roster and notifies subscribers.
	Save(ctx context.Context, record RosterRecord) error
	// Latest returns the last saved roster, or ErrNotFound.
	Latest(ctx context.Context) (*RosterRecord, error)
}
