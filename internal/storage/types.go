package storage

import (
	"encoding/json"
	"time"
)

// RosterRecord is one published listener roster.
type RosterRecord struct {
	Document    json.RawMessage
	PublishedAt time.Time
	Listeners   int
}
