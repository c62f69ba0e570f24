package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/hlsroster/internal/storage"
)

type rosterKeys struct {
	roster  string
	meta    string
	updates string
}

func newRosterKeys(prefix string) rosterKeys {
	return rosterKeys{
		roster:  prefix + ":roster",
		meta:    prefix + ":roster:meta",
		updates: prefix + ":roster:updates",
	}
}

// parseRosterMeta fills record from the metadata hash
func parseRosterMeta(data map[string]string, record *storage.RosterRecord) error {
	if len(data) == 0 {
		return nil
	}

	publishedAt, err := time.Parse(time.RFC3339Nano, data["published_at"])
	if err != nil {
		return fmt.Errorf("failed to parse published_at: %w", err)
	}

	listeners, err := strconv.Atoi(data["listeners"])
	if err != nil {
		return fmt.Errorf("failed to parse listeners: %w", err)
	}

	record.PublishedAt = publishedAt
	record.Listeners = listeners
	return nil
}
