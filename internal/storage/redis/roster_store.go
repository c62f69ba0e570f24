package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/hlsroster/internal/storage"
	"github.com/redis/go-redis/v9"
)

type rosterStore struct {
	client *redis.Client
	keys   rosterKeys
}

// UpdatesChannel returns the pub/sub channel that receives every saved document.
func (s *Store) UpdatesChannel() string {
	return s.rosterStore.keys.updates
}

// Save stores the roster as the latest document and publishes it on the
// updates channel.
func (s *rosterStore) Save(ctx context.Context, record storage.RosterRecord) error {
	script := redis.NewScript(saveRosterScript)

	keys := []string{s.keys.roster, s.keys.meta}
	args := []interface{}{
		string(record.Document),
		record.PublishedAt.UTC().Format(time.RFC3339Nano),
		record.Listeners,
	}

	if err := script.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to save roster: %w", err)
	}

	if err := s.client.Publish(ctx, s.keys.updates, string(record.Document)).Err(); err != nil {
		return fmt.Errorf("failed to publish roster update: %w", err)
	}

	return nil
}

// Latest retrieves the most recently saved roster
func (s *rosterStore) Latest(ctx context.Context) (*storage.RosterRecord, error) {
	doc, err := s.client.Get(ctx, s.keys.roster).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	meta, err := s.client.HGetAll(ctx, s.keys.meta).Result()
	if err != nil {
		return nil, err
	}

	record := &storage.RosterRecord{Document: json.RawMessage(doc)}
	if err := parseRosterMeta(meta, record); err != nil {
		return nil, err
	}

	return record, nil
}
