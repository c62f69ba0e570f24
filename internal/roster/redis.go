package roster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/hlsroster/internal/storage"
)

// StoreSink saves each document to a RosterStore, e.g. Redis, where other
// processes can read the latest roster or subscribe to updates.
type StoreSink struct {
	store storage.RosterStore
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store storage.RosterStore) *StoreSink {
	return &StoreSink{store: store}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "redis" }

// Publish implements Sink.
func (s *StoreSink) Publish(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode roster: %w", err)
	}

	return s.store.Save(ctx, storage.RosterRecord{
		Document:    json.RawMessage(data),
		PublishedAt: doc.GeneratedAt,
		Listeners:   doc.Total(),
	})
}
