package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/hlsroster/internal/config"
	"github.com/goodtune/hlsroster/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces roster keys when none is configured.
const DefaultKeyPrefix = "hlsroster"

// Store implements the storage.Store interface using Redis
type Store struct {
	client      *redis.Client
	rosterStore *rosterStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// A host that already carries a port (e.g. "127.0.0.1:6379") is used as is
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	store := &Store{
		client: client,
		rosterStore: &rosterStore{
			client: client,
			keys:   newRosterKeys(prefix),
		},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Rosters returns the RosterStore implementation
func (s *Store) Rosters() storage.RosterStore {
	return s.rosterStore
}
