// Package geo resolves client IP addresses to location documents and
// memoizes the result for the life of the process.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goodtune/hlsroster/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNotAttempted marks provider errors where no external request was made
// (local rate limit, open circuit breaker, shutdown). These are not cached.
var ErrNotAttempted = errors.New("geo: lookup not attempted")

// Provider performs one external geolocation request.
type Provider interface {
	Lookup(ctx context.Context, ip string) (json.RawMessage, error)
}

// Record is the cached outcome of a lookup. Failed records carry no data.
type Record struct {
	Data   json.RawMessage
	Failed bool
}

// OK reports whether the record holds a location document.
func (r Record) OK() bool {
	return !r.Failed && len(r.Data) > 0
}

type recordStore interface {
	Get(ip string) (Record, bool)
	Add(ip string, rec Record)
	Len() int
}

type mapStore struct {
	mu    sync.RWMutex
	items map[string]Record
}

func (s *mapStore) Get(ip string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[ip]
	return rec, ok
}

func (s *mapStore) Add(ip string, rec Record) {
	s.mu.Lock()
	s.items[ip] = rec
	s.mu.Unlock()
}

func (s *mapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

type lruStore struct {
	cache *lru.Cache[string, Record]
}

func (s *lruStore) Get(ip string) (Record, bool) { return s.cache.Get(ip) }
func (s *lruStore) Add(ip string, rec Record)    { s.cache.Add(ip, rec) }
func (s *lruStore) Len() int                     { return s.cache.Len() }

// Cache memoizes provider lookups per IP. Entries never expire: a session
// takes its location once at creation, so refreshing would not be seen.
type Cache struct {
	provider Provider
	store    recordStore
	group    singleflight.Group
	calls    atomic.Int64
	logger   zerolog.Logger
}

// NewCache creates a geo cache. A size of zero keeps every IP for the life
// of the process; a positive size bounds it with LRU eviction.
func NewCache(provider Provider, size int, logger zerolog.Logger) (*Cache, error) {
	c := &Cache{
		provider: provider,
		logger:   logger.With().Str("component", "geo-cache").Logger(),
	}

	if size > 0 {
		cache, err := lru.New[string, Record](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create geo cache: %w", err)
		}
		c.store = &lruStore{cache: cache}
	} else {
		c.store = &mapStore{items: make(map[string]Record)}
	}

	return c, nil
}

// Lookup returns the location record for ip, calling the provider at most
// once per IP. Concurrent misses for the same IP share one request.
func (c *Cache) Lookup(ctx context.Context, ip string) Record {
	if rec, ok := c.store.Get(ip); ok {
		metrics.GeoLookupsTotal.WithLabelValues("hit").Inc()
		c.logger.Debug().Str("ip", ip).Msg("Geo cache hit")
		return rec
	}

	v, _, _ := c.group.Do(ip, func() (interface{}, error) {
		// A caller that missed just before the previous flight stored its
		// result lands here; check again so it does not refetch.
		if rec, ok := c.store.Get(ip); ok {
			return rec, nil
		}
		return c.fetch(ctx, ip), nil
	})

	return v.(Record)
}

func (c *Cache) fetch(ctx context.Context, ip string) Record {
	if c.provider == nil {
		rec := Record{Failed: true}
		c.store.Add(ip, rec)
		return rec
	}

	data, err := c.provider.Lookup(ctx, ip)
	if err != nil && (errors.Is(err, ErrNotAttempted) || errors.Is(err, context.Canceled)) {
		metrics.GeoLookupsTotal.WithLabelValues("skipped").Inc()
		c.logger.Warn().Err(err).Str("ip", ip).Msg("Geo lookup skipped")
		return Record{Failed: true}
	}

	c.calls.Add(1)
	if err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("ip", ip).Msg("Geo lookup failed, caching failure")
		rec := Record{Failed: true}
		c.store.Add(ip, rec)
		return rec
	}

	metrics.GeoLookupsTotal.WithLabelValues("miss").Inc()
	c.logger.Debug().Str("ip", ip).Msg("Geo lookup stored")
	rec := Record{Data: data}
	c.store.Add(ip, rec)
	return rec
}

// Len returns the number of cached IPs.
func (c *Cache) Len() int {
	return c.store.Len()
}

// ProviderCalls returns how many external lookups have been issued.
func (c *Cache) ProviderCalls() int64 {
	return c.calls.Load()
}
