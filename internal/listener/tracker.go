package listener

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/hlsroster/internal/accesslog"
	"github.com/goodtune/hlsroster/internal/geo"
	"github.com/goodtune/hlsroster/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultActivityWindow is the gap after which a listener is considered gone
	DefaultActivityWindow = 40 * time.Second

	// DefaultLookupConcurrency bounds parallel geo lookups per batch
	DefaultLookupConcurrency = 8
)

// GeoLookup resolves a client IP to a location record.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) geo.Record
}

// Config holds tracker configuration
type Config struct {
	Streams           []string
	ActivityWindow    time.Duration
	LookupConcurrency int
}

// IngestStats summarizes one batch of events.
type IngestStats struct {
	Created int
	Updated int
	Ignored int
}

// Tracker owns the per-stream listener session table. Sessions are created
// by Ingest and removed only by Sweep.
type Tracker struct {
	streams     []string
	sessions    map[string]map[Key]*Session // stream -> key -> session
	window      time.Duration
	concurrency int
	geo         GeoLookup
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// NewTracker creates a tracker for the configured streams. geo may be nil,
// in which case sessions carry no location.
func NewTracker(config Config, lookup GeoLookup, logger zerolog.Logger) *Tracker {
	if config.ActivityWindow <= 0 {
		config.ActivityWindow = DefaultActivityWindow
	}
	if config.LookupConcurrency <= 0 {
		config.LookupConcurrency = DefaultLookupConcurrency
	}

	t := &Tracker{
		streams:     append([]string(nil), config.Streams...),
		sessions:    make(map[string]map[Key]*Session, len(config.Streams)),
		window:      config.ActivityWindow,
		concurrency: config.LookupConcurrency,
		geo:         lookup,
		logger:      logger.With().Str("component", "listener-tracker").Logger(),
	}
	for _, stream := range config.Streams {
		t.sessions[stream] = make(map[Key]*Session)
	}

	return t
}

// Window returns the activity window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Streams returns the configured stream names.
func (t *Tracker) Streams() []string {
	return append([]string(nil), t.streams...)
}

// Ingest applies one access event observed at now. It reports whether the
// event created or refreshed a session. The geo lookup for a new listener
// happens outside the table lock.
func (t *Tracker) Ingest(ctx context.Context, ev *accesslog.Event, now time.Time) bool {
	if ev == nil {
		return false
	}

	key := NewKey(ev.ClientIP, ev.UserAgent)

	t.mu.RLock()
	needsGeo := t.needsCreate(ev, key, now)
	t.mu.RUnlock()

	var rec geo.Record
	if needsGeo {
		rec = t.lookup(ctx, ev.ClientIP)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.apply(ev, key, now, rec)
}

// IngestBatch applies events in order. Geo lookups for all listeners that
// would be created are issued concurrently first; their results are then
// written into the table by the calling goroutine alone.
func (t *Tracker) IngestBatch(ctx context.Context, events []*accesslog.Event, now time.Time) IngestStats {
	var ips []string
	pending := make(map[string]bool)

	t.mu.RLock()
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if pending[ev.ClientIP] {
			continue
		}
		if t.needsCreate(ev, NewKey(ev.ClientIP, ev.UserAgent), now) {
			pending[ev.ClientIP] = true
			ips = append(ips, ev.ClientIP)
		}
	}
	t.mu.RUnlock()

	records := make([]geo.Record, len(ips))
	if len(ips) > 0 && t.geo != nil {
		var g errgroup.Group
		g.SetLimit(t.concurrency)
		for i, ip := range ips {
			g.Go(func() error {
				records[i] = t.geo.Lookup(ctx, ip)
				return nil
			})
		}
		_ = g.Wait()
	}

	byIP := make(map[string]geo.Record, len(ips))
	for i, ip := range ips {
		byIP[ip] = records[i]
	}

	var stats IngestStats

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ev := range events {
		if ev == nil {
			stats.Ignored++
			continue
		}
		key := NewKey(ev.ClientIP, ev.UserAgent)
		_, existed := t.sessions[ev.Stream][key]

		if !t.apply(ev, key, now, byIP[ev.ClientIP]) {
			stats.Ignored++
		} else if existed {
			stats.Updated++
		} else {
			stats.Created++
		}
	}

	return stats
}

// needsCreate reports whether ev would start a new session. Caller holds mu.
func (t *Tracker) needsCreate(ev *accesslog.Event, key Key, now time.Time) bool {
	sessions, ok := t.sessions[ev.Stream]
	if !ok {
		return false
	}
	if _, exists := sessions[key]; exists {
		return false
	}
	return t.inWindow(ev.Timestamp, now)
}

// inWindow reports whether ts is no older than now minus the window. The
// boundary itself is inside.
func (t *Tracker) inWindow(ts, now time.Time) bool {
	return !ts.Before(now.Add(-t.window))
}

func (t *Tracker) lookup(ctx context.Context, ip string) geo.Record {
	if t.geo == nil {
		return geo.Record{Failed: true}
	}
	return t.geo.Lookup(ctx, ip)
}

// apply creates or refreshes the session for ev. Caller holds mu.
func (t *Tracker) apply(ev *accesslog.Event, key Key, now time.Time, rec geo.Record) bool {
	sessions, ok := t.sessions[ev.Stream]
	if !ok {
		t.logger.Debug().Str("stream", ev.Stream).Msg("Ignoring event for unknown stream")
		return false
	}

	if session, exists := sessions[key]; exists {
		if ev.Timestamp.After(session.LastSeen) {
			session.LastSeen = ev.Timestamp
		}
		if now.After(session.LastReport) {
			session.LastReport = now
		}
		// Segment names carry no rendition, so only playlists change it.
		if ev.Quality != "" {
			session.Mount = MountPrefix + ev.Quality
		}
		return true
	}

	if !t.inWindow(ev.Timestamp, now) {
		return false
	}

	session := &Session{
		Key:        key,
		Stream:     ev.Stream,
		ClientIP:   ev.ClientIP,
		UserAgent:  ev.UserAgent,
		FirstSeen:  ev.Timestamp,
		LastSeen:   ev.Timestamp,
		StartedAt:  ev.Timestamp,
		LastReport: now,
		Type:       SourceHLS,
	}
	if ev.Quality != "" {
		session.Mount = MountPrefix + ev.Quality
	}
	if rec.OK() {
		session.Geo = rec.Data
	}
	sessions[key] = session

	metrics.SessionsStarted.WithLabelValues(ev.Stream).Inc()

	t.logger.Info().
		Str("stream", ev.Stream).
		Str("ip", ev.ClientIP).
		Str("user_agent", ev.UserAgent).
		Bool("geo", session.Geo != nil).
		Msg("Listener connected")

	return true
}

// Sweep recomputes durations and removes sessions whose last request is
// older than now minus the activity window. It returns how many expired.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	expired := 0

	for stream, sessions := range t.sessions {
		for key, session := range sessions {
			if session.LastSeen.Before(cutoff) {
				delete(sessions, key)
				expired++
				metrics.SessionsExpired.WithLabelValues(stream).Inc()

				t.logger.Info().
					Str("stream", stream).
					Str("ip", session.ClientIP).
					Str("user_agent", session.UserAgent).
					Dur("connected", session.Duration).
					Msg("Listener expired")
				continue
			}

			duration := session.LastReport.Sub(session.StartedAt)
			if duration < 0 {
				duration = 0
			}
			session.Duration = duration
		}
		metrics.ActiveListeners.WithLabelValues(stream).Set(float64(len(sessions)))
	}

	return expired
}

// Snapshot returns a copy of the table. Every configured stream is present.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := make(Snapshot, len(t.sessions))
	for stream, sessions := range t.sessions {
		list := make([]Session, 0, len(sessions))
		for _, session := range sessions {
			list = append(list, *session)
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].StartedAt.Equal(list[j].StartedAt) {
				return list[i].StartedAt.Before(list[j].StartedAt)
			}
			return list[i].Key < list[j].Key
		})
		snap[stream] = list
	}

	return snap
}

// Counts returns the number of sessions per stream.
func (t *Tracker) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int, len(t.sessions))
	for stream, sessions := range t.sessions {
		counts[stream] = len(sessions)
	}
	return counts
}

// Session returns a copy of the session for stream and key.
func (t *Tracker) Session(stream string, key Key) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[stream][key]
	if !ok {
		return Session{}, false
	}
	return *session, true
}
