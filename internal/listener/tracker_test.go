package listener

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/hlsroster/internal/accesslog"
	"github.com/goodtune/hlsroster/internal/geo"
	"github.com/rs/zerolog"
)

var baseTime = time.Date(2024, 10, 10, 13, 55, 0, 0, time.UTC)

type fakeGeo struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeGeo() *fakeGeo {
	return &fakeGeo{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakeGeo) Lookup(_ context.Context, ip string) geo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ip]++
	if f.fail[ip] {
		return geo.Record{Failed: true}
	}
	return geo.Record{Data: json.RawMessage(`{"country":"Testland"}`)}
}

func (f *fakeGeo) count(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ip]
}

func newTestTracker(t *testing.T, g GeoLookup) *Tracker {
	t.Helper()
	return NewTracker(Config{
		Streams:        []string{"stream1", "stream2"},
		ActivityWindow: 40 * time.Second,
	}, g, zerolog.Nop())
}

func event(stream, file, ip, ua string, ts time.Time) *accesslog.Event {
	return &accesslog.Event{
		ClientIP:  ip,
		Timestamp: ts,
		Stream:    stream,
		File:      file,
		Status:    200,
		UserAgent: ua,
		Quality:   accesslog.Quality(file),
	}
}

func TestTracker_CreateSession(t *testing.T) {
	g := newFakeGeo()
	tr := newTestTracker(t, g)
	ctx := context.Background()
	now := baseTime.Add(2 * time.Second)

	if !tr.Ingest(ctx, event("stream1", "seg001.ts", "1.2.3.4", "X", baseTime), now) {
		t.Fatal("Ingest() did not create session")
	}

	s, ok := tr.Session("stream1", NewKey("1.2.3.4", "X"))
	if !ok {
		t.Fatal("Session not found after ingest")
	}
	if !s.FirstSeen.Equal(baseTime) || !s.LastSeen.Equal(baseTime) || !s.StartedAt.Equal(baseTime) {
		t.Errorf("Unexpected timestamps: %+v", s)
	}
	if !s.LastReport.Equal(now) {
		t.Errorf("LastReport = %v, want %v", s.LastReport, now)
	}
	if s.Mount != "" {
		t.Errorf("Segment-only session should have no mount, got %q", s.Mount)
	}
	if string(s.Geo) != `{"country":"Testland"}` {
		t.Errorf("Geo = %s", s.Geo)
	}
	if s.Type != SourceHLS {
		t.Errorf("Type = %q, want %q", s.Type, SourceHLS)
	}
}

func TestTracker_StaleEventForNewKeyIgnored(t *testing.T) {
	g := newFakeGeo()
	tr := newTestTracker(t, g)

	now := baseTime.Add(41 * time.Second)
	if tr.Ingest(context.Background(), event("stream1", "seg.ts", "1.2.3.4", "X", baseTime), now) {
		t.Error("Ingest() created a session from a stale line")
	}
	if tr.Counts()["stream1"] != 0 {
		t.Errorf("Expected no sessions, got %d", tr.Counts()["stream1"])
	}
	if g.count("1.2.3.4") != 0 {
		t.Error("Geo lookup made for a stale line")
	}
}

func TestTracker_UnknownStreamIgnored(t *testing.T) {
	tr := newTestTracker(t, newFakeGeo())
	if tr.Ingest(context.Background(), event("other", "seg.ts", "1.2.3.4", "X", baseTime), baseTime) {
		t.Error("Ingest() accepted event for unconfigured stream")
	}
}

func TestTracker_QualityLabel(t *testing.T) {
	tr := newTestTracker(t, newFakeGeo())
	ctx := context.Background()
	key := NewKey("1.2.3.4", "X")

	tr.Ingest(ctx, event("stream1", "high.m3u8", "1.2.3.4", "X", baseTime), baseTime)
	if s, _ := tr.Session("stream1", key); s.Mount != "HLS: high" {
		t.Errorf("Mount = %q, want HLS: high", s.Mount)
	}

	tr.Ingest(ctx, event("stream1", "seg002.ts", "1.2.3.4", "X", baseTime.Add(time.Second)), baseTime.Add(time.Second))
	if s, _ := tr.Session("stream1", key); s.Mount != "HLS: high" {
		t.Errorf("Segment request changed mount to %q", s.Mount)
	}

	tr.Ingest(ctx, event("stream1", "low.m3u8", "1.2.3.4", "X", baseTime.Add(2*time.Second)), baseTime.Add(2*time.Second))
	if s, _ := tr.Session("stream1", key); s.Mount != "HLS: low" {
		t.Errorf("Mount = %q, want HLS: low", s.Mount)
	}
}

func TestTracker_LastSeenMonotonic(t *testing.T) {
	tr := newTestTracker(t, newFakeGeo())
	ctx := context.Background()
	key := NewKey("1.2.3.4", "X")
	now := baseTime.Add(20 * time.Second)

	tr.Ingest(ctx, event("stream1", "seg2.ts", "1.2.3.4", "X", baseTime.Add(10*time.Second)), now)
	tr.Ingest(ctx, event("stream1", "seg1.ts", "1.2.3.4", "X", baseTime), now)

	s, _ := tr.Session("stream1", key)
	if !s.LastSeen.Equal(baseTime.Add(10 * time.Second)) {
		t.Errorf("LastSeen moved backwards to %v", s.LastSeen)
	}
}

func TestTracker_ReplayDoesNotInflateDuration(t *testing.T) {
	tr := newTestTracker(t, newFakeGeo())
	ctx := context.Background()
	key := NewKey("1.2.3.4", "X")

	ev := event("stream1", "seg001.ts", "1.2.3.4", "X", baseTime)
	now := baseTime.Add(5 * time.Second)

	for i := 0; i < 5; i++ {
		tr.Ingest(ctx, ev, now)
	}
	tr.Sweep(now)

	s, _ := tr.Session("stream1", key)
	want := s.LastReport.Sub(s.StartedAt)
	if s.Duration != want || s.Duration != 5*time.Second {
		t.Errorf("Duration = %s, want %s", s.Duration, want)
	}

	// Same line again in a later cycle.
	later := baseTime.Add(10 * time.Second)
	tr.IngestBatch(ctx, []*accesslog.Event{ev, ev}, later)
	tr.Sweep(later)

	s, _ = tr.Session("stream1", key)
	if s.Duration > s.LastReport.Sub(s.StartedAt) {
		t.Errorf("Duration %s exceeds LastReport-StartedAt %s", s.Duration, s.LastReport.Sub(s.StartedAt))
	}
}

func TestTracker_SweepBoundary(t *testing.T) {
	tests := []struct {
		name     string
		sweepAt  time.Duration
		retained bool
	}{
		{"inside window", 39 * time.Second, true},
		{"exactly at window", 40 * time.Second, true},
		{"one second past", 41 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(t, newFakeGeo())
			tr.Ingest(context.Background(), event("stream1", "seg.ts", "1.2.3.4", "X", baseTime), baseTime)

			expired := tr.Sweep(baseTime.Add(tt.sweepAt))
			_, ok := tr.Session("stream1", NewKey("1.2.3.4", "X"))
			if ok != tt.retained {
				t.Errorf("retained = %v, want %v", ok, tt.retained)
			}
			if (expired == 1) == tt.retained {
				t.Errorf("Sweep() expired = %d", expired)
			}
		})
	}
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr := newTestTracker(t, newFakeGeo())
	tr.Ingest(context.Background(), event("stream1", "high.m3u8", "1.2.3.4", "X", baseTime), baseTime)

	snap := tr.Snapshot()
	snap["stream1"][0].Mount = "mutated"
	snap["stream1"] = nil

	s, ok := tr.Session("stream1", NewKey("1.2.3.4", "X"))
	if !ok || s.Mount != "HLS: high" {
		t.Errorf("Snapshot mutation leaked into tracker: %+v", s)
	}
	if _, ok := tr.Snapshot()["stream2"]; !ok {
		t.Error("Snapshot should include empty configured streams")
	}
}

func TestTracker_GeoFailureNotRetried(t *testing.T) {
	g := newFakeGeo()
	g.fail["5.5.5.5"] = true
	tr := newTestTracker(t, g)
	ctx := context.Background()

	tr.Ingest(ctx, event("stream1", "seg.ts", "5.5.5.5", "X", baseTime), baseTime)
	tr.Ingest(ctx, event("stream1", "seg2.ts", "5.5.5.5", "X", baseTime.Add(time.Second)), baseTime.Add(time.Second))

	s, _ := tr.Session("stream1", NewKey("5.5.5.5", "X"))
	if s.Geo != nil {
		t.Errorf("Expected nil geo after failed lookup, got %s", s.Geo)
	}
	if g.count("5.5.5.5") != 1 {
		t.Errorf("Geo looked up %d times for an existing session, want 1", g.count("5.5.5.5"))
	}
}

func TestTracker_IngestBatch(t *testing.T) {
	g := newFakeGeo()
	tr := newTestTracker(t, g)

	events := []*accesslog.Event{
		event("stream1", "seg1.ts", "1.1.1.1", "A", baseTime),
		event("stream1", "seg1.ts", "1.1.1.1", "B", baseTime),
		event("stream2", "seg1.ts", "1.1.1.1", "A", baseTime),
		event("stream1", "seg2.ts", "1.1.1.1", "A", baseTime.Add(time.Second)),
		event("stream2", "seg1.ts", "2.2.2.2", "A", baseTime),
		event("stream3", "seg1.ts", "3.3.3.3", "A", baseTime),
		nil,
	}

	stats := tr.IngestBatch(context.Background(), events, baseTime.Add(2*time.Second))
	if stats.Created != 4 || stats.Updated != 1 || stats.Ignored != 2 {
		t.Errorf("IngestBatch stats = %+v, want 4 created, 1 updated, 2 ignored", stats)
	}

	counts := tr.Counts()
	if counts["stream1"] != 2 || counts["stream2"] != 2 {
		t.Errorf("Counts = %v", counts)
	}
	if g.count("1.1.1.1") != 1 {
		t.Errorf("Shared IP looked up %d times, want 1", g.count("1.1.1.1"))
	}
	if g.count("3.3.3.3") != 0 {
		t.Error("Geo looked up for an unconfigured stream")
	}
}

// A segment at T and a playlist 15s later, swept at T+20s.
func TestTracker_SegmentThenManifestScenario(t *testing.T) {
	tr := newTestTracker(t, newFakeGeo())
	ctx := context.Background()

	tr.Ingest(ctx, event("stream1", "seg001.ts", "1.2.3.4", "X", baseTime), baseTime)
	tr.Ingest(ctx, event("stream1", "high.m3u8", "1.2.3.4", "X", baseTime.Add(15*time.Second)), baseTime.Add(15*time.Second))
	tr.Sweep(baseTime.Add(20 * time.Second))

	snap := tr.Snapshot()
	if len(snap["stream1"]) != 1 {
		t.Fatalf("Expected exactly one session, got %d", len(snap["stream1"]))
	}
	s := snap["stream1"][0]
	if s.Mount != "HLS: high" {
		t.Errorf("Mount = %q, want HLS: high", s.Mount)
	}
	if s.Duration.Round(time.Second) != 15*time.Second {
		t.Errorf("Duration = %s, want 15s", s.Duration)
	}
}

func TestTracker_ExpiredScenario(t *testing.T) {
	tr := newTestTracker(t, newFakeGeo())
	tr.Ingest(context.Background(), event("stream1", "seg.ts", "1.2.3.4", "X", baseTime), baseTime)

	if expired := tr.Sweep(baseTime.Add(tr.Window() + time.Second)); expired != 1 {
		t.Errorf("Sweep() expired %d, want 1", expired)
	}
	if n := tr.Snapshot().Total(); n != 0 {
		t.Errorf("Snapshot has %d sessions after expiry", n)
	}
}
