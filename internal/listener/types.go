package listener

import (
	"encoding/json"
	"time"
)

// SourceHLS tags sessions inferred from HLS segment and playlist requests.
const SourceHLS = "hls"

// MountPrefix prefixes the quality label reported for a session.
const MountPrefix = "HLS: "

// Key identifies one listener: the log carries no session token, so the
// client IP and user agent pair stands in for it. Clients sharing both
// (NAT, identical bots) collapse into one listener.
type Key string

// NewKey builds the composite key for ip and userAgent.
func NewKey(ip, userAgent string) Key {
	return Key(ip + "-" + userAgent)
}

// Session is one listener actively consuming a stream.
type Session struct {
	Key       Key
	Stream    string
	ClientIP  string
	UserAgent string

	// FirstSeen and LastSeen are log timestamps.
	FirstSeen time.Time
	LastSeen  time.Time

	// StartedAt is reported as connected_on and LastReport as
	// connected_until.
	StartedAt  time.Time
	LastReport time.Time

	// Duration is recomputed from StartedAt and LastReport on every sweep.
	Duration time.Duration

	// Mount is "HLS: <quality>" from the latest playlist request, or "".
	Mount string

	// Geo is fetched once at creation; nil when the lookup failed.
	Geo json.RawMessage

	Type string
}

// Snapshot is a point-in-time copy of the session table, stream to
// sessions ordered by start time.
type Snapshot map[string][]Session

// Total returns the number of sessions across all streams.
func (s Snapshot) Total() int {
	n := 0
	for _, sessions := range s {
		n += len(sessions)
	}
	return n
}
