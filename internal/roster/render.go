// Package roster renders the listener table into the published JSON
// document and delivers it to sinks.
package roster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/goodtune/hlsroster/internal/listener"
)

// TotalsKey is the document key holding per-stream listener counts.
const TotalsKey = "total_listeners"

// Options control optional document fields.
type Options struct {
	IncludeFormattedDuration bool
}

// Listener is one entry of a stream's roster.
type Listener struct {
	IPAddress      string `json:"ip_address"`
	UserAgent      string `json:"user_agent"`
	ConnectedOn    int64  `json:"connected_on"`
	ConnectedUntil int64  `json:"connected_until"`
	ConnectedTime  int64  `json:"connected_time"`
	// "MM:SS", only when enabled.
	ConnectedTimeFormatted string          `json:"connected_time_formatted,omitempty"`
	IsActive               bool            `json:"is_active"`
	MountName              *string         `json:"mount_name"`
	Location               json.RawMessage `json:"location"`
	Type                   string          `json:"type"`
}

// Document is a rendered roster. It marshals to a single object with the
// totals under "total_listeners" and one array per stream, in stream order.
type Document struct {
	Streams     []string
	Totals      map[string]int
	Listeners   map[string][]Listener
	GeneratedAt time.Time
}

// Total returns the number of listeners across all streams.
func (d *Document) Total() int {
	n := 0
	for _, count := range d.Totals {
		n += count
	}
	return n
}

// Render builds a document from snap for the configured streams. Every
// stream appears, with an empty list when it has no listeners.
func Render(snap listener.Snapshot, streams []string, opts Options, now time.Time) *Document {
	doc := &Document{
		Streams:     append([]string(nil), streams...),
		Totals:      make(map[string]int, len(streams)),
		Listeners:   make(map[string][]Listener, len(streams)),
		GeneratedAt: now,
	}

	for _, stream := range streams {
		sessions := snap[stream]
		list := make([]Listener, 0, len(sessions))
		for _, s := range sessions {
			list = append(list, renderSession(s, opts))
		}
		doc.Listeners[stream] = list
		doc.Totals[stream] = len(list)
	}

	return doc
}

func renderSession(s listener.Session, opts Options) Listener {
	seconds := int64(math.Round(s.Duration.Seconds()))

	l := Listener{
		IPAddress:      s.ClientIP,
		UserAgent:      s.UserAgent,
		ConnectedOn:    s.StartedAt.Unix(),
		ConnectedUntil: s.LastReport.Unix(),
		ConnectedTime:  seconds,
		IsActive:       true,
		Location:       s.Geo,
		Type:           s.Type,
	}
	if s.Mount != "" {
		mount := s.Mount
		l.MountName = &mount
	}
	if opts.IncludeFormattedDuration {
		l.ConnectedTimeFormatted = FormatDuration(seconds)
	}

	return l
}

// FormatDuration formats seconds as zero-padded "MM:SS". Minutes are not
// wrapped into hours.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// MarshalJSON implements json.Marshaler.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	totals, err := json.Marshal(d.Totals)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`{"` + TotalsKey + `":`)
	buf.Write(totals)

	for _, stream := range d.Streams {
		name, err := json.Marshal(stream)
		if err != nil {
			return nil, err
		}
		list := d.Listeners[stream]
		if list == nil {
			list = []Listener{}
		}
		entries, err := json.Marshal(list)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(entries)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
