// Package accesslog parses nginx HLS access log lines and reads new lines
// from a log file between polling cycles.
package accesslog

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the nginx $time_local format.
const TimestampLayout = "02/Jan/2006:15:04:05 -0700"

const (
	segmentSuffix  = ".ts"
	manifestSuffix = ".m3u8"
)

// ErrNoStreams is returned when a parser is built without stream names.
var ErrNoStreams = errors.New("accesslog: at least one stream name is required")

// RejectReason explains why a line did not produce an Event.
type RejectReason string

const (
	RejectNone      RejectReason = ""
	RejectShape     RejectReason = "shape"
	RejectTimestamp RejectReason = "timestamp"
)

// Event is one parsed access log line.
type Event struct {
	ClientIP  string
	Timestamp time.Time
	Stream    string
	File      string
	Status    int
	BytesSent int64
	Extra     string
	Referer   string
	UserAgent string
	// Quality is the manifest name without its extension, or "" for segments.
	Quality string
}

// IsManifest reports whether the request was for a playlist.
func (e *Event) IsManifest() bool {
	return strings.HasSuffix(e.File, manifestSuffix)
}

// IsSegment reports whether the request was for a media segment.
func (e *Event) IsSegment() bool {
	return strings.HasSuffix(e.File, segmentSuffix)
}

// Parser matches access log lines against a fixed set of stream names.
type Parser struct {
	re      *regexp.Regexp
	streams []string

	ipIdx, timeIdx, streamIdx, fileIdx int
	statusIdx, bytesIdx, extraIdx      int
	refererIdx, userAgentIdx           int
}

// NewParser builds a parser for the given stream names. Names are matched
// literally as the first path segment of the request.
func NewParser(streams []string) (*Parser, error) {
	quoted := make([]string, 0, len(streams))
	for _, s := range streams {
		if s == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(s))
	}
	if len(quoted) == 0 {
		return nil, ErrNoStreams
	}

	// The extra field is an optional token between bytes and referer. The
	// trailing anchor keeps it from swallowing the referer when absent.
	re, err := regexp.Compile(
		`^(?P<ip>\d{1,3}(?:\.\d{1,3}){3}|[0-9A-Fa-f]*:[0-9A-Fa-f:.]+) - \S+ \[(?P<time>[^\]]+)\] ` +
			`"GET /(?P<stream>` + strings.Join(quoted, "|") + `)/(?P<file>[^"\s]*?(?:\.ts|\.m3u8)) HTTP/1\.1" ` +
			`(?P<status>\d+) (?P<bytes>\d+)` +
			`(?: (?P<extra>"[^"]*"|[^"\s]+))?` +
			` "(?P<referer>[^"]*)" "(?P<ua>[^"]*)"\s*$`,
	)
	if err != nil {
		return nil, err
	}

	p := &Parser{
		re:      re,
		streams: append([]string(nil), streams...),
	}
	p.ipIdx = re.SubexpIndex("ip")
	p.timeIdx = re.SubexpIndex("time")
	p.streamIdx = re.SubexpIndex("stream")
	p.fileIdx = re.SubexpIndex("file")
	p.statusIdx = re.SubexpIndex("status")
	p.bytesIdx = re.SubexpIndex("bytes")
	p.extraIdx = re.SubexpIndex("extra")
	p.refererIdx = re.SubexpIndex("referer")
	p.userAgentIdx = re.SubexpIndex("ua")

	return p, nil
}

// Streams returns the configured stream names.
func (p *Parser) Streams() []string {
	return append([]string(nil), p.streams...)
}

// Parse turns one log line into an Event. It returns false for lines that
// are not HLS requests for a configured stream or carry a bad timestamp.
func (p *Parser) Parse(line string) (*Event, bool) {
	ev, reason := p.ParseReason(line)
	return ev, reason == RejectNone
}

// ParseReason is Parse with the reject reason exposed for metrics.
func (p *Parser) ParseReason(line string) (*Event, RejectReason) {
	m := p.re.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return nil, RejectShape
	}

	ts, err := time.Parse(TimestampLayout, m[p.timeIdx])
	if err != nil {
		return nil, RejectTimestamp
	}

	status, err := strconv.Atoi(m[p.statusIdx])
	if err != nil {
		return nil, RejectShape
	}
	bytesSent, err := strconv.ParseInt(m[p.bytesIdx], 10, 64)
	if err != nil {
		return nil, RejectShape
	}

	file := m[p.fileIdx]
	return &Event{
		ClientIP:  m[p.ipIdx],
		Timestamp: ts.UTC(),
		Stream:    m[p.streamIdx],
		File:      file,
		Status:    status,
		BytesSent: bytesSent,
		Extra:     strings.Trim(m[p.extraIdx], `"`),
		Referer:   m[p.refererIdx],
		UserAgent: m[p.userAgentIdx],
		Quality:   Quality(file),
	}, RejectNone
}

// Quality returns the rendition name of a manifest file ("high.m3u8" is
// "high"). Segment files carry no quality and return "".
func Quality(file string) string {
	if strings.HasSuffix(file, manifestSuffix) {
		return strings.TrimSuffix(file, manifestSuffix)
	}
	return ""
}
