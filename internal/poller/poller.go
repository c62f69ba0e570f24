// Package poller drives the read, ingest, sweep and publish cycle.
package poller

import (
	"context"
	"time"

	"github.com/goodtune/hlsroster/internal/accesslog"
	"github.com/goodtune/hlsroster/internal/listener"
	"github.com/goodtune/hlsroster/internal/metrics"
	"github.com/goodtune/hlsroster/internal/roster"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the time between cycles
	DefaultInterval = 20 * time.Second

	// DefaultSinkTimeout bounds each sink per cycle
	DefaultSinkTimeout = 10 * time.Second
)

// LineSource yields access log lines not yet delivered.
type LineSource interface {
	ReadLines(fn func(line string)) (int, error)
}

// LineParser turns one log line into an event.
type LineParser interface {
	ParseReason(line string) (*accesslog.Event, accesslog.RejectReason)
}

// Config holds poller configuration
type Config struct {
	Interval    time.Duration
	SinkTimeout time.Duration
	Render      roster.Options

	// Heartbeat, when set, is called after every cycle (systemd watchdog).
	Heartbeat func() error
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Lines     int
	Parsed    int
	Rejected  int
	Created   int
	Expired   int
	Listeners int
	Published int
	Failed    int
	ReadErr   error
}

// Poller runs cycles on a fixed interval. Only the poller goroutine writes
// to the tracker.
type Poller struct {
	config  Config
	source  LineSource
	parser  LineParser
	tracker *listener.Tracker
	sinks   []roster.Sink
	clock   Clock
	logger  zerolog.Logger
}

// New creates a poller. A nil clock uses the system time.
func New(config Config, source LineSource, parser LineParser, tracker *listener.Tracker, sinks []roster.Sink, clock Clock, logger zerolog.Logger) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = DefaultSinkTimeout
	}
	if clock == nil {
		clock = RealClock{}
	}

	return &Poller{
		config:  config,
		source:  source,
		parser:  parser,
		tracker: tracker,
		sinks:   sinks,
		clock:   clock,
		logger:  logger.With().Str("component", "poller").Logger(),
	}
}

// Run executes the first cycle immediately and then one per interval until
// ctx is cancelled. A cycle in progress when ctx is cancelled completes.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.config.Interval).
		Int("sinks", len(p.sinks)).
		Msg("Starting poll loop")

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		p.Cycle(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Poll loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one read, ingest, sweep, render and publish pass. Failures are
// logged and reflected in the result; they never abort the cycle.
func (p *Poller) Cycle(ctx context.Context) CycleResult {
	started := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	// The cycle finishes even if ctx is cancelled part way through
	ctx = context.WithoutCancel(ctx)

	var result CycleResult
	var events []*accesslog.Event

	n, err := p.source.ReadLines(func(line string) {
		ev, reason := p.parser.ParseReason(line)
		if reason != accesslog.RejectNone {
			result.Rejected++
			metrics.LogLinesTotal.WithLabelValues(string(reason)).Inc()
			p.logger.Debug().Str("reason", string(reason)).Str("line", line).Msg("Rejected log line")
			return
		}
		result.Parsed++
		metrics.LogLinesTotal.WithLabelValues("parsed").Inc()
		events = append(events, ev)
	})
	result.Lines = n
	if err != nil {
		// Lines delivered before the error are still ingested
		result.ReadErr = err
		metrics.LogReadErrors.Inc()
		p.logger.Error().Err(err).Msg("Failed to read access log")
	}

	now := p.clock.Now()

	stats := p.tracker.IngestBatch(ctx, events, now)
	result.Created = stats.Created
	result.Expired = p.tracker.Sweep(now)

	doc := roster.Render(p.tracker.Snapshot(), p.tracker.Streams(), p.config.Render, now)
	result.Listeners = doc.Total()

	result.Published, result.Failed = p.publish(ctx, doc)

	if p.config.Heartbeat != nil {
		if err := p.config.Heartbeat(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to send watchdog heartbeat")
		}
	}

	p.logger.Info().
		Int("lines", result.Lines).
		Int("rejected", result.Rejected).
		Int("connected", result.Created).
		Int("expired", result.Expired).
		Int("listeners", result.Listeners).
		Int("failed_sinks", result.Failed).
		Msg("Cycle complete")

	return result
}

// publish hands doc to every sink concurrently and waits at most the sink
// timeout. A sink still running after that counts as failed and is left to
// finish in the background.
func (p *Poller) publish(ctx context.Context, doc *roster.Document) (published, failed int) {
	if len(p.sinks) == 0 {
		return 0, 0
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.SinkTimeout)
	defer cancel()

	type outcome struct {
		sink roster.Sink
		err  error
	}
	// Buffered so late sinks never block after we stop waiting
	results := make(chan outcome, len(p.sinks))

	for _, sink := range p.sinks {
		go func() {
			results <- outcome{sink: sink, err: sink.Publish(ctx, doc)}
		}()
	}

	pending := make(map[string]bool, len(p.sinks))
	for _, sink := range p.sinks {
		pending[sink.Name()] = true
	}

	for range p.sinks {
		select {
		case res := <-results:
			delete(pending, res.sink.Name())
			if res.err != nil {
				failed++
				metrics.PublishTotal.WithLabelValues(res.sink.Name(), "error").Inc()
				p.logger.Error().Err(res.err).Str("sink", res.sink.Name()).Msg("Failed to publish roster")
				continue
			}
			published++
			metrics.PublishTotal.WithLabelValues(res.sink.Name(), "success").Inc()
			p.logger.Debug().Str("sink", res.sink.Name()).Int("listeners", doc.Total()).Msg("Published roster")
		case <-ctx.Done():
			for name := range pending {
				failed++
				metrics.PublishTotal.WithLabelValues(name, "timeout").Inc()
				p.logger.Error().Str("sink", name).Dur("timeout", p.config.SinkTimeout).Msg("Sink did not finish in time")
			}
			return published, failed
		}
	}

	return published, failed
}
