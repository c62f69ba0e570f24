package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Log ingestion metrics
	LogLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsroster_log_lines_total",
			Help: "Access log lines read, by parse result",
		},
		[]string{"result"},
	)

	LogReadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hlsroster_log_read_errors_total",
			Help: "Failed attempts to read the access log",
		},
	)

	// Session metrics
	ActiveListeners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hlsroster_active_listeners",
			Help: "Listeners currently tracked per stream",
		},
		[]string{"stream"},
	)

	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsroster_sessions_started_total",
			Help: "Listener sessions created",
		},
		[]string{"stream"},
	)

	SessionsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsroster_sessions_expired_total",
			Help: "Listener sessions removed by the expiry sweep",
		},
		[]string{"stream"},
	)

	// Geo metrics
	GeoLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsroster_geo_lookups_total",
			Help: "Geo cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	// Publish metrics
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsroster_publish_total",
			Help: "Roster publish attempts by sink and result",
		},
		[]string{"sink", "result"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hlsroster_cycle_duration_seconds",
			Help:    "Duration of one poll cycle",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(
		LogLinesTotal,
		LogReadErrors,
		ActiveListeners,
		SessionsStarted,
		SessionsExpired,
		GeoLookupsTotal,
		PublishTotal,
		CycleDuration,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the HTTP handler serving /metrics and /health
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
