package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/hlsroster/internal/accesslog"
	"github.com/goodtune/hlsroster/internal/config"
	"github.com/goodtune/hlsroster/internal/geo"
	"github.com/goodtune/hlsroster/internal/listener"
	"github.com/goodtune/hlsroster/internal/metrics"
	"github.com/goodtune/hlsroster/internal/poller"
	"github.com/goodtune/hlsroster/internal/roster"
	"github.com/goodtune/hlsroster/internal/storage/redis"
	"github.com/goodtune/hlsroster/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the roster poller",
	Long:  `Follow the access log and publish the listener roster on every poll interval until interrupted.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Strs("streams", cfg.Streams).
		Msg("Starting hlsroster")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	parser, err := accesslog.NewParser(cfg.Streams)
	if err != nil {
		return fmt.Errorf("failed to build log parser: %w", err)
	}

	provider, closeProvider, err := openGeoProvider(cfg.Geo)
	if err != nil {
		return fmt.Errorf("failed to initialize geo provider: %w", err)
	}
	defer func() {
		if err := closeProvider.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close geo provider")
		}
	}()

	var lookup listener.GeoLookup
	if provider != nil {
		cache, err := geo.NewCache(provider, cfg.Geo.CacheSize, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize geo cache: %w", err)
		}
		lookup = cache
	}

	logger.Info().
		Str("provider", cfg.Geo.Provider).
		Int("cache_size", cfg.Geo.CacheSize).
		Msg("Geo enrichment initialized")

	tracker := listener.NewTracker(listener.Config{
		Streams:           cfg.Streams,
		ActivityWindow:    cfg.Tracking.ActivityWindow,
		LookupConcurrency: cfg.Tracking.LookupConcurrency,
	}, lookup, logger)

	sinks, closeSinks, err := buildSinks(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sinks: %w", err)
	}
	defer func() {
		if err := closeSinks.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close sinks")
		}
	}()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	pollerConfig := poller.Config{
		Interval:    cfg.Tracking.PollInterval,
		SinkTimeout: cfg.Output.SinkTimeout,
		Render: roster.Options{
			IncludeFormattedDuration: cfg.Output.IncludeFormattedDuration,
		},
	}
	if interval := systemd.WatchdogInterval(); interval > 0 {
		pollerConfig.Heartbeat = systemd.NotifyWatchdog
		if interval <= cfg.Tracking.PollInterval {
			logger.Warn().
				Dur("watchdog", interval).
				Dur("poll_interval", cfg.Tracking.PollInterval).
				Msg("Watchdog interval is not longer than the poll interval")
		}
	}

	p := poller.New(pollerConfig, openLogSource(cfg.Log), parser, tracker, sinks, poller.RealClock{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	logger.Info().
		Str("log", cfg.Log.Path).
		Str("mode", cfg.Log.Mode).
		Dur("window", cfg.Tracking.ActivityWindow).
		Msg("hlsroster startup complete")

	if err := p.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Poll loop failed")
	}

	logger.Info().Msg("Shutdown signal received, stopped after the last cycle")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("hlsroster stopped")

	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

// openGeoProvider returns a nil provider for "none".
func openGeoProvider(cfg config.GeoConfig) (geo.Provider, io.Closer, error) {
	switch cfg.Provider {
	case "http":
		return geo.NewHTTPProvider(geo.HTTPConfig{
			URL:           cfg.URL,
			Timeout:       cfg.Timeout,
			RatePerMinute: cfg.RatePerMinute,
		}), nopCloser, nil
	case "mmdb":
		provider, err := geo.NewMMDBProvider(cfg.MMDBPath)
		if err != nil {
			return nil, nil, err
		}
		return provider, provider, nil
	case "none":
		return nil, nopCloser, nil
	default:
		return nil, nil, fmt.Errorf("unsupported geo provider: %s", cfg.Provider)
	}
}

// buildSinks assembles the configured sinks. The returned closer releases
// any connections they hold.
func buildSinks(cfg *config.Config, logger zerolog.Logger) ([]roster.Sink, io.Closer, error) {
	var sinks []roster.Sink
	closer := io.Closer(nopCloser)

	if cfg.Output.File != "" {
		sinks = append(sinks, roster.NewFileSink(cfg.Output.File))
		logger.Info().Str("path", cfg.Output.File).Msg("File sink enabled")
	}

	if cfg.Collector.Endpoint != "" {
		if cfg.Collector.Username == "" || cfg.Collector.Password == "" {
			logger.Warn().Str("endpoint", cfg.Collector.Endpoint).Msg("Collector credentials incomplete")
		}
		sinks = append(sinks, roster.NewHTTPSink(roster.HTTPConfig{
			Endpoint: cfg.Collector.Endpoint,
			Username: cfg.Collector.Username,
			Password: cfg.Collector.Password,
			Timeout:  cfg.Collector.Timeout,
		}))
		logger.Info().Str("endpoint", cfg.Collector.Endpoint).Msg("Collector sink enabled")
	}

	if cfg.Output.Redis.Enabled {
		store, err := redis.Open(cfg.Output.Redis)
		if err != nil {
			return nil, nil, err
		}
		closer = store
		sinks = append(sinks, roster.NewStoreSink(store.Rosters()))
		logger.Info().
			Str("redis_host", cfg.Output.Redis.Host).
			Int("redis_port", cfg.Output.Redis.Port).
			Str("channel", store.UpdatesChannel()).
			Msg("Redis sink enabled")
	}

	if len(sinks) == 0 {
		logger.Warn().Msg("No sinks configured, rosters will only be logged")
	}

	return sinks, closer, nil
}

func openLogSource(cfg config.LogConfig) *accesslog.Tailer {
	if cfg.Mode == "full" {
		return accesslog.NewFullReader(cfg.Path)
	}
	return accesslog.NewTailer(cfg.Path)
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}
