package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Streams   []string        `mapstructure:"streams"`
	Log       LogConfig       `mapstructure:"log"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Output    OutputConfig    `mapstructure:"output"`
	Collector CollectorConfig `mapstructure:"collector"`
	Geo       GeoConfig       `mapstructure:"geo"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LogConfig defines the access log source
type LogConfig struct {
	Path string `mapstructure:"path"`
	Mode string `mapstructure:"mode"` // "tail" or "full"
}

// TrackingConfig defines listener session tracking settings
type TrackingConfig struct {
	ActivityWindow    time.Duration `mapstructure:"activity_window"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LookupConcurrency int           `mapstructure:"lookup_concurrency"`
}

// OutputConfig defines roster sinks
type OutputConfig struct {
	File                     string        `mapstructure:"file"`
	SinkTimeout              time.Duration `mapstructure:"sink_timeout"`
	IncludeFormattedDuration bool          `mapstructure:"include_formatted_duration"`
	Redis                    RedisConfig   `mapstructure:"redis"`
}

// RedisConfig defines the optional Redis roster sink
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// CollectorConfig defines the remote roster collector
type CollectorConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	UsernameFile string        `mapstructure:"username_file"`
	PasswordFile string        `mapstructure:"password_file"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// GeoConfig defines geolocation enrichment
type GeoConfig struct {
	Provider      string        `mapstructure:"provider"` // "http", "mmdb" or "none"
	URL           string        `mapstructure:"url"`
	MMDBPath      string        `mapstructure:"mmdb_path"`
	CacheSize     int           `mapstructure:"cache_size"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("HLSROSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Streams = splitStreams(config.Streams)

	if err := config.resolveSecrets(); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	v.SetDefault("streams", []string{"stream1", "stream2"})

	v.SetDefault("log.path", "/var/log/nginx/hls.access.log")
	v.SetDefault("log.mode", "tail")

	v.SetDefault("tracking.activity_window", "40s")
	v.SetDefault("tracking.poll_interval", "20s")
	v.SetDefault("tracking.lookup_concurrency", 8)

	v.SetDefault("output.file", "./listeners.json")
	v.SetDefault("output.sink_timeout", "10s")
	v.SetDefault("output.include_formatted_duration", false)
	v.SetDefault("output.redis.enabled", false)
	v.SetDefault("output.redis.host", "localhost")
	v.SetDefault("output.redis.port", 6379)
	v.SetDefault("output.redis.password", "")
	v.SetDefault("output.redis.db", 0)
	v.SetDefault("output.redis.key_prefix", "hlsroster")
	v.SetDefault("output.redis.dial_timeout", "5s")
	v.SetDefault("output.redis.read_timeout", "3s")
	v.SetDefault("output.redis.write_timeout", "3s")

	v.SetDefault("collector.endpoint", "http://endpoint:9999/hls_stat")
	v.SetDefault("collector.username", "")
	v.SetDefault("collector.password", "")
	v.SetDefault("collector.username_file", "/run/secrets/api_username")
	v.SetDefault("collector.password_file", "/run/secrets/api_password")
	v.SetDefault("collector.timeout", "10s")

	v.SetDefault("geo.provider", "http")
	v.SetDefault("geo.url", "http://ip-api.com/json/")
	v.SetDefault("geo.mmdb_path", "")
	v.SetDefault("geo.cache_size", 0)
	v.SetDefault("geo.rate_per_minute", 40)
	v.SetDefault("geo.timeout", "5s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// ValidKeys returns the set of recognised configuration keys
func ValidKeys() map[string]bool {
	v := viper.New()
	SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// splitStreams accepts both list values and a single comma-separated
// value such as HLSROSTER_STREAMS="stream1,stream2".
func splitStreams(in []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, item := range in {
		for _, name := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// resolveSecrets fills collector credentials from secret files when they
// are not set directly. A missing secret file is not an error.
func (c *Config) resolveSecrets() error {
	if c.Collector.Username == "" && c.Collector.UsernameFile != "" {
		secret, err := ReadSecretFile(c.Collector.UsernameFile)
		if err != nil {
			return err
		}
		c.Collector.Username = secret
	}
	if c.Collector.Password == "" && c.Collector.PasswordFile != "" {
		secret, err := ReadSecretFile(c.Collector.PasswordFile)
		if err != nil {
			return err
		}
		c.Collector.Password = secret
	}
	return nil
}

// ReadSecretFile reads a secret (e.g. a Docker secret) from a file and trims
// surrounding whitespace. It returns "" without error if the file is missing.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("Secret file not found")
			return "", nil
		}
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if len(cfg.Streams) == 0 {
		return fmt.Errorf("at least one stream name is required")
	}
	for _, stream := range cfg.Streams {
		// Collides with the totals key in the published document
		if stream == "total_listeners" {
			return fmt.Errorf("stream name %q is reserved", stream)
		}
	}

	if cfg.Log.Path == "" {
		return fmt.Errorf("log path is required")
	}

	switch cfg.Log.Mode {
	case "tail", "full":
	case "":
		cfg.Log.Mode = "tail"
	default:
		return fmt.Errorf("invalid log mode: %q (expected tail or full)", cfg.Log.Mode)
	}

	if cfg.Tracking.ActivityWindow <= 0 {
		return fmt.Errorf("activity window must be positive: %s", cfg.Tracking.ActivityWindow)
	}
	if cfg.Tracking.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %s", cfg.Tracking.PollInterval)
	}
	if cfg.Tracking.LookupConcurrency <= 0 {
		cfg.Tracking.LookupConcurrency = 1
	}

	if cfg.Output.SinkTimeout <= 0 {
		return fmt.Errorf("sink timeout must be positive: %s", cfg.Output.SinkTimeout)
	}

	switch cfg.Geo.Provider {
	case "http":
		if cfg.Geo.URL == "" {
			return fmt.Errorf("geo url is required for the http provider")
		}
	case "mmdb":
		if cfg.Geo.MMDBPath == "" {
			return fmt.Errorf("geo mmdb_path is required for the mmdb provider")
		}
	case "none", "":
		cfg.Geo.Provider = "none"
	default:
		return fmt.Errorf("invalid geo provider: %q (expected http, mmdb or none)", cfg.Geo.Provider)
	}

	if cfg.Geo.CacheSize < 0 {
		return fmt.Errorf("geo cache size cannot be negative: %d", cfg.Geo.CacheSize)
	}

	return nil
}
