package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/hlsroster/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the hlsroster configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig(), unknownKeys)
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.ValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[streams]")
	dumpField("  streams", cfg.Streams, defaultCfg.Streams, yellow, green)

	_, _ = cyan.Println("\n[log]")
	dumpField("  path", cfg.Log.Path, defaultCfg.Log.Path, yellow, green)
	dumpField("  mode", cfg.Log.Mode, defaultCfg.Log.Mode, yellow, green)

	_, _ = cyan.Println("\n[tracking]")
	dumpField("  activity_window", cfg.Tracking.ActivityWindow, defaultCfg.Tracking.ActivityWindow, yellow, green)
	dumpField("  poll_interval", cfg.Tracking.PollInterval, defaultCfg.Tracking.PollInterval, yellow, green)
	dumpField("  lookup_concurrency", cfg.Tracking.LookupConcurrency, defaultCfg.Tracking.LookupConcurrency, yellow, green)

	_, _ = cyan.Println("\n[output]")
	dumpField("  file", cfg.Output.File, defaultCfg.Output.File, yellow, green)
	dumpField("  sink_timeout", cfg.Output.SinkTimeout, defaultCfg.Output.SinkTimeout, yellow, green)
	dumpField("  include_formatted_duration", cfg.Output.IncludeFormattedDuration, defaultCfg.Output.IncludeFormattedDuration, yellow, green)
	_, _ = cyan.Println("  [output.redis]")
	dumpField("    enabled", cfg.Output.Redis.Enabled, defaultCfg.Output.Redis.Enabled, yellow, green)
	dumpField("    host", cfg.Output.Redis.Host, defaultCfg.Output.Redis.Host, yellow, green)
	dumpField("    port", cfg.Output.Redis.Port, defaultCfg.Output.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Output.Redis.Password), redactPassword(defaultCfg.Output.Redis.Password), yellow, green)
	dumpField("    db", cfg.Output.Redis.DB, defaultCfg.Output.Redis.DB, yellow, green)
	dumpField("    key_prefix", cfg.Output.Redis.KeyPrefix, defaultCfg.Output.Redis.KeyPrefix, yellow, green)
	dumpField("    dial_timeout", cfg.Output.Redis.DialTimeout, defaultCfg.Output.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Output.Redis.ReadTimeout, defaultCfg.Output.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Output.Redis.WriteTimeout, defaultCfg.Output.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[collector]")
	dumpField("  endpoint", cfg.Collector.Endpoint, defaultCfg.Collector.Endpoint, yellow, green)
	dumpField("  username", cfg.Collector.Username, defaultCfg.Collector.Username, yellow, green)
	dumpField("  password", redactPassword(cfg.Collector.Password), redactPassword(defaultCfg.Collector.Password), yellow, green)
	dumpField("  username_file", cfg.Collector.UsernameFile, defaultCfg.Collector.UsernameFile, yellow, green)
	dumpField("  password_file", cfg.Collector.PasswordFile, defaultCfg.Collector.PasswordFile, yellow, green)
	dumpField("  timeout", cfg.Collector.Timeout, defaultCfg.Collector.Timeout, yellow, green)

	_, _ = cyan.Println("\n[geo]")
	dumpField("  provider", cfg.Geo.Provider, defaultCfg.Geo.Provider, yellow, green)
	dumpField("  url", cfg.Geo.URL, defaultCfg.Geo.URL, yellow, green)
	dumpField("  mmdb_path", cfg.Geo.MMDBPath, defaultCfg.Geo.MMDBPath, yellow, green)
	dumpField("  cache_size", cfg.Geo.CacheSize, defaultCfg.Geo.CacheSize, yellow, green)
	dumpField("  rate_per_minute", cfg.Geo.RatePerMinute, defaultCfg.Geo.RatePerMinute, yellow, green)
	dumpField("  timeout", cfg.Geo.Timeout, defaultCfg.Geo.Timeout, yellow, green)

	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  addr", cfg.Metrics.Addr, defaultCfg.Metrics.Addr, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
