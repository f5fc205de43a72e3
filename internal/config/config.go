// Package config loads feedarchiver settings from an optional YAML file and
// FEEDARCHIVER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sampullara/feedarchiver/internal/firehose"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with dots in the
// key replaced by underscores: stream.url is FEEDARCHIVER_STREAM_URL.
const EnvPrefix = "FEEDARCHIVER"

// PathEnv names the environment variable holding the config file path.
const PathEnv = "FEEDARCHIVER_CONFIG"

// flagKeys maps command line flags to the settings they override.
var flagKeys = map[string]string{
	"url":       "stream.url",
	"max-lines": "stream.max_lines",
}

type Config struct {
	Stream          StreamConfig  `mapstructure:"stream"`
	Segment         SegmentConfig `mapstructure:"segment"`
	Archive         ArchiveConfig `mapstructure:"archive"`
	Users           UsersConfig   `mapstructure:"users"`
	Metrics         MetricsConfig `mapstructure:"metrics"`
	Logging         LoggingConfig `mapstructure:"logging"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StreamConfig struct {
	URL             string        `mapstructure:"url"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Token           string        `mapstructure:"token"`
	UserAgent       string        `mapstructure:"user_agent"`
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxLines        int64         `mapstructure:"max_lines"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	MaxRetries      int           `mapstructure:"max_retries"`
	GlobalCeiling   int64         `mapstructure:"global_ceiling"`
	ListenerCeiling int64         `mapstructure:"listener_ceiling"`
	Workers         int           `mapstructure:"workers"`
}

type SegmentConfig struct {
	Dir         string        `mapstructure:"dir"`
	Prefix      string        `mapstructure:"prefix"`
	Suffix      string        `mapstructure:"suffix"`
	Grace       time.Duration `mapstructure:"grace"`
	Level       int           `mapstructure:"level"`
	MaxInFlight int64         `mapstructure:"max_inflight"`
	ReportEvery int64         `mapstructure:"report_every"`
}

type ArchiveConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Store    string        `mapstructure:"store"`
	Interval time.Duration `mapstructure:"interval"`
	MinAge   time.Duration `mapstructure:"min_age"`
	Location string        `mapstructure:"location"`
	Dir      string        `mapstructure:"dir"`
	S3       S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	StorageClass string `mapstructure:"storage_class"`
	PathStyle    bool   `mapstructure:"path_style"`
}

type UsersConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	NoSync  bool   `mapstructure:"no_sync"`
}

type MetricsConfig struct {
	Addr            string        `mapstructure:"addr"`
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", firehose.DefaultStreamURL)
	v.SetDefault("stream.username", "")
	v.SetDefault("stream.password", "")
	v.SetDefault("stream.token", "")
	v.SetDefault("stream.user_agent", "feedarchiver/1.0")
	v.SetDefault("stream.watchdog_timeout", "10m")
	v.SetDefault("stream.connect_timeout", "30s")
	v.SetDefault("stream.max_lines", 0)
	v.SetDefault("stream.backoff_base", "5s")
	v.SetDefault("stream.backoff_max", "240s")
	v.SetDefault("stream.max_retries", 10)
	v.SetDefault("stream.global_ceiling", 100000)
	v.SetDefault("stream.listener_ceiling", 10000)
	v.SetDefault("stream.workers", runtime.NumCPU())

	v.SetDefault("segment.dir", ".")
	v.SetDefault("segment.prefix", "tweets.")
	v.SetDefault("segment.suffix", ".json.gz")
	v.SetDefault("segment.grace", "1s")
	v.SetDefault("segment.level", 0)
	v.SetDefault("segment.max_inflight", 10000)
	v.SetDefault("segment.report_every", 100000)

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.store", "dir")
	v.SetDefault("archive.interval", "60m")
	v.SetDefault("archive.min_age", "5s")
	v.SetDefault("archive.location", "UTC")
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.access_key", "")
	v.SetDefault("archive.s3.secret_key", "")
	v.SetDefault("archive.s3.storage_class", "REDUCED_REDUNDANCY")
	v.SetDefault("archive.s3.path_style", false)

	v.SetDefault("users.enabled", false)
	v.SetDefault("users.path", "users.db")
	v.SetDefault("users.no_sync", false)

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.collect_interval", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("shutdown_timeout", "15s")
}

// Load reads configPath (or $FEEDARCHIVER_CONFIG when empty), applies
// environment overrides and any flags in flags that were set, and validates
// the result. Set flags take precedence over the environment and the file. A
// missing default config file is not an error.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(PathEnv)
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("feedarchiver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/feedarchiver")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// LOG_LEVEL and LOG_FORMAT are honored as shorter aliases.
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", EnvPrefix+"_LOGGING_FORMAT", "LOG_FORMAT")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Stream.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: stream.url %q must be an absolute http(s) URL", c.Stream.URL)
	}
	if c.Stream.WatchdogTimeout <= 0 {
		return fmt.Errorf("config: stream.watchdog_timeout must be positive")
	}
	if c.Stream.MaxLines < 0 {
		return fmt.Errorf("config: stream.max_lines must not be negative")
	}
	if c.Stream.MaxRetries <= 0 {
		return fmt.Errorf("config: stream.max_retries must be positive")
	}
	if c.Stream.GlobalCeiling <= 0 || c.Stream.ListenerCeiling <= 0 {
		return fmt.Errorf("config: stream ceilings must be positive")
	}
	if c.Segment.Prefix == "" && c.Segment.Suffix == "" {
		return fmt.Errorf("config: segment.prefix or segment.suffix must be set")
	}
	if strings.ContainsAny(c.Segment.Prefix+c.Segment.Suffix, `/\`) {
		return fmt.Errorf("config: segment prefix and suffix must not contain path separators")
	}
	if c.Archive.Enabled {
		switch c.Archive.Store {
		case "s3":
			if c.Archive.S3.Bucket == "" {
				return fmt.Errorf("config: archive.s3.bucket is required for the s3 store")
			}
		case "dir":
			if c.Archive.Dir == "" {
				return fmt.Errorf("config: archive.dir is required for the dir store")
			}
		default:
			return fmt.Errorf("config: unknown archive.store %q", c.Archive.Store)
		}
		if _, err := time.LoadLocation(c.Archive.Location); err != nil {
			return fmt.Errorf("config: archive.location: %w", err)
		}
	}
	return nil
}

// StreamSettings converts the stream section for firehose.NewConsumer.
func (c *Config) StreamSettings() *firehose.Config {
	return &firehose.Config{
		URL: c.Stream.URL,
		Credentials: firehose.Credentials{
			Username: c.Stream.Username,
			Password: c.Stream.Password,
			Token:    c.Stream.Token,
		},
		UserAgent:       c.Stream.UserAgent,
		WatchdogTimeout: c.Stream.WatchdogTimeout,
		ConnectTimeout:  c.Stream.ConnectTimeout,
		MaxLines:        c.Stream.MaxLines,
		BackoffBase:     c.Stream.BackoffBase,
		BackoffMax:      c.Stream.BackoffMax,
		MaxRetries:      c.Stream.MaxRetries,
		GlobalCeiling:   c.Stream.GlobalCeiling,
		ListenerCeiling: c.Stream.ListenerCeiling,
		Workers:         c.Stream.Workers,
	}
}
