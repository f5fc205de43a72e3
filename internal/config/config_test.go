package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithDefaults(t *testing.T) {
	t.Setenv(PathEnv, "")
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://stream.twitter.com/1/statuses/sample.json", cfg.Stream.URL)
	assert.Equal(t, 10*time.Minute, cfg.Stream.WatchdogTimeout)
	assert.Equal(t, 5*time.Second, cfg.Stream.BackoffBase)
	assert.Equal(t, 240*time.Second, cfg.Stream.BackoffMax)
	assert.Equal(t, 10, cfg.Stream.MaxRetries)
	assert.Equal(t, int64(100000), cfg.Stream.GlobalCeiling)
	assert.Equal(t, int64(10000), cfg.Stream.ListenerCeiling)
	assert.Zero(t, cfg.Stream.MaxLines)

	assert.Equal(t, "tweets.", cfg.Segment.Prefix)
	assert.Equal(t, ".json.gz", cfg.Segment.Suffix)
	assert.Equal(t, time.Second, cfg.Segment.Grace)

	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "dir", cfg.Archive.Store)
	assert.Equal(t, 60*time.Minute, cfg.Archive.Interval)
	assert.Equal(t, "REDUCED_REDUNDANCY", cfg.Archive.S3.StorageClass)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feedarchiver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stream:
  url: http://localhost:8080/stream
  max_lines: 500
  username: sam
segment:
  prefix: sample
archive:
  store: s3
  s3:
    bucket: com.example.feed
`), 0644))

	t.Setenv("FEEDARCHIVER_STREAM_WATCHDOG_TIMEOUT", "90s")
	t.Setenv("FEEDARCHIVER_STREAM_PASSWORD", "secret")
	t.Setenv("FEEDARCHIVER_ARCHIVE_S3_REGION", "eu-west-1")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/stream", cfg.Stream.URL)
	assert.Equal(t, int64(500), cfg.Stream.MaxLines)
	assert.Equal(t, 90*time.Second, cfg.Stream.WatchdogTimeout)
	assert.Equal(t, "sample", cfg.Segment.Prefix)
	assert.Equal(t, "com.example.feed", cfg.Archive.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Archive.S3.Region)

	sc := cfg.StreamSettings()
	assert.Equal(t, "sam", sc.Credentials.Username)
	assert.Equal(t, "secret", sc.Credentials.Password)
	assert.Equal(t, int64(500), sc.MaxLines)
}

func TestLoad_LogEnvAliases(t *testing.T) {
	t.Setenv(PathEnv, "")
	t.Chdir(t.TempDir())
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream:\n  max_retries: 3\n"), 0644))
	t.Setenv(PathEnv, path)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Stream.MaxRetries)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedarchiver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream:\n  url: not-a-url\n  max_lines: 5\n"), 0644))
	t.Setenv("FEEDARCHIVER_STREAM_MAX_LINES", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("url", "", "")
	flags.Int64("max-lines", 0, "")
	require.NoError(t, flags.Parse([]string{"--url", "http://localhost:9000/stream"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/stream", cfg.Stream.URL)
	assert.Equal(t, int64(7), cfg.Stream.MaxLines, "unset flag leaves the env value")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"relative url", func(c *Config) { c.Stream.URL = "/stream" }},
		{"bad scheme", func(c *Config) { c.Stream.URL = "ftp://host/x" }},
		{"zero watchdog", func(c *Config) { c.Stream.WatchdogTimeout = 0 }},
		{"negative max lines", func(c *Config) { c.Stream.MaxLines = -1 }},
		{"zero retries", func(c *Config) { c.Stream.MaxRetries = 0 }},
		{"zero global ceiling", func(c *Config) { c.Stream.GlobalCeiling = 0 }},
		{"zero listener ceiling", func(c *Config) { c.Stream.ListenerCeiling = 0 }},
		{"no prefix or suffix", func(c *Config) { c.Segment.Prefix, c.Segment.Suffix = "", "" }},
		{"separator in prefix", func(c *Config) { c.Segment.Prefix = "a/b" }},
		{"s3 without bucket", func(c *Config) { c.Archive.Store = "s3" }},
		{"unknown store", func(c *Config) { c.Archive.Store = "ftp" }},
		{"bad location", func(c *Config) { c.Archive.Location = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(PathEnv, "")
			t.Chdir(t.TempDir())
			cfg, err := Load("", nil)
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
