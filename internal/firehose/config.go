// Package firehose consumes a newline-delimited JSON stream over a
// long-lived HTTP connection and fans parsed events out to listeners.
package firehose

import (
	"net/http"
	"runtime"
	"time"
)

// DefaultStreamURL is the public sample endpoint.
const DefaultStreamURL = "https://stream.twitter.com/1/statuses/sample.json"

// Credentials authenticate the stream request. A non-empty Token is sent as a
// bearer token; otherwise Username and Password are sent as basic auth.
type Credentials struct {
	Username string
	Password string
	Token    string
}

func (c Credentials) apply(req *http.Request) {
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.Username != "":
		req.SetBasicAuth(c.Username, c.Password)
	}
}

// Config holds configuration for the stream connector
type Config struct {
	// URL is the stream endpoint
	URL string

	Credentials Credentials

	// UserAgent is sent on the stream request when set
	UserAgent string

	// WatchdogTimeout is how long the stream may go without a single line
	// before the connection is aborted and retried
	WatchdogTimeout time.Duration

	// ConnectTimeout bounds dialing, the TLS handshake and waiting for
	// response headers. Reading the body is bounded by the watchdog.
	ConnectTimeout time.Duration

	// MaxLines stops the connector once this many lines have been received.
	// Zero means run until cancelled.
	MaxLines int64

	// BackoffBase is the first wait between retries; it doubles per
	// consecutive failure up to BackoffMax
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxRetries is the number of consecutive failures that ends the run
	MaxRetries int

	// GlobalCeiling sheds whole lines while more parse tasks than this are
	// in flight
	GlobalCeiling int64

	// ListenerCeiling sheds a listener's dispatches, with TooSlow, while it
	// has more than this many outstanding
	ListenerCeiling int64

	// Workers sizes the default worker pool
	Workers int

	// LatencySamples sizes the dispatch latency running average
	LatencySamples int
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		URL:             DefaultStreamURL,
		WatchdogTimeout: 10 * time.Minute,
		ConnectTimeout:  30 * time.Second,
		BackoffBase:     5 * time.Second,
		BackoffMax:      240 * time.Second,
		MaxRetries:      10,
		GlobalCeiling:   100000,
		ListenerCeiling: 10000,
		Workers:         runtime.NumCPU(),
		LatencySamples:  1024,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = d.WatchdogTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.GlobalCeiling <= 0 {
		c.GlobalCeiling = d.GlobalCeiling
	}
	if c.ListenerCeiling <= 0 {
		c.ListenerCeiling = d.ListenerCeiling
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.LatencySamples <= 0 {
		c.LatencySamples = d.LatencySamples
	}
	return c
}
