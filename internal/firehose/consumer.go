package firehose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sampullara/feedarchiver/internal/metrics"
	"github.com/sampullara/feedarchiver/internal/ring"
	"github.com/sampullara/feedarchiver/internal/workpool"

	"github.com/rs/zerolog/log"
)

var (
	// ErrRetriesExhausted is returned by Run when MaxRetries consecutive
	// connection attempts have failed.
	ErrRetriesExhausted = errors.New("firehose: retry budget exhausted")

	// ErrStalled is the cause recorded when the watchdog aborts a connection
	// that stopped delivering lines.
	ErrStalled = errors.New("firehose: no lines received within watchdog timeout")

	errServerClosed = errors.New("firehose: stream closed by server")
)

// Executor runs tasks asynchronously. Submit must not block. It reports
// false when the task was rejected and will never run.
type Executor interface {
	Submit(task func()) bool
}

// Stats is a point-in-time snapshot of consumer counters.
type Stats struct {
	Lines          int64
	ParseAttempts  int64
	ParseErrors    int64
	GlobalDrops    int64
	ListenerDrops  int64
	InFlight       int64
	Connects       int64
	Failures       int64
	Connected      bool
	AvgDispatch    time.Duration
	HasDispatchAvg bool
}

// Consumer owns the long-lived stream connection and dispatches each line to
// the registered listeners. All admission state belongs to the instance.
type Consumer struct {
	config Config

	client   *http.Client
	exec     Executor
	ownPool  *workpool.Pool
	backoff  Backoff
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	listener registry

	// Admission
	inflight atomic.Int64

	// Stats
	lines         atomic.Int64
	parseAttempts atomic.Int64
	parseErrors   atomic.Int64
	globalDrops   atomic.Int64
	listenerDrops atomic.Int64
	connects      atomic.Int64
	failures      atomic.Int64
	connected     atomic.Bool

	latencyMu sync.Mutex
	latency   *ring.Buffer
}

// NewConsumer creates a stream consumer. When exec is nil the consumer runs
// its own worker pool sized by config.Workers; Close stops it.
func NewConsumer(config *Config, exec Executor) *Consumer {
	cfg := config.withDefaults()

	c := &Consumer{
		config:  cfg,
		client:  newHTTPClient(cfg.ConnectTimeout),
		exec:    exec,
		backoff: Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		sleep:   sleepContext,
		now:     time.Now,
		latency: ring.New(cfg.LatencySamples),
	}
	if exec == nil {
		c.ownPool = workpool.New(cfg.Workers)
		c.exec = c.ownPool
	}
	return c
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// SetHTTPClient replaces the client used for the stream request. The client
// must not set an overall Timeout, since the response body is read for as
// long as the stream stays healthy.
func (c *Consumer) SetHTTPClient(client *http.Client) {
	c.client = client
}

// AddListener registers l. Adding the same listener twice is a no-op.
func (c *Consumer) AddListener(l Listener) {
	if c.listener.add(l) {
		log.Debug().Type("listener", l).Msg("firehose: listener added")
	}
}

// RemoveListener unregisters l. Dispatches already scheduled still run.
func (c *Consumer) RemoveListener(l Listener) {
	if c.listener.remove(l) {
		log.Debug().Type("listener", l).Msg("firehose: listener removed")
	}
}

// Outstanding returns the number of dispatches to l that have been
// scheduled but not finished.
func (c *Consumer) Outstanding(l Listener) int64 {
	return c.listener.outstanding(l)
}

// IsConnected returns true while a stream response is being read
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Failures returns the current consecutive-failure count.
func (c *Consumer) Failures() int {
	return c.backoff.Failures()
}

// QueueDepth returns the number of tasks waiting in the consumer's own pool,
// or zero when an external executor was supplied.
func (c *Consumer) QueueDepth() int {
	if c.ownPool == nil {
		return 0
	}
	return c.ownPool.Len()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() Stats {
	s := Stats{
		Lines:         c.lines.Load(),
		ParseAttempts: c.parseAttempts.Load(),
		ParseErrors:   c.parseErrors.Load(),
		GlobalDrops:   c.globalDrops.Load(),
		ListenerDrops: c.listenerDrops.Load(),
		InFlight:      c.inflight.Load(),
		Connects:      c.connects.Load(),
		Failures:      c.failures.Load(),
		Connected:     c.connected.Load(),
	}

	c.latencyMu.Lock()
	avg, err := c.latency.Average()
	c.latencyMu.Unlock()
	if err == nil {
		s.AvgDispatch = time.Duration(avg)
		s.HasDispatchAvg = true
	}
	return s
}

// Close stops the consumer's own worker pool, waiting for queued dispatches
// until ctx is done. It is a no-op when an external executor was supplied.
func (c *Consumer) Close(ctx context.Context) error {
	if c.ownPool == nil {
		return nil
	}
	return c.ownPool.Stop(ctx)
}

// Run connects and streams until the line limit is reached (nil), ctx is
// cancelled (ctx.Err()), or MaxRetries consecutive attempts fail
// (ErrRetriesExhausted). Run must not be called concurrently.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := c.connectAndStream(ctx)
		if done {
			log.Info().Int64("lines", c.lines.Load()).Msg("firehose: line limit reached, stopping consumer")
			return nil
		}
		if ctx.Err() != nil {
			log.Info().Msg("firehose: context cancelled, stopping consumer")
			return ctx.Err()
		}

		c.failures.Add(1)
		metrics.StreamFailuresTotal.WithLabelValues(failureReason(err)).Inc()

		wait := c.backoff.Next()
		failures := c.backoff.Failures()
		if failures >= c.config.MaxRetries {
			log.Error().Err(err).Int("failures", failures).Msg("firehose: giving up after consecutive failures")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
		}

		log.Warn().
			Err(err).
			Str("url", c.config.URL).
			Int("failures", failures).
			Dur("backoff", wait).
			Msg("firehose: connection error, retrying")

		if wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrStalled):
		return "stalled"
	case errors.Is(err, errServerClosed):
		return "eof"
	case errors.As(err, new(*statusError)):
		return "status"
	default:
		return "io"
	}
}

type statusError struct {
	status string
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return "unexpected status " + e.status
	}
	return fmt.Sprintf("unexpected status %s: %s", e.status, e.body)
}

// connectAndStream runs one CONNECTING/STREAMING session. done reports that
// the line limit was reached.
func (c *Consumer) connectAndStream(ctx context.Context) (done bool, err error) {
	sessionCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	req, err := http.NewRequestWithContext(sessionCtx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	c.config.Credentials.apply(req)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	log.Info().Str("url", c.config.URL).Msg("firehose: connecting to stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &statusError{status: resp.Status, body: strings.TrimSpace(string(snippet))}
	}

	c.connects.Add(1)
	c.connected.Store(true)
	metrics.StreamConnectsTotal.Inc()
	metrics.StreamConnectionState.Set(1)
	log.Info().Str("url", c.config.URL).Msg("firehose: connected to stream")

	defer func() {
		c.connected.Store(false)
		metrics.StreamConnectionState.Set(0)
	}()

	stop := c.startWatchdog(sessionCtx, abort)
	defer stop()

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if strings.TrimSpace(line) != "" {
			n := c.lines.Add(1)
			c.backoff.Reset()
			metrics.StreamLinesTotal.Inc()

			c.Dispatch(line)

			if c.config.MaxLines > 0 && n >= c.config.MaxLines {
				return true, nil
			}
		}

		if readErr != nil {
			if cause := context.Cause(sessionCtx); errors.Is(cause, ErrStalled) {
				return false, ErrStalled
			}
			if errors.Is(readErr, io.EOF) {
				return false, errServerClosed
			}
			return false, fmt.Errorf("read error: %w", readErr)
		}
	}
}

// startWatchdog aborts the session if the line counter has not moved since
// the previous tick. The returned func stops the watchdog.
func (c *Consumer) startWatchdog(ctx context.Context, abort context.CancelCauseFunc) func() {
	ticker := time.NewTicker(c.config.WatchdogTimeout)
	stopCh := make(chan struct{})
	last := c.lines.Load()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := c.lines.Load()
				if n == last {
					log.Warn().
						Dur("timeout", c.config.WatchdogTimeout).
						Int64("lines", n).
						Msg("firehose: stream stalled, aborting connection")
					abort(ErrStalled)
					return
				}
				last = n
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}

// Dispatch applies global admission to line and schedules its parse and
// fan-out. It never blocks on listeners.
func (c *Consumer) Dispatch(line string) {
	received := c.now()

	// The line is shed when the parses already in flight exceed the ceiling.
	if prior := c.inflight.Add(1) - 1; prior > c.config.GlobalCeiling {
		c.inflight.Add(-1)
		c.globalDrops.Add(1)
		metrics.OverloadDropsTotal.WithLabelValues("global").Inc()
		c.listener.each(func(r *registration) {
			r.listener.TooSlow()
		})
		return
	}

	ok := c.exec.Submit(func() {
		defer c.inflight.Add(-1)
		c.parseAndFanOut(line, received)
	})
	if !ok {
		c.inflight.Add(-1)
	}
}

func (c *Consumer) parseAndFanOut(line string, received time.Time) {
	c.parseAttempts.Add(1)
	ev, err := Parse(line)
	if err != nil {
		c.parseErrors.Add(1)
		metrics.StreamParseErrorsTotal.Inc()
		log.Warn().Err(err).Str("line", line).Msg("firehose: dropping malformed line")
		return
	}

	c.listener.each(func(r *registration) {
		if prior := r.outstanding.Add(1) - 1; prior > c.config.ListenerCeiling {
			r.outstanding.Add(-1)
			c.listenerDrops.Add(1)
			metrics.OverloadDropsTotal.WithLabelValues("listener").Inc()
			r.listener.TooSlow()
			return
		}

		ok := c.exec.Submit(func() {
			defer func() {
				r.outstanding.Add(-1)
				c.observeLatency(received)
			}()
			r.listener.HandleEvent(ev)
		})
		if !ok {
			r.outstanding.Add(-1)
		}
	})
}

func (c *Consumer) observeLatency(received time.Time) {
	d := c.now().Sub(received)
	if d <= 0 {
		return
	}
	c.latencyMu.Lock()
	c.latency.Append(int64(d))
	c.latencyMu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
