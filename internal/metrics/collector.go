package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current values for gauges and
// the periodic status line. Nil functions are skipped.
type StatsSource struct {
	Lines           func() int64
	Dropped         func() int64
	InFlight        func() int64
	QueueDepth      func() int
	DispatchLatency func() (time.Duration, bool)
	Connected       func() bool
}

// StartCollector launches a goroutine that periodically updates gauge metrics
// and logs throughput. It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &reporter{src: src, last: time.Now()}
	if src.Lines != nil {
		r.lastLines = src.Lines()
	}
	r.collect(time.Now(), false)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.collect(now, true)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

type reporter struct {
	src       StatsSource
	last      time.Time
	lastLines int64
}

// rate returns lines per second since the previous call.
func (r *reporter) rate(now time.Time, lines int64) float64 {
	elapsed := now.Sub(r.last).Seconds()
	delta := lines - r.lastLines
	r.last = now
	r.lastLines = lines
	if elapsed <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}

func (r *reporter) collect(now time.Time, report bool) {
	src := r.src
	if src.QueueDepth != nil {
		PoolQueueDepth.Set(float64(src.QueueDepth()))
	}
	if src.InFlight != nil {
		InFlightParses.Set(float64(src.InFlight()))
	}
	var latency time.Duration
	if src.DispatchLatency != nil {
		if d, ok := src.DispatchLatency(); ok {
			latency = d
			DispatchLatencyMillis.Set(float64(d.Milliseconds()))
		}
	}
	connected := false
	if src.Connected != nil {
		connected = src.Connected()
		if connected {
			StreamConnectionState.Set(1)
		} else {
			StreamConnectionState.Set(0)
		}
	}

	if !report || src.Lines == nil {
		return
	}
	lines := src.Lines()
	var dropped int64
	if src.Dropped != nil {
		dropped = src.Dropped()
	}
	log.Info().
		Float64("events_per_sec", r.rate(now, lines)).
		Int64("lines", lines).
		Int64("dropped", dropped).
		Bool("connected", connected).
		Dur("dispatch_latency", latency).
		Msg("Pipeline status")
}
