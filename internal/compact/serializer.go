package compact

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sampullara/feedarchiver/internal/firehose"
	"github.com/sampullara/feedarchiver/internal/metrics"
	"github.com/sampullara/feedarchiver/internal/segment"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultReportEvery is how many records pass between throughput logs.
	DefaultReportEvery = 100000

	// DefaultMaxInFlight bounds concurrent segment writes.
	DefaultMaxInFlight = 10000
)

// Destination hands out the writer for the current segment.
type Destination interface {
	Current() (*segment.Writer, error)
}

// Options configures a Serializer.
type Options struct {
	ReportEvery int64
	MaxInFlight int64
}

// Serializer is a firehose.Listener that archives each post as a compact
// record.
type Serializer struct {
	dest Destination
	opts Options
	now  func() time.Time

	inflight atomic.Int64
	records  atomic.Int64
	dropped  atomic.Int64
	skipped  atomic.Int64
	last     atomic.Int64
}

var _ firehose.Listener = (*Serializer)(nil)

// NewSerializer creates a serializer writing to dest.
func NewSerializer(dest Destination, opts Options) *Serializer {
	if opts.ReportEvery <= 0 {
		opts.ReportEvery = DefaultReportEvery
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	s := &Serializer{dest: dest, opts: opts, now: time.Now}
	s.last.Store(s.now().UnixNano())
	return s
}

// HandleEvent writes one record for ev. Events without text are skipped.
func (s *Serializer) HandleEvent(ev *firehose.Event) {
	rec, err := Encode(ev.Node)
	if errors.Is(err, ErrNoText) {
		s.skipped.Add(1)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("compact: failed to transcode event")
		return
	}

	if n := s.inflight.Add(1); n > s.opts.MaxInFlight {
		s.inflight.Add(-1)
		s.TooSlow()
		return
	}
	defer s.inflight.Add(-1)

	w, err := s.dest.Current()
	if errors.Is(err, segment.ErrClosed) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("compact: no segment available")
		return
	}

	if err := w.WriteRecord(rec); err != nil {
		if !errors.Is(err, segment.ErrClosed) {
			log.Error().Err(err).Str("segment", w.Name()).Msg("compact: failed to write record")
		}
		return
	}

	if n := s.records.Add(1); n%s.opts.ReportEvery == 0 {
		s.report(n)
	}
}

// TooSlow counts a record dropped under backpressure.
func (s *Serializer) TooSlow() {
	s.dropped.Add(1)
	metrics.RecordsDroppedTotal.Inc()
}

func (s *Serializer) report(total int64) {
	now := s.now()
	prev := time.Unix(0, s.last.Swap(now.UnixNano()))

	var rate float64
	if elapsed := now.Sub(prev); elapsed > 0 {
		rate = float64(s.opts.ReportEvery) / elapsed.Seconds()
	}

	log.Info().
		Float64("events_per_sec", rate).
		Int64("records", total).
		Int64("dropped", s.dropped.Load()).
		Msg("compact: throughput")
}

// Records returns the number of records written.
func (s *Serializer) Records() int64 { return s.records.Load() }

// Dropped returns the number of events shed under backpressure.
func (s *Serializer) Dropped() int64 { return s.dropped.Load() }

// Skipped returns the number of events without text.
func (s *Serializer) Skipped() int64 { return s.skipped.Load() }
