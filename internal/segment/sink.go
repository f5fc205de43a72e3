// Package segment writes records into hourly gzip files.
//
// A Sink hands out the Writer for the current wall-clock hour. When the hour
// changes, the next call to Current opens a fresh file and retires the
// previous Writer; the retired Writer stays usable for a short grace period so
// callers already holding it can finish their record before it is closed.
package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sampullara/feedarchiver/internal/metrics"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned once the sink or a writer has been closed.
var ErrClosed = errors.New("segment: closed")

const (
	// DefaultGrace is how long a retired writer stays open.
	DefaultGrace = time.Second

	// DefaultSuffix matches the gzip JSON segments the uploader looks for.
	DefaultSuffix = ".json.gz"
)

// Options configures a Sink.
type Options struct {
	// Dir holds the segment files. Created if missing.
	Dir string

	// Prefix and Suffix surround the creation time in epoch millis.
	Prefix string
	Suffix string

	// Grace delays the close of a retired writer. Zero uses DefaultGrace.
	Grace time.Duration

	// Clock returns the current time. Nil uses time.Now.
	Clock func() time.Time

	// Level is the gzip compression level. Zero uses gzip.DefaultCompression.
	Level int
}

// Sink rotates between hourly segment files. It is safe for concurrent use.
type Sink struct {
	opts Options

	mu     sync.Mutex
	window time.Time
	last   int64
	active *Writer
	closed bool

	// open holds the names of writers not yet closed, including retired
	// ones still inside their grace period.
	open map[string]struct{}

	retiring sync.WaitGroup
}

// New creates a sink. No file is opened until Current or Prime is called.
func New(opts Options) (*Sink, error) {
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Level == 0 {
		opts.Level = gzip.DefaultCompression
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	return &Sink{opts: opts, open: map[string]struct{}{}}, nil
}

// Prime opens the first segment eagerly.
func (s *Sink) Prime() error {
	_, err := s.Current()
	return err
}

// Current returns the writer for the current hour, rotating if the hour has
// changed since the previous call. It returns ErrClosed after Close.
func (s *Sink) Current() (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	now := s.opts.Clock()
	window := now.Truncate(time.Hour)
	if s.active != nil && window.Equal(s.window) {
		return s.active, nil
	}

	millis := now.UnixMilli()
	if millis <= s.last {
		millis = s.last + 1
	}

	name := s.opts.Prefix + strconv.FormatInt(millis, 10) + s.opts.Suffix
	w, err := openWriter(filepath.Join(s.opts.Dir, name), name, s.opts.Level)
	if err != nil {
		metrics.SegmentWriteErrorsTotal.Inc()
		return nil, err
	}

	previous := s.active
	s.active = w
	s.open[name] = struct{}{}
	s.window = window
	s.last = millis
	metrics.SegmentRotationsTotal.Inc()

	log.Info().Str("segment", name).Time("window", window).Msg("segment: opened")

	if previous != nil {
		s.retire(previous)
	}
	return w, nil
}

// CurrentName returns the file name of the active segment, or "" if none.
func (s *Sink) CurrentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.name
}

// Open reports whether the named segment may still receive writes: it is
// the active segment or a retired one whose close has not finished.
func (s *Sink) Open(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[name]
	return ok
}

func (s *Sink) release(name string) {
	s.mu.Lock()
	delete(s.open, name)
	s.mu.Unlock()
}

// retire closes w after the grace period. Caller holds s.mu.
func (s *Sink) retire(w *Writer) {
	s.retiring.Add(1)
	time.AfterFunc(s.opts.Grace, func() {
		defer s.retiring.Done()
		err := w.Close()
		s.release(w.name)
		if err != nil {
			log.Error().Err(err).Str("segment", w.name).Msg("segment: failed to close retired segment")
			return
		}
		log.Debug().Str("segment", w.name).Int64("records", w.Records()).Msg("segment: retired")
	})
}

// Close stops rotation, closes the active segment, and waits for retired
// segments to finish closing or for ctx to be done. Later calls to Current
// return ErrClosed.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.active = nil
	s.mu.Unlock()

	var closeErr error
	if active != nil {
		err := active.Close()
		s.release(active.name)
		if err != nil {
			closeErr = fmt.Errorf("failed to close segment %s: %w", active.name, err)
		} else {
			log.Info().Str("segment", active.name).Int64("records", active.Records()).Msg("segment: closed")
		}
	}

	done := make(chan struct{})
	go func() {
		s.retiring.Wait()
		close(done)
	}()

	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		return errors.Join(closeErr, ctx.Err())
	}
}

// Writer is one open segment file.
type Writer struct {
	name string

	mu      sync.Mutex
	file    *os.File
	gz      *gzip.Writer
	closed  bool
	records int64
}

func openWriter(path, name string, level int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment: %w", err)
	}
	gz, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to start gzip stream: %w", err)
	}
	return &Writer{name: name, file: f, gz: gz}, nil
}

// Name returns the segment file name.
func (w *Writer) Name() string { return w.name }

// Records returns the number of records written.
func (w *Writer) Records() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// WriteRecord appends rec followed by a newline. Concurrent records never
// interleave.
func (w *Writer) WriteRecord(rec []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if _, err := w.gz.Write(rec); err != nil {
		metrics.SegmentWriteErrorsTotal.Inc()
		return fmt.Errorf("failed to write record to %s: %w", w.name, err)
	}
	if _, err := w.gz.Write([]byte{'\n'}); err != nil {
		metrics.SegmentWriteErrorsTotal.Inc()
		return fmt.Errorf("failed to write record to %s: %w", w.name, err)
	}
	w.records++
	metrics.RecordsWrittenTotal.Inc()
	return nil
}

// Flush pushes buffered compressed data to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.gz.Flush()
}

// Close finishes the gzip stream and closes the file. It is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	gzErr := w.gz.Close()
	fileErr := w.file.Close()
	return errors.Join(gzErr, fileErr)
}
