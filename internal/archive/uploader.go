// Package archive uploads closed segment files to an object store and
// removes the local copy once the upload succeeds.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/sampullara/feedarchiver/internal/metrics"
	"github.com/sampullara/feedarchiver/internal/tracing"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ErrPassInProgress is returned by Pass when another pass holds the guard.
var ErrPassInProgress = errors.New("archive: pass already in progress")

// DefaultInterval is the time between scheduled passes.
const DefaultInterval = 60 * time.Minute

// Options configures an Uploader.
type Options struct {
	// Dir is scanned for segment files.
	Dir string

	// Prefix and Suffix select files named Prefix<epochMillis>Suffix. Prefix
	// is also the first element of every remote key.
	Prefix string
	Suffix string

	// Busy reports whether a segment may still receive writes. Busy files
	// are never uploaded. Nil treats every file as closed.
	Busy func(name string) bool

	Store ObjectStore

	// Location determines the year/month/day/hour partition of a key.
	// Nil uses UTC.
	Location *time.Location

	// MinAge skips files modified more recently than this.
	MinAge time.Duration
}

// Result summarizes one pass.
type Result struct {
	Candidates int
	Uploaded   int
	Failed     int
	Bytes      int64
}

// Uploader moves completed segments into an ObjectStore.
type Uploader struct {
	opts    Options
	pattern *regexp.Regexp
	guard   *semaphore.Weighted
	now     func() time.Time
}

// NewUploader validates opts and compiles the file name pattern.
func NewUploader(opts Options) (*Uploader, error) {
	if opts.Store == nil {
		return nil, errors.New("archive: object store is required")
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Busy == nil {
		opts.Busy = func(string) bool { return false }
	}

	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(opts.Prefix) + "([0-9]+)" + regexp.QuoteMeta(opts.Suffix) + "$")
	if err != nil {
		return nil, fmt.Errorf("archive: invalid prefix/suffix: %w", err)
	}

	return &Uploader{
		opts:    opts,
		pattern: pattern,
		guard:   semaphore.NewWeighted(1),
		now:     time.Now,
	}, nil
}

// Key returns the remote key for a segment file name:
// prefix/year/month/day/hour/name, with unpadded calendar fields taken from
// the creation time embedded in the name. ok is false when name is not a
// segment file.
func (u *Uploader) Key(name string) (key string, ok bool) {
	m := u.pattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	millis, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return "", false
	}
	return u.key(name, millis), true
}

func (u *Uploader) key(name string, millis int64) string {
	t := time.UnixMilli(millis).In(u.opts.Location)
	return path.Join(
		u.opts.Prefix,
		strconv.Itoa(t.Year()),
		strconv.Itoa(int(t.Month())),
		strconv.Itoa(t.Day()),
		strconv.Itoa(t.Hour()),
		name,
	)
}

type candidate struct {
	name string
	key  string
}

// candidates lists archivable files in Dir, oldest first.
func (u *Uploader) candidates() ([]candidate, error) {
	entries, err := os.ReadDir(u.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", u.opts.Dir, err)
	}

	now := u.now()

	var out []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key, ok := u.Key(e.Name())
		if !ok || u.opts.Busy(e.Name()) {
			continue
		}
		if u.opts.MinAge > 0 {
			info, err := e.Info()
			if err != nil || now.Sub(info.ModTime()) < u.opts.MinAge {
				continue
			}
		}
		out = append(out, candidate{name: e.Name(), key: key})
	}
	return out, nil
}

// Pass uploads every eligible segment once. Upload failures leave the local
// file for the next pass and are reported in Result, not as an error. If
// another pass is running, Pass returns ErrPassInProgress immediately.
func (u *Uploader) Pass(ctx context.Context) (Result, error) {
	if !u.guard.TryAcquire(1) {
		metrics.PassesSkippedTotal.Inc()
		return Result{}, ErrPassInProgress
	}
	defer u.guard.Release(1)

	files, err := u.candidates()
	if err != nil {
		return Result{}, err
	}

	ctx, span := tracing.PassSpan(ctx, len(files))
	defer span.End()

	res := Result{Candidates: len(files)}
	for _, c := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := u.upload(ctx, c)
		if err != nil {
			res.Failed++
			metrics.UploadsTotal.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("file", c.name).Msg("archive: upload failed, will retry next pass")
			continue
		}
		res.Uploaded++
		res.Bytes += n
	}

	if res.Candidates > 0 {
		log.Info().
			Int("uploaded", res.Uploaded).
			Int("failed", res.Failed).
			Int64("bytes", res.Bytes).
			Msg("archive: pass complete")
	}
	return res, nil
}

func (u *Uploader) upload(ctx context.Context, c candidate) (int64, error) {
	local := filepath.Join(u.opts.Dir, c.name)
	key := c.key

	f, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat segment: %w", err)
	}
	size := info.Size()

	ctx, span := tracing.UploadSpan(ctx, u.opts.Store.Name(), key, size)
	defer span.End()

	start := time.Now()
	if err := u.opts.Store.Put(ctx, key, f, size); err != nil {
		tracing.EndWithError(span, err)
		return 0, err
	}
	elapsed := time.Since(start)

	metrics.UploadsTotal.WithLabelValues("success").Inc()
	metrics.UploadBytesTotal.Add(float64(size))
	metrics.UploadDuration.Observe(elapsed.Seconds())

	log.Info().
		Str("file", c.name).
		Str("key", key).
		Int64("bytes", size).
		Dur("duration", elapsed).
		Msg("archive: uploaded segment")

	f.Close()
	if err := os.Remove(local); err != nil {
		// The object is stored; the next pass uploads it again.
		log.Warn().Err(err).Str("file", c.name).Msg("archive: failed to remove uploaded segment")
	}
	return size, nil
}

// Start runs a pass now and then every interval until ctx is done or the
// returned stop func is called. stop waits for a running pass to finish.
func (u *Uploader) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := u.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, ErrPassInProgress) {
					log.Debug().Msg("archive: previous pass still running, skipping")
				} else {
					log.Error().Err(err).Msg("archive: pass failed")
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	log.Info().Dur("interval", interval).Str("dir", u.opts.Dir).Msg("archive: uploader started")

	return func() {
		cancel()
		<-done
	}
}
