package compact

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sampullara/feedarchiver/internal/firehose"
	"github.com/sampullara/feedarchiver/internal/segment"
	"github.com/sampullara/feedarchiver/internal/workpool"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSink(t *testing.T) (*segment.Sink, string) {
	t.Helper()
	dir := t.TempDir()
	fixed := time.Date(2013, 1, 5, 10, 0, 0, 0, time.UTC)
	sink, err := segment.New(segment.Options{
		Dir:    dir,
		Prefix: "tweets.",
		Clock:  func() time.Time { return fixed },
	})
	require.NoError(t, err)
	return sink, dir
}

func gzipLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var out []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}

func TestSerializer_WritesPostsSkipsControlMessages(t *testing.T) {
	sink, dir := newSink(t)
	s := NewSerializer(sink, Options{})

	s.HandleEvent(parse(t, `{"text":"one","id":1}`))
	s.HandleEvent(parse(t, `{"delete":{"status":{"id":1}}}`))
	s.HandleEvent(parse(t, `{"text":"two","id":2}`))

	name := sink.CurrentName()
	require.NoError(t, sink.Close(context.Background()))

	assert.Equal(t, int64(2), s.Records())
	assert.Equal(t, int64(1), s.Skipped())
	assert.Equal(t, []string{`{"t":"one","i":1}`, `{"t":"two","i":2}`}, gzipLines(t, filepath.Join(dir, name)))
}

func TestSerializer_ClosedSinkDropsSilently(t *testing.T) {
	sink, _ := newSink(t)
	s := NewSerializer(sink, Options{})
	require.NoError(t, sink.Close(context.Background()))

	s.HandleEvent(parse(t, `{"text":"late"}`))
	assert.Zero(t, s.Records())
}

func TestSerializer_TooSlowCountsDrops(t *testing.T) {
	sink, _ := newSink(t)
	t.Cleanup(func() { sink.Close(context.Background()) })
	s := NewSerializer(sink, Options{})

	s.TooSlow()
	s.TooSlow()
	assert.Equal(t, int64(2), s.Dropped())
}

func TestSerializer_InFlightGuardSheds(t *testing.T) {
	sink, _ := newSink(t)
	t.Cleanup(func() { sink.Close(context.Background()) })
	s := NewSerializer(sink, Options{MaxInFlight: 1})

	s.inflight.Store(1)
	s.HandleEvent(parse(t, `{"text":"shed"}`))
	assert.Equal(t, int64(1), s.Dropped())
	assert.Zero(t, s.Records())

	s.inflight.Store(0)
	s.HandleEvent(parse(t, `{"text":"kept"}`))
	assert.Equal(t, int64(1), s.Records())
}

func TestSerializer_ReportResetsWindow(t *testing.T) {
	sink, _ := newSink(t)
	t.Cleanup(func() { sink.Close(context.Background()) })

	base := time.Unix(1000, 0)
	s := NewSerializer(sink, Options{ReportEvery: 2})
	s.now = func() time.Time { return base }
	s.last.Store(base.Add(-time.Second).UnixNano())

	for i := 0; i < 4; i++ {
		s.HandleEvent(parse(t, fmt.Sprintf(`{"text":"%d"}`, i)))
	}
	assert.Equal(t, base.UnixNano(), s.last.Load())
}

// End to end: stream -> consumer -> serializer -> one gzip segment.
func TestPipeline_StreamToSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"text\":\"first\",\"id\":1}\r\n")
		fmt.Fprint(w, "\r\n")
		fmt.Fprint(w, "{\"delete\":{\"status\":{\"id\":1}}}\r\n")
		fmt.Fprint(w, "{\"text\":\"second\",\"id\":2}\r\n")
	}))
	t.Cleanup(srv.Close)

	sink, dir := newSink(t)
	require.NoError(t, sink.Prime())

	pool := workpool.New(1)
	cfg := firehose.DefaultConfig()
	cfg.URL = srv.URL
	cfg.MaxLines = 3
	consumer := firehose.NewConsumer(cfg, pool)

	s := NewSerializer(sink, Options{})
	consumer.AddListener(s)

	require.NoError(t, consumer.Run(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))

	name := sink.CurrentName()
	require.NoError(t, sink.Close(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{`{"t":"first","i":1}`, `{"t":"second","i":2}`}, gzipLines(t, filepath.Join(dir, name)))
}
