package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterRate(t *testing.T) {
	start := time.Unix(1000, 0)
	r := &reporter{last: start, lastLines: 100}

	assert.InDelta(t, 50.0, r.rate(start.Add(2*time.Second), 200), 0.001)
	assert.InDelta(t, 0.0, r.rate(start.Add(2*time.Second), 200), 0.001, "no elapsed time")
	assert.InDelta(t, 10.0, r.rate(start.Add(3*time.Second), 210), 0.001)
}

func TestCollectUpdatesGauges(t *testing.T) {
	src := StatsSource{
		Lines:           func() int64 { return 42 },
		Dropped:         func() int64 { return 3 },
		InFlight:        func() int64 { return 7 },
		QueueDepth:      func() int { return 5 },
		DispatchLatency: func() (time.Duration, bool) { return 12 * time.Millisecond, true },
		Connected:       func() bool { return true },
	}
	r := &reporter{src: src, last: time.Now()}
	r.collect(time.Now(), true)

	assert.Equal(t, 5.0, testutil.ToFloat64(PoolQueueDepth))
	assert.Equal(t, 7.0, testutil.ToFloat64(InFlightParses))
	assert.Equal(t, 12.0, testutil.ToFloat64(DispatchLatencyMillis))
	assert.Equal(t, 1.0, testutil.ToFloat64(StreamConnectionState))

	src.Connected = func() bool { return false }
	r.src = src
	r.collect(time.Now(), false)
	assert.Equal(t, 0.0, testutil.ToFloat64(StreamConnectionState))
}

func TestHandlerExposesMetrics(t *testing.T) {
	StreamLinesTotal.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "feedarchiver_stream_lines_total"))
}
