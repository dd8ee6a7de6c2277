package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := New()

	r.MessageReceived()
	r.MessageReceived()
	r.RecordOutcome("stored")
	r.RecordOutcome("malformed")
	r.RecordOutcome("malformed")
	r.QueueOverflow()
	r.SetConnected(true)
	r.Reconnected()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("stored")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.outcomes.WithLabelValues("malformed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.outcomes.WithLabelValues("storage_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queueOverflow))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconnects))

	r.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.connected))
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.RecordOutcome("unknown_sensor")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `aqua_ingest_outcomes_total{outcome="unknown_sensor"} 1`)
	assert.Contains(t, string(body), "aqua_ingest_messages_received_total 0")
}

func TestRegistry_Gatherer(t *testing.T) {
	r := New()
	r.QueueOverflow()
	r.QueueOverflow()

	expected := `
# HELP aqua_ingest_queue_overflow_total Messages dropped because the dispatch queue was full.
# TYPE aqua_ingest_queue_overflow_total counter
aqua_ingest_queue_overflow_total 2
`
	require.NoError(t, testutil.GatherAndCompare(r.Gatherer(), strings.NewReader(expected), "aqua_ingest_queue_overflow_total"))

	n, err := testutil.GatherAndCount(r.Gatherer(), "aqua_ingest_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "every outcome label is pre-initialised")
}
