package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquasensor/go-ingest-server/internal/config"
	"aquasensor/go-ingest-server/internal/ingest"
	"aquasensor/go-ingest-server/internal/model"
	"aquasensor/go-ingest-server/internal/store"
	"aquasensor/go-ingest-server/internal/telemetry"
	"aquasensor/go-ingest-server/internal/worker"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func seedRegistry(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(path, 1)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.InitSchema(ctx))
	river, err := st.CreateLocation(ctx, model.Location{Name: "Thames", Site: "Reading", Latitude: 51.45, Longitude: -0.97})
	require.NoError(t, err)
	_, err = st.CreateSensor(ctx, model.Sensor{Name: "sensor022", Lat: "51.45", Long: "-0.97", LocationID: &river.ID})
	require.NoError(t, err)
}

func TestApp_IngestsPublishedReadingsAndDrainsOnShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aqua.db")
	seedRegistry(t, dbPath)

	brokerPort := freePort(t)
	httpPort := freePort(t)

	cfg := config.Default()
	cfg.BrokerHost = "127.0.0.1"
	cfg.BrokerPort = brokerPort
	cfg.EmbeddedBroker = net.JoinHostPort("127.0.0.1", strconv.Itoa(brokerPort))
	cfg.DatabasePath = dbPath
	cfg.HTTPPort = httpPort
	cfg.Workers = 4
	cfg.QueueSize = 64
	require.NoError(t, cfg.Validate())

	application := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(httpPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	pub := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID("app-test-publisher"))
	tok := pub.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	defer pub.Disconnect(50)

	payloads := [][]byte{
		telemetry.Format(model.Candidate{Date: "01/05/2024", Time: "12:00:00", SensorName: "sensor022", MessageCounter: 1, Temperature: 11.2, PercentDO: 92.5, MgPerLDO: 9.1}),
		telemetry.Format(model.Candidate{Date: "01/05/2024", Time: "12:00:10", SensorName: "sensor022", MessageCounter: 2, Temperature: 11.3, PercentDO: 92.1, MgPerLDO: 9.0}),
		telemetry.Format(model.Candidate{Date: "01/05/2024", Time: "12:00:10", SensorName: "ghost", MessageCounter: 1, Temperature: 1, PercentDO: 1, MgPerLDO: 1}),
		[]byte("not a reading"),
	}
	for _, p := range payloads {
		tok := pub.Publish("sensor/test", 0, false, p)
		require.True(t, tok.WaitTimeout(5*time.Second))
		require.NoError(t, tok.Error())
	}

	verify, err := store.Open(dbPath, 1)
	require.NoError(t, err)
	defer verify.Close()

	require.Eventually(t, func() bool {
		n, err := verify.CountReadings(context.Background())
		return err == nil && n == 2
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		body := scrape(t, base+"/metrics")
		return strings.Contains(body, `aqua_ingest_outcomes_total{outcome="stored"} 2`) &&
			strings.Contains(body, `aqua_ingest_outcomes_total{outcome="unknown_sensor"} 1`) &&
			strings.Contains(body, `aqua_ingest_outcomes_total{outcome="malformed"} 1`)
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, scrape(t, base+"/metrics"), "aqua_listener_connected 1")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not shut down")
	}

	readings, err := verify.Readings(context.Background(), "sensor022", 10)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	for _, r := range readings {
		require.NotNil(t, r.LocationName)
		assert.Equal(t, "Thames", *r.LocationName)
		assert.Equal(t, "51.45,-0.97", r.LatLong)
	}
}

func scrape(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestApp_ReadyzBeforeStart(t *testing.T) {
	a := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	a.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "starting")
}

func TestApp_StopPoolCancelsWorkAfterDrainTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.DrainTimeout = 50 * time.Millisecond
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var running atomic.Int64
	pool, err := worker.NewPool(1, 10, func(ctx context.Context, _ ingest.Message) error {
		running.Add(1)
		defer running.Add(-1)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	require.NoError(t, pool.Start(workCtx))
	a.pool = pool
	a.stopWork = stopWork

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(ingest.Message{Topic: "sensor/slow"}))
	}
	require.Eventually(t, func() bool { return running.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, a.stopPool(), worker.ErrStopTimeout)
	assert.Equal(t, int64(0), running.Load(), "no task may still be running once stopPool returns")
}
