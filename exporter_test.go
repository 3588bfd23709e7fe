package tirion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func labelMap(labels []promwrite.Label) map[string]string {
	m := make(map[string]string, len(labels))
	for _, l := range labels {
		m[l.Name] = l.Value
	}
	return m
}

func testExporter(t *testing.T, url string) *exporter {
	t.Helper()

	config := DefaultConfig()
	config.RemoteWriteURL = url
	config.ServiceName = "worker"
	config.CustomLabels = map[string]string{"env": "test"}

	e, err := newExporter(config, zaptest.NewLogger(t), "session-1")
	require.NoError(t, err)
	return e
}

func TestNewExporterRequiresURL(t *testing.T) {
	_, err := newExporter(DefaultConfig(), zaptest.NewLogger(t), "s")
	assert.Error(t, err)
}

func TestConvertToTimeSeries(t *testing.T) {
	e := testExporter(t, "http://127.0.0.1:9090/api/v1/write")
	now := time.Now()

	series := e.convertToTimeSeries([]Metric{{
		Name:      "requests",
		Value:     42,
		Labels:    map[string]string{"slot": "0"},
		Timestamp: now,
	}})
	require.Len(t, series, 1)

	labels := labelMap(series[0].Labels)
	assert.Equal(t, "tirion_client_requests", labels["__name__"])
	assert.Equal(t, "session-1", labels["session"])
	assert.Equal(t, "worker", labels["_target_"])
	assert.Equal(t, "test", labels["env"])
	assert.Equal(t, "0", labels["slot"])
	assert.NotEmpty(t, labels["instance"])

	assert.Equal(t, float64(42), series[0].Sample.Value)
	assert.Equal(t, now, series[0].Sample.Time)
}

func TestRegionCollector(t *testing.T) {
	r, _ := attachedRegion(t, 3)
	r.Set(0, 1.5)
	r.Set(2, -2)

	col := NewRegionCollector(r, []string{"queue_depth", ""}, zaptest.NewLogger(t))
	assert.Equal(t, "region", col.Name())

	metrics := col.Collect()
	require.Len(t, metrics, 3)

	assert.Equal(t, "queue_depth", metrics[0].Name)
	assert.Equal(t, 1.5, metrics[0].Value)
	assert.Equal(t, "slot_1", metrics[1].Name)
	assert.Equal(t, "slot_2", metrics[2].Name)
	assert.Equal(t, float64(-2), metrics[2].Value)
	assert.Equal(t, "2", metrics[2].Labels["slot"])
	assert.Equal(t, Gauge, metrics[2].MetricType)

	require.NoError(t, r.Detach())
	assert.Nil(t, col.Collect())
}

func TestExporterWriteMetrics(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	r, _ := attachedRegion(t, 2)
	r.Set(1, 3)

	e := testExporter(t, srv.URL+"/api/v1/write")
	assert.NoError(t, e.writeMetrics(), "nothing registered, nothing written")
	assert.Equal(t, int32(0), hits.Load())

	e.RegisterCollector(NewRegionCollector(r, nil, zaptest.NewLogger(t)))
	require.Len(t, e.GetMetrics(), 2)

	require.NoError(t, e.writeMetrics())
	assert.Equal(t, int32(1), hits.Load())
}

func TestExporterWriteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	r, _ := attachedRegion(t, 1)
	e := testExporter(t, srv.URL+"/api/v1/write")
	e.RegisterCollector(NewRegionCollector(r, nil, zaptest.NewLogger(t)))

	assert.Error(t, e.writeMetrics())
}

func TestExporterStartStop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	r, _ := attachedRegion(t, 1)
	e := testExporter(t, srv.URL+"/api/v1/write")
	e.config.RemoteWriteInterval = 10 * time.Millisecond
	e.RegisterCollector(NewRegionCollector(r, nil, zaptest.NewLogger(t)))

	require.NoError(t, e.Start())
	assert.Eventually(t, func() bool { return hits.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	e.Stop()
}

func TestRefreshDNSSkipsIPTargets(t *testing.T) {
	e := testExporter(t, "http://127.0.0.1:9090/api/v1/write")
	assert.False(t, e.refreshDNS(true))
}

func TestClientStartsExporter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	useHeapSegments(t)
	agent := startAgent(t, shmReply(t, 2))

	config := testConfig(t, agent.socket)
	config.RemoteWriteURL = srv.URL + "/api/v1/write"
	config.RemoteWriteInterval = 10 * time.Millisecond
	config.SystemMetrics = true

	c, err := New(config)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	agent.accept(t)

	e := c.exporter.Load()
	require.NotNil(t, e)
	assert.Len(t, e.collectors, 2)
	assert.Eventually(t, func() bool { return hits.Load() > 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Nil(t, c.exporter.Load())
}
