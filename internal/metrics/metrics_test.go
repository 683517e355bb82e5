package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// value reads the current value of a gauge or counter.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	if pb.Gauge != nil {
		return pb.Gauge.GetValue()
	}
	require.NotNil(t, pb.Counter)
	return pb.Counter.GetValue()
}

func TestRecorders(t *testing.T) {
	m := New()

	m.SetPoolTVL("veSIS", 2.5)
	m.SetUserBalance("veSIS", "0xabc", 0.5)
	m.RecordRefresh(150 * time.Millisecond)
	m.RecordRefreshError("pools")
	m.RecordRefreshError("pools")
	m.SetLastBlockSeen(19000000)
	m.SetWebSocketConnected(true)

	require.Equal(t, 2.5, value(t, m.PoolTVL.WithLabelValues("veSIS")))
	require.Equal(t, 0.5, value(t, m.UserBalance.WithLabelValues("veSIS", "0xabc")))
	require.Equal(t, 1.0, value(t, m.Refreshes))
	require.Equal(t, 2.0, value(t, m.RefreshErrors.WithLabelValues("pools")))
	require.Equal(t, 19000000.0, value(t, m.LastBlockSeen))
	require.Equal(t, 1.0, value(t, m.WebSocketStatus))

	m.SetWebSocketConnected(false)
	require.Equal(t, 0.0, value(t, m.WebSocketStatus))
}

// TestIndependentRegistries verifies two instances do not collide on registration.
func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.SetPoolTVL("veSIS", 1)
	require.Equal(t, 0.0, value(t, b.PoolTVL.WithLabelValues("veSIS")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetPoolTVL("veSIS", 42)
	h := m.Handler("/metrics")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `vesis_pool_tvl{pool="veSIS"} 42`)
}
