package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetConnectionState(2)
		m.Reconnected()
		m.FrameReceived()
		m.FrameDropped("malformed")
		m.Published("ok")
		m.SendRejected("empty")
		m.Rollback()
		m.Duplicate()
		m.Backfill(nil, time.Second)
		m.SetUnread(3)
		m.SaveFailed()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.SetConnectionState(2)
	m.Reconnected()
	m.Reconnected()
	m.FrameDropped("malformed")
	m.Published("ok")
	m.Published("error")
	m.Published("ok")
	m.Backfill(errors.New("boom"), 10*time.Millisecond)
	m.SetUnread(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backfills.WithLabelValues("error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.unreadTotal))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Rollback()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rmachat_engine_send_rollbacks_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
