package metric

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRegistered(reg)
	require.NoError(t, err)

	assert.Error(t, m.Register(reg))
}

func TestCountersAreLabelled(t *testing.T) {
	m := NewMetrics()
	m.BackendWrites.WithLabelValues("set_center_freq").Inc()
	m.BackendWrites.WithLabelValues("set_center_freq").Inc()
	m.CacheHits.WithLabelValues("set_gain").Inc()
	m.Channels.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackendWrites.WithLabelValues("set_center_freq")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("set_gain")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Channels))
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRegistered(reg)
	require.NoError(t, err)
	m.Backends.Set(2)

	srv := NewServer("127.0.0.1:0", "", reg, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sdr_source_source_backends 2")

	assert.Error(t, srv.Start())
}
