package network

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"lanwarp/models"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.bootstrapAttempt()
		m.duplexAttempt()
		m.connectResult("error")
		m.transferOutcome(models.TransferFailed)
		m.statusChange(models.RemoteError)
	})
}

func TestMetricsNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("", registry)
	m.connectResult("connected")
	m.transferOutcome(models.TransferStopped)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	require.True(t, names["lanwarp_connect_results_total"])
	require.True(t, names["lanwarp_transfer_outcomes_total"])
	require.Equal(t, float64(1), testutil.ToFloat64(m.connectResults.WithLabelValues("connected")))
}

func TestMetricsFollowRemoteLifecycle(t *testing.T) {
	peer := startTestPeer(t, newFakeWarp())
	metrics := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	opts := testRemoteOptions(t, newMemoryStore(), nil)
	opts.Metrics = metrics
	remote, err := NewRemote(peer.seed(), opts)
	require.NoError(t, err)
	defer remote.Disconnect()

	require.NoError(t, remote.Connect())
	waitForStatus(t, remote, models.RemoteConnected, 5*time.Second)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.bootstrapAttempts))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.duplexAttempts))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.connectResults.WithLabelValues("connected")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.statusChanges.WithLabelValues(string(models.RemoteConnected))))
}
