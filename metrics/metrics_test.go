package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRegisterSucceedsOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New()
	require.NoError(t, c.Register(reg))
}

func TestObservePongRTTRecordsSample(t *testing.T) {
	c := New()
	c.ObservePongRTT(150 * time.Millisecond)

	m := &dto.Metric{}
	require.NoError(t, c.PongRTT.(prometheus.Metric).Write(m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}

func TestRecordBanIncrementsLabeledCounter(t *testing.T) {
	c := New()
	c.RecordBan("BannedUserAgent")

	m := &dto.Metric{}
	require.NoError(t, c.Bans.WithLabelValues("BannedUserAgent").Write(m))
	require.EqualValues(t, 1, m.GetCounter().GetValue())
}

func TestSetActiveConnectionsUpdatesGauge(t *testing.T) {
	c := New()
	c.SetActiveConnections(3)

	m := &dto.Metric{}
	require.NoError(t, c.ActiveConnections.Write(m))
	require.EqualValues(t, 3, m.GetGauge().GetValue())
}
