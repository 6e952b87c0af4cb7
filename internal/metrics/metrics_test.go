package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionsActive.Inc()
	m.Saves.WithLabelValues("success").Inc()
	m.Messages.WithLabelValues("join-document").Add(2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Saves.WithLabelValues("success")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues("join-document")))

	n, err := testutil.GatherAndCount(reg, "collabpad_sessions_active", "collabpad_saves_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// a second registration on the same registry is a programming error
	require.Panics(t, func() { New(reg) })
}
