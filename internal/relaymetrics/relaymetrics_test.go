package relaymetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		switch {
		case pb.Counter != nil:
			total += pb.Counter.GetValue()
		case pb.Gauge != nil:
			total += pb.Gauge.GetValue()
		}
	}
	return total
}

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.RecordRetry(0)
	rec.RecordRetry(1)
	rec.RecordRetry(1)
	rec.RecordFailover()
	rec.RecordLocked()
	rec.RecordConnect()
	rec.SetActiveEntries(3)

	require.Equal(t, float64(3), counterValue(t, rec.retries))
	require.Equal(t, float64(1), counterValue(t, rec.failovers))
	require.Equal(t, float64(1), counterValue(t, rec.locked))
	require.Equal(t, float64(1), counterValue(t, rec.connects))
	require.Equal(t, float64(3), counterValue(t, rec.entries))
}

func TestAttemptLabel(t *testing.T) {
	cases := map[int]string{-1: "0", 0: "0", 1: "1", 2: "2", 3: "3", 4: "4+", 9: "4+"}
	for attempt, want := range cases {
		require.Equal(t, want, attemptLabel(attempt))
	}
}
