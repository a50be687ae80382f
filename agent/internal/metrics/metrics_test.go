package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCapture("delivered")
	m.ObserveCapture("buffered")
	m.ObserveCapture("buffered")
	m.ObserveAttempt("busy")

	if got := testutil.ToFloat64(m.Captures.WithLabelValues("buffered")); got != 2 {
		t.Errorf("buffered captures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("busy")); got != 1 {
		t.Errorf("busy attempts = %v, want 1", got)
	}
}

func TestMetrics_Flush(t *testing.T) {
	m := New(prometheus.NewRegistry())
	start := time.Unix(1_700_000_000, 0)

	m.ObserveFlush(false, false, start, start.Add(time.Second))
	if got := testutil.ToFloat64(m.LastFlush); got != 0 {
		t.Errorf("last flush after partial drain = %v, want 0", got)
	}

	m.ObserveFlush(true, false, start, start.Add(2*time.Second))
	if got := testutil.ToFloat64(m.LastFlush); got != float64(start.Add(2*time.Second).Unix()) {
		t.Errorf("last flush = %v", got)
	}
	if got := testutil.ToFloat64(m.FlushRuns.WithLabelValues("complete")); got != 1 {
		t.Errorf("complete runs = %v, want 1", got)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetBacklog(7, 2)
	m.SetOnline(true)

	want := `
# HELP scanagent_backlog_records Records held in the durable backlog
# TYPE scanagent_backlog_records gauge
scanagent_backlog_records{state="attention"} 2
scanagent_backlog_records{state="pending"} 7
# HELP scanagent_online 1 when the connectivity probe last succeeded
# TYPE scanagent_online gauge
scanagent_online 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), BacklogRecords, Online); err != nil {
		t.Error(err)
	}
}
