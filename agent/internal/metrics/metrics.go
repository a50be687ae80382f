package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names, shared with the status CLI that scrapes them.
const (
	CapturesTotal         = "scanagent_captures_total"
	DeliveryAttemptsTotal = "scanagent_delivery_attempts_total"
	BacklogRecords        = "scanagent_backlog_records"
	FlushRunsTotal        = "scanagent_flush_runs_total"
	FlushDuration         = "scanagent_flush_duration_seconds"
	LastFlushTimestamp    = "scanagent_last_flush_timestamp_seconds"
	Online                = "scanagent_online"
)

// Metrics groups every collector so tests can use a private registry.
type Metrics struct {
	Captures         *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	Backlog          *prometheus.GaugeVec
	FlushRuns        *prometheus.CounterVec
	FlushSeconds     prometheus.Histogram
	LastFlush        prometheus.Gauge
	Online           prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Captures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: CapturesTotal,
				Help: "Total number of captured scans by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: DeliveryAttemptsTotal,
				Help: "Total number of HTTP sends to the collector by result",
			},
			[]string{"result"},
		),
		Backlog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BacklogRecords,
				Help: "Records held in the durable backlog",
			},
			[]string{"state"},
		),
		FlushRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: FlushRunsTotal,
				Help: "Total number of backlog drains by result",
			},
			[]string{"result"},
		),
		FlushSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    FlushDuration,
				Help:    "Duration of backlog drains",
				Buckets: prometheus.DefBuckets,
			},
		),
		LastFlush: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: LastFlushTimestamp,
				Help: "Unix time of the last drain that emptied the backlog",
			},
		),
		Online: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: Online,
				Help: "1 when the connectivity probe last succeeded",
			},
		),
	}
	reg.MustRegister(m.Captures, m.DeliveryAttempts, m.Backlog, m.FlushRuns, m.FlushSeconds, m.LastFlush, m.Online)
	return m
}

// ObserveCapture counts one handled capture.
func (m *Metrics) ObserveCapture(outcome string) {
	m.Captures.WithLabelValues(outcome).Inc()
}

// ObserveAttempt counts one HTTP send.
func (m *Metrics) ObserveAttempt(result string) {
	m.DeliveryAttempts.WithLabelValues(result).Inc()
}

// SetBacklog publishes the backlog sizes.
func (m *Metrics) SetBacklog(pending, attention int) {
	m.Backlog.WithLabelValues("pending").Set(float64(pending))
	m.Backlog.WithLabelValues("attention").Set(float64(attention))
}

// ObserveFlush records one drain. complete is true when it emptied the
// backlog, in which case the last-flush gauge moves to finished.
func (m *Metrics) ObserveFlush(complete bool, failed bool, started, finished time.Time) {
	result := "partial"
	switch {
	case failed:
		result = "error"
	case complete:
		result = "complete"
		m.LastFlush.Set(float64(finished.Unix()))
	}
	m.FlushRuns.WithLabelValues(result).Inc()
	m.FlushSeconds.Observe(finished.Sub(started).Seconds())
}

// SetOnline publishes the probe result.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}
