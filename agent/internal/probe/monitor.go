package probe

import (
	"context"
	"log/slog"
	"time"
)

// Status is the result of one connectivity check.
type Status struct {
	Online    bool
	CheckedAt time.Time
	// Changed is true when Online differs from the previous check.
	Changed bool
}

// Monitor runs a Probe on a fixed interval and publishes every result.
type Monitor struct {
	probe    Probe
	interval time.Duration
	now      func() time.Time
	subs     []chan Status
}

// NewMonitor creates a Monitor. Subscribe before calling Run.
func NewMonitor(p Probe, interval time.Duration) *Monitor {
	return &Monitor{probe: p, interval: interval, now: time.Now}
}

// Subscribe registers ch to receive every Status. Sends never block: a
// subscriber that is not keeping up has its unread status replaced by the
// latest one, which keeps Changed set if either of them had it.
func (m *Monitor) Subscribe(ch chan Status) {
	m.subs = append(m.subs, ch)
}

// Run checks once immediately and then every interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	first := true
	var last bool
	for {
		online := m.probe.Reachable(ctx)
		if ctx.Err() != nil {
			return
		}
		st := Status{Online: online, CheckedAt: m.now(), Changed: first || online != last}
		if st.Changed {
			slog.Info("probe: connectivity changed", "online", online)
		}
		first, last = false, online
		m.publish(st)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) publish(st Status) {
	for _, ch := range m.subs {
		select {
		case ch <- st:
			continue
		default:
		}

		out := st
		select {
		case stale := <-ch:
			out.Changed = out.Changed || stale.Changed
		default:
		}
		select {
		case ch <- out:
		default:
			slog.Debug("probe: subscriber full, status dropped", "online", out.Online)
		}
	}
}
