package status

import (
	"context"
	"sync"
	"time"

	"github.com/scanagent/scanagent/agent/internal/coordinator"
	"github.com/scanagent/scanagent/agent/internal/flusher"
	"github.com/scanagent/scanagent/agent/internal/probe"
	"github.com/scanagent/scanagent/agent/internal/queue"
)

// recentCaptures bounds the outcome history kept for the status view.
const recentCaptures = 50

// Event names pushed on the stream.
const (
	EventStatus  = "status"
	EventOutcome = "outcome"
	EventFlush   = "flush"
)

// FlushState is the read side of the flusher.
type FlushState interface {
	State() flusher.State
	LastFlush() time.Time
}

// StatsSource reports backlog sizes.
type StatsSource interface {
	Stats() (queue.Stats, error)
}

// Publisher receives every event the Reporter emits.
type Publisher interface {
	Publish(event string, data any)
}

// CaptureEvent is one handled capture as shown to operators.
type CaptureEvent struct {
	ID         string    `json:"id"`
	ScanCode   string    `json:"scan_code"`
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// FlushEvent summarises one drain.
type FlushEvent struct {
	Sent       int       `json:"sent"`
	Rejected   int       `json:"rejected"`
	Remaining  int       `json:"remaining"`
	Complete   bool      `json:"complete"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Snapshot is the JSON body of GET /api/v1/status.
type Snapshot struct {
	DeviceID        string         `json:"device_id"`
	SiteID          string         `json:"site_id"`
	Endpoint        string         `json:"endpoint,omitempty"`
	DeliveryEnabled bool           `json:"delivery_enabled"`
	Online          bool           `json:"online"`
	CheckedAt       *time.Time     `json:"checked_at,omitempty"`
	FlusherState    string         `json:"flusher_state"`
	LastFlush       *time.Time     `json:"last_flush,omitempty"`
	LastDrain       *FlushEvent    `json:"last_drain,omitempty"`
	Backlog         queue.Stats    `json:"backlog"`
	BacklogError    string         `json:"backlog_error,omitempty"`
	Recent          []CaptureEvent `json:"recent"`
	StartedAt       time.Time      `json:"started_at"`
	UptimeSeconds   int64          `json:"uptime_seconds"`

	// Certificate is nil until the first check, and for plain-http endpoints.
	Certificate *probe.CertStatus `json:"certificate,omitempty"`
}

// Info is the static part of a Snapshot.
type Info struct {
	DeviceID string
	SiteID   string
	// Endpoint is empty when delivery is disabled.
	Endpoint string
}

// Reporter is the thread-safe status state of a running agent.
type Reporter struct {
	info    Info
	flusher FlushState
	backlog StatsSource
	now     func() time.Time // injectable for deterministic tests

	mu        sync.RWMutex
	startedAt time.Time
	online    bool
	checkedAt time.Time
	lastDrain *FlushEvent
	cert      *probe.CertStatus
	recent    []CaptureEvent
	pubs      []Publisher
}

// NewReporter creates a Reporter. flusher and backlog may be nil.
func NewReporter(info Info, fl FlushState, backlog StatsSource) *Reporter {
	return &Reporter{
		info:      info,
		flusher:   fl,
		backlog:   backlog,
		now:       time.Now,
		startedAt: time.Now(),
	}
}

// Attach adds a Publisher for future events.
func (r *Reporter) Attach(p Publisher) {
	r.mu.Lock()
	r.pubs = append(r.pubs, p)
	r.mu.Unlock()
}

// RecordCertificate stores the latest collector certificate check.
func (r *Reporter) RecordCertificate(cs *probe.CertStatus) {
	r.mu.Lock()
	r.cert = cs
	r.mu.Unlock()
}

// RecordProbe stores a connectivity check result.
func (r *Reporter) RecordProbe(st probe.Status) {
	r.mu.Lock()
	r.online = st.Online
	r.checkedAt = st.CheckedAt
	r.mu.Unlock()
	if st.Changed {
		r.publish(EventStatus, r.Snapshot())
	}
}

// RecordCapture stores the outcome of one handled capture.
func (r *Reporter) RecordCapture(cp coordinator.Capture) {
	ev := CaptureEvent{
		ID:       cp.Record.ID,
		ScanCode: cp.Record.ScanCode,
		Outcome:  string(cp.Outcome),
		At:       r.now(),
	}
	if cp.Result != nil {
		ev.StatusCode = cp.Result.StatusCode
		ev.Message = cp.Result.Message
	}
	if cp.Err != nil {
		ev.Error = cp.Err.Error()
	}

	r.mu.Lock()
	r.recent = append(r.recent, ev)
	if len(r.recent) > recentCaptures {
		r.recent = append([]CaptureEvent(nil), r.recent[len(r.recent)-recentCaptures:]...)
	}
	r.mu.Unlock()
	r.publish(EventOutcome, ev)
}

// RecordFlush stores the report of one drain.
func (r *Reporter) RecordFlush(rep flusher.Report) {
	ev := FlushEvent{
		Sent:       rep.Sent,
		Rejected:   rep.Rejected,
		Remaining:  rep.Remaining,
		Complete:   rep.Complete(),
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	}
	if rep.Err != nil {
		ev.Error = rep.Err.Error()
	}
	r.mu.Lock()
	r.lastDrain = &ev
	r.mu.Unlock()
	r.publish(EventFlush, ev)
}

// Run records every probe result read from ch until ctx is cancelled or ch
// is closed.
func (r *Reporter) Run(ctx context.Context, ch <-chan probe.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			r.RecordProbe(st)
		}
	}
}

// Snapshot returns the current state. Recent captures are newest first.
func (r *Reporter) Snapshot() Snapshot {
	now := r.now()
	s := Snapshot{
		DeviceID:        r.info.DeviceID,
		SiteID:          r.info.SiteID,
		Endpoint:        r.info.Endpoint,
		DeliveryEnabled: r.info.Endpoint != "",
		FlusherState:    string(flusher.Idle),
	}
	if r.flusher != nil {
		s.FlusherState = string(r.flusher.State())
		if lf := r.flusher.LastFlush(); !lf.IsZero() {
			s.LastFlush = &lf
		}
	}
	if r.backlog != nil {
		st, err := r.backlog.Stats()
		if err != nil {
			s.BacklogError = err.Error()
		}
		s.Backlog = st
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s.Online = r.online
	if !r.checkedAt.IsZero() {
		at := r.checkedAt
		s.CheckedAt = &at
	}
	if r.lastDrain != nil {
		d := *r.lastDrain
		s.LastDrain = &d
	}
	if r.cert != nil {
		c := *r.cert
		s.Certificate = &c
	}
	s.Recent = make([]CaptureEvent, 0, len(r.recent))
	for i := len(r.recent) - 1; i >= 0; i-- {
		s.Recent = append(s.Recent, r.recent[i])
	}
	s.StartedAt = r.startedAt
	s.UptimeSeconds = int64(now.Sub(r.startedAt).Seconds())
	return s
}

func (r *Reporter) publish(event string, data any) {
	r.mu.RLock()
	pubs := append([]Publisher(nil), r.pubs...)
	r.mu.RUnlock()
	for _, p := range pubs {
		p.Publish(event, data)
	}
}
