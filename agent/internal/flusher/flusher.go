package flusher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scanagent/scanagent/agent/internal/config"
	"github.com/scanagent/scanagent/agent/internal/delivery"
	"github.com/scanagent/scanagent/agent/internal/probe"
	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/record"
)

// ErrDeliveryDisabled is the Report error when no delivery client exists.
var ErrDeliveryDisabled = errors.New("flusher: delivery disabled, no endpoint configured")

// State is the flusher's lifecycle state.
type State string

const (
	Idle     State = "idle"
	Draining State = "draining"
)

// Store is the part of the backlog the flusher needs.
type Store interface {
	Peek(n int) ([]record.Record, error)
	Remove(ids []string) (int, error)
	MarkRejected(id string, status int, at time.Time) (bool, error)
	Stats() (queue.Stats, error)
}

// Deliverer sends a batch in order; see delivery.Client.
type Deliverer interface {
	Deliver(ctx context.Context, recs []record.Record) []delivery.Result
}

// Report summarises one Drain call.
type Report struct {
	Sent      int `json:"sent"`
	Rejected  int `json:"rejected"`
	Remaining int `json:"remaining"`
	// Stopped is true when the drain ended before the backlog was empty.
	Stopped bool `json:"stopped"`
	// Skipped is true when no drain ran (one was already in progress, or
	// delivery is disabled).
	Skipped    bool      `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        error     `json:"-"`
}

// Complete reports whether the drain emptied the pending backlog.
func (r Report) Complete() bool {
	return !r.Skipped && !r.Stopped && r.Err == nil
}

// Option configures a Flusher.
type Option func(*Flusher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flusher) { f.now = now }
}

// WithReportHook registers fn to be called after every drain that ran.
func WithReportHook(fn func(Report)) Option {
	return func(f *Flusher) { f.onReport = fn }
}

// WithRejectHook registers fn to be called for every record the endpoint
// rejected during a drain.
func WithRejectHook(fn func(record.Record, delivery.Result)) Option {
	return func(f *Flusher) { f.onReject = fn }
}

// Flusher drains the backlog. Drain is safe to call from any goroutine.
type Flusher struct {
	store     Store
	client    Deliverer
	batchSize int
	interval  time.Duration
	now       func() time.Time

	draining atomic.Bool
	trigger  chan struct{}

	mu        sync.RWMutex
	lastFlush time.Time

	onReport func(Report)
	onReject func(record.Record, delivery.Result)
}

// New creates a Flusher. client may be nil when no endpoint is configured;
// drains are then skipped and the backlog keeps growing.
func New(store Store, client Deliverer, cfg config.FlushConfig, opts ...Option) *Flusher {
	f := &Flusher{
		store:     store,
		client:    client,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		onReport:  func(Report) {},
		onReject:  func(record.Record, delivery.Result) {},
	}
	if f.batchSize <= 0 {
		f.batchSize = config.DefaultBatchSize
	}
	if f.interval <= 0 {
		f.interval = config.DefaultFlushInterval
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns Draining while a drain runs, Idle otherwise.
func (f *Flusher) State() State {
	if f.draining.Load() {
		return Draining
	}
	return Idle
}

// LastFlush returns the completion time of the last full drain, or the
// zero time if none has completed.
func (f *Flusher) LastFlush() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastFlush
}

// Trigger asks Run to drain as soon as possible. It never blocks and is a
// no-op while a drain is running or one is already pending.
func (f *Flusher) Trigger() {
	if f.draining.Load() {
		return
	}
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

// Run drains once at startup and then on every tick, Trigger and
// offline→online transition read from online (which may be nil).
// A transition counts when the status says so or when the last status Run
// saw was offline. Run blocks until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context, online <-chan probe.Status) {
	t := time.NewTicker(f.interval)
	defer t.Stop()

	var wasOnline bool
	f.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-f.trigger:
		case st := <-online:
			restored := st.Online && (st.Changed || !wasOnline)
			wasOnline = st.Online
			if !restored {
				continue
			}
			slog.Info("flusher: connectivity restored, draining backlog")
		}
		f.Drain(ctx)
	}
}

// Drain delivers the backlog until it holds no pending records or a batch
// contains an unreachable record. A concurrent call returns a Skipped report
// without doing anything.
func (f *Flusher) Drain(ctx context.Context) Report {
	if !f.draining.CompareAndSwap(false, true) {
		slog.Debug("flusher: drain already in progress")
		return Report{Skipped: true}
	}
	rep := f.drain(ctx)
	f.draining.Store(false)

	if !rep.Skipped {
		f.onReport(rep)
	}
	return rep
}

func (f *Flusher) drain(ctx context.Context) Report {
	rep := Report{StartedAt: f.now()}
	if f.client == nil {
		rep.Skipped = true
		rep.Err = ErrDeliveryDisabled
		rep.Remaining = f.pending()
		rep.FinishedAt = f.now()
		return rep
	}

	for {
		if err := ctx.Err(); err != nil {
			rep.Stopped = true
			break
		}
		batch, err := f.store.Peek(f.batchSize)
		if err != nil {
			rep.Err = err
			break
		}
		if len(batch) == 0 {
			break
		}

		progress, stop, err := f.commit(ctx, batch, &rep)
		if err != nil {
			rep.Err = err
			break
		}
		if stop {
			rep.Stopped = true
			break
		}
		if progress == 0 {
			// Nothing confirmed or marked; peeking again would loop.
			rep.Stopped = true
			break
		}
	}

	rep.Remaining = f.pending()
	rep.FinishedAt = f.now()
	if rep.Complete() {
		f.mu.Lock()
		f.lastFlush = rep.FinishedAt
		f.mu.Unlock()
	}

	level := slog.LevelInfo
	if rep.Err != nil {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "flusher: drain finished",
		"sent", rep.Sent,
		"rejected", rep.Rejected,
		"remaining", rep.Remaining,
		"stopped", rep.Stopped,
		"err", rep.Err)
	return rep
}

// commit delivers one batch and applies its results to the store. progress
// counts records that left the pending set; stop is true when the batch hit
// an unreachable record.
func (f *Flusher) commit(ctx context.Context, batch []record.Record, rep *Report) (progress int, stop bool, err error) {
	results := f.client.Deliver(ctx, batch)

	var confirmed []string
	for i, res := range results {
		switch res.Outcome {
		case delivery.Confirmed:
			confirmed = append(confirmed, res.ID)
		case delivery.Rejected:
			status := res.StatusCode
			if status == 0 {
				// Rejected without an HTTP answer.
				status = -1
			}
			if _, err := f.store.MarkRejected(res.ID, status, f.now()); err != nil {
				return progress, true, err
			}
			rep.Rejected++
			progress++
			f.onReject(batch[i], res)
		case delivery.Unreachable:
			stop = true
		}
	}

	if len(confirmed) > 0 {
		n, err := f.store.Remove(confirmed)
		if err != nil {
			return progress, true, err
		}
		rep.Sent += n
		progress += n
	}
	return progress, stop, nil
}

func (f *Flusher) pending() int {
	st, err := f.store.Stats()
	if err != nil {
		return 0
	}
	return st.Pending
}
