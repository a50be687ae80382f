package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scanagent/scanagent/agent/internal/delivery"
	"github.com/scanagent/scanagent/agent/internal/probe"
	"github.com/scanagent/scanagent/agent/internal/record"
)

const defaultInboxSize = 256

// Outcome is the result of handling one capture.
type Outcome string

const (
	// Delivered means the endpoint confirmed the record.
	Delivered Outcome = "delivered"
	// Buffered means the record is in the durable backlog.
	Buffered Outcome = "buffered"
	// Failed means the backlog append itself failed. The record is lost
	// unless the caller retries.
	Failed Outcome = "failed"
)

// Store is the part of the backlog the coordinator writes to.
type Store interface {
	Append(rec record.Record) error
}

// Deliverer sends records to the endpoint; see delivery.Client.
type Deliverer interface {
	Deliver(ctx context.Context, recs []record.Record) []delivery.Result
}

// Capture describes how one record was handled.
type Capture struct {
	Record  record.Record
	Outcome Outcome
	// Result is the immediate delivery attempt, nil when none was made.
	Result *delivery.Result
	Err    error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now for capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithInboxSize sets how many submitted captures may wait for the worker.
func WithInboxSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.inbox = make(chan record.Record, n)
		}
	}
}

// WithCaptureHook registers fn to be called after every handled capture.
func WithCaptureHook(fn func(Capture)) Option {
	return func(c *Coordinator) { c.onCapture = fn }
}

// Coordinator routes captures to the endpoint or the backlog.
type Coordinator struct {
	store    Store
	client   Deliverer
	probe    probe.Probe
	identity record.Identity
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	inbox  chan record.Record

	onCapture func(Capture)
}

// New creates a Coordinator. client may be nil when no endpoint is
// configured; every capture is then buffered.
func New(store Store, client Deliverer, p probe.Probe, identity record.Identity, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		client:    client,
		probe:     p,
		identity:  identity,
		now:       time.Now,
		inbox:     make(chan record.Record, defaultInboxSize),
		onCapture: func(Capture) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleCapture delivers rec immediately when the endpoint is reachable and
// appends it to the backlog otherwise.
func (c *Coordinator) HandleCapture(ctx context.Context, rec record.Record) Outcome {
	cp := c.handle(ctx, rec)
	c.onCapture(cp)
	return cp.Outcome
}

func (c *Coordinator) handle(ctx context.Context, rec record.Record) Capture {
	cp := Capture{Record: rec}

	// Origin records whether the immediate path actually sent the record.
	if c.client == nil || (c.probe != nil && !c.probe.Reachable(ctx)) {
		cp.Record.Origin = record.OriginOfflineReplay
		return c.buffer(cp)
	}

	rec.Origin = record.OriginOnlineAttempt
	cp.Record.Origin = rec.Origin
	results := c.client.Deliver(ctx, []record.Record{rec})
	if len(results) == 1 {
		res := results[0]
		cp.Result = &res
		switch res.Outcome {
		case delivery.Confirmed:
			cp.Outcome = Delivered
			slog.Info("coordinator: scan delivered", "id", rec.ID, "scan_code", rec.ScanCode)
			return cp
		case delivery.Rejected:
			// Retained for the operator rather than retried by the flusher.
			cp.Record.RejectedStatus = res.StatusCode
			if cp.Record.RejectedStatus == 0 {
				cp.Record.RejectedStatus = -1
			}
			cp.Record.RejectedAt = c.now().Truncate(time.Second)
		}
	}
	return c.buffer(cp)
}

func (c *Coordinator) buffer(cp Capture) Capture {
	if err := c.store.Append(cp.Record); err != nil {
		cp.Outcome = Failed
		cp.Err = err
		slog.Error("coordinator: could not buffer scan",
			"id", cp.Record.ID, "scan_code", cp.Record.ScanCode, "err", err)
		return cp
	}
	cp.Outcome = Buffered
	slog.Info("coordinator: scan buffered",
		"id", cp.Record.ID, "scan_code", cp.Record.ScanCode, "rejected", cp.Record.Rejected())
	return cp
}

// Submit stamps scan as a new record and queues it for the worker. It never
// blocks on the network. An empty scan returns record.ErrEmptyScan.
func (c *Coordinator) Submit(scan string) (record.Record, error) {
	// Not yet sent; handle upgrades the origin when it attempts delivery.
	rec, err := record.New(scan, c.identity, record.OriginOfflineReplay, c.now())
	if err != nil {
		return record.Record{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		select {
		case c.inbox <- rec:
			return rec, nil
		default:
			slog.Warn("coordinator: inbox full, buffering scan directly", "id", rec.ID)
		}
	}
	cp := c.buffer(Capture{Record: rec})
	c.onCapture(cp)
	return rec, cp.Err
}

// Run handles submitted captures in order until ctx is cancelled, then
// appends whatever is still waiting in the inbox to the backlog.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.spool()
			return
		case rec := <-c.inbox:
			c.HandleCapture(ctx, rec)
		}
	}
}

// spool closes the inbox to new submissions and buffers what is left.
func (c *Coordinator) spool() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	n := 0
	for {
		select {
		case rec := <-c.inbox:
			c.onCapture(c.buffer(Capture{Record: rec}))
			n++
		default:
			if n > 0 {
				slog.Info("coordinator: spooled pending captures on shutdown", "count", n)
			}
			return
		}
	}
}
