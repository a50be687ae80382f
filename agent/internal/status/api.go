package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/scanagent/scanagent/agent/internal/flusher"
	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/record"
)

// maxScanBody bounds POST /api/v1/scans bodies.
const maxScanBody = 4 << 10

// Backlog is the part of the queue the API exposes.
type Backlog interface {
	Attention() ([]record.Record, error)
	Requeue(ids []string) (int, error)
	Stats() (queue.Stats, error)
}

// Drainer runs or schedules backlog drains.
type Drainer interface {
	Drain(ctx context.Context) flusher.Report
	Trigger()
}

// Submitter accepts new scans.
type Submitter interface {
	Submit(scan string) (record.Record, error)
}

// Deps are the collaborators of the HTTP handler. Nil fields disable the
// routes that need them.
type Deps struct {
	Reporter *Reporter
	Hub      *Hub
	Backlog  Backlog
	Flusher  Drainer
	Captures Submitter
	Metrics  http.Handler
}

// RecordView is the JSON form of a backlog record.
type RecordView struct {
	ID             string     `json:"id"`
	ScanCode       string     `json:"scan_code"`
	CapturedAt     time.Time  `json:"captured_at"`
	DeviceID       string     `json:"device_id"`
	SiteID         string     `json:"site_id"`
	Origin         string     `json:"origin"`
	RejectedStatus int        `json:"rejected_status,omitempty"`
	RejectedAt     *time.Time `json:"rejected_at,omitempty"`
}

// ViewOf converts a record for JSON output.
func ViewOf(r record.Record) RecordView {
	v := RecordView{
		ID:             r.ID,
		ScanCode:       r.ScanCode,
		CapturedAt:     r.CapturedAt,
		DeviceID:       r.DeviceID,
		SiteID:         r.SiteID,
		Origin:         string(r.Origin),
		RejectedStatus: r.RejectedStatus,
	}
	if !r.RejectedAt.IsZero() {
		at := r.RejectedAt
		v.RejectedAt = &at
	}
	return v
}

// FlushResponse is the body of POST /api/v1/flush.
type FlushResponse struct {
	Triggered bool        `json:"triggered"`
	Report    *FlushEvent `json:"report,omitempty"`
	Skipped   bool        `json:"skipped,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ScanRequest is the body of POST /api/v1/scans.
type ScanRequest struct {
	ScanCode string `json:"scan_code"`
}

// ScanResponse acknowledges an accepted scan.
type ScanResponse struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	deps Deps
}

// NewHandler returns the router for the local status listener.
func NewHandler(d Deps) http.Handler {
	h := &handler{deps: d}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(rt chi.Router) {
		rt.Get("/status", h.status)
		rt.Get("/attention", h.attention)
		rt.Post("/attention/{id}/requeue", h.requeue)
		rt.Post("/flush", h.flush)
		rt.Post("/scans", h.submitScan)
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Hub != nil {
		r.Method(http.MethodGet, "/ws/stream", d.Hub)
	}
	return r
}

// status returns GET /api/v1/status.
func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reporter == nil {
		jsonErr(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Reporter.Snapshot())
}

// attention returns GET /api/v1/attention, oldest first.
func (h *handler) attention(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backlog == nil {
		jsonErr(w, http.StatusServiceUnavailable, "backlog unavailable")
		return
	}
	recs, err := h.deps.Backlog.Attention()
	if err != nil {
		slog.Error("status: list attention", "err", err)
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]RecordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ViewOf(rec))
	}
	jsonResp(w, http.StatusOK, out)
}

// requeue handles POST /api/v1/attention/{id}/requeue.
func (h *handler) requeue(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backlog == nil {
		jsonErr(w, http.StatusServiceUnavailable, "backlog unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	n, err := h.deps.Backlog.Requeue([]string{id})
	if err != nil {
		slog.Error("status: requeue", "id", id, "err", err)
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n == 0 {
		jsonErr(w, http.StatusNotFound, "no rejected record with that id")
		return
	}
	slog.Info("status: record requeued", "id", id)
	if h.deps.Flusher != nil {
		h.deps.Flusher.Trigger()
	}
	jsonResp(w, http.StatusOK, map[string]int{"requeued": n})
}

// flush handles POST /api/v1/flush. With ?wait=true the drain runs inline
// and its report is returned; otherwise a drain is scheduled.
func (h *handler) flush(w http.ResponseWriter, r *http.Request) {
	if h.deps.Flusher == nil {
		jsonErr(w, http.StatusServiceUnavailable, "flusher unavailable")
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		h.deps.Flusher.Trigger()
		jsonResp(w, http.StatusAccepted, FlushResponse{Triggered: true})
		return
	}

	rep := h.deps.Flusher.Drain(r.Context())
	jsonResp(w, http.StatusOK, NewFlushResponse(rep))
}

// NewFlushResponse converts a drain report for JSON output.
func NewFlushResponse(rep flusher.Report) FlushResponse {
	resp := FlushResponse{Triggered: true, Skipped: rep.Skipped}
	if rep.Err != nil {
		resp.Error = rep.Err.Error()
	}
	if !rep.Skipped {
		ev := FlushEvent{
			Sent:       rep.Sent,
			Rejected:   rep.Rejected,
			Remaining:  rep.Remaining,
			Complete:   rep.Complete(),
			Error:      resp.Error,
			StartedAt:  rep.StartedAt,
			FinishedAt: rep.FinishedAt,
		}
		resp.Report = &ev
	}
	return resp
}

// submitScan handles POST /api/v1/scans.
func (h *handler) submitScan(w http.ResponseWriter, r *http.Request) {
	if h.deps.Captures == nil {
		jsonErr(w, http.StatusServiceUnavailable, "capture unavailable")
		return
	}
	var req ScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBody)).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "body must be {\"scan_code\": \"...\"}")
		return
	}
	rec, err := h.deps.Captures.Submit(req.ScanCode)
	switch {
	case errors.Is(err, record.ErrEmptyScan), errors.Is(err, record.ErrInvalidScan):
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusAccepted, ScanResponse{ID: rec.ID, CapturedAt: rec.CapturedAt})
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
