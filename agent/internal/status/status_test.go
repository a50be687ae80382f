package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scanagent/scanagent/agent/internal/coordinator"
	"github.com/scanagent/scanagent/agent/internal/delivery"
	"github.com/scanagent/scanagent/agent/internal/flusher"
	"github.com/scanagent/scanagent/agent/internal/probe"
	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/record"
)

// --- fakes ------------------------------------------------------------------

type fakeBacklog struct {
	mu        sync.Mutex
	attention []record.Record
	requeued  []string
}

func (b *fakeBacklog) Attention() ([]record.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]record.Record(nil), b.attention...), nil
}

func (b *fakeBacklog) Requeue(ids []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	kept := b.attention[:0]
	for _, r := range b.attention {
		if r.ID == ids[0] {
			n++
			b.requeued = append(b.requeued, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	b.attention = kept
	return n, nil
}

func (b *fakeBacklog) Stats() (queue.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return queue.Stats{Pending: 3, Attention: len(b.attention)}, nil
}

type fakeFlusher struct {
	mu       sync.Mutex
	triggers int
	report   flusher.Report
	last     time.Time
}

func (f *fakeFlusher) Drain(context.Context) flusher.Report { return f.report }
func (f *fakeFlusher) Trigger() {
	f.mu.Lock()
	f.triggers++
	f.mu.Unlock()
}
func (f *fakeFlusher) State() flusher.State { return flusher.Idle }
func (f *fakeFlusher) LastFlush() time.Time { return f.last }

func (f *fakeFlusher) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers
}

type fakeSubmitter struct {
	got []string
}

func (s *fakeSubmitter) Submit(scan string) (record.Record, error) {
	if _, err := record.New(scan, record.Identity{}, record.OriginOfflineReplay, time.Now()); err != nil {
		return record.Record{}, err
	}
	s.got = append(s.got, scan)
	return record.Record{ID: "new-id", ScanCode: scan, CapturedAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}, nil
}

// --- helpers ----------------------------------------------------------------

func rejectedRecord(id string) record.Record {
	return record.Record{
		ID:             id,
		ScanCode:       "code-" + id,
		CapturedAt:     time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		Origin:         record.OriginOfflineReplay,
		RejectedStatus: http.StatusUnprocessableEntity,
		RejectedAt:     time.Date(2024, 6, 1, 9, 5, 0, 0, time.UTC),
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- Reporter ---------------------------------------------------------------

func TestReporter_Snapshot(t *testing.T) {
	fl := &fakeFlusher{last: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	rep := NewReporter(Info{DeviceID: "rasp-1", SiteID: "filial-1", Endpoint: "https://c.example.com"}, fl, &fakeBacklog{})

	rep.RecordProbe(probe.Status{Online: true, CheckedAt: time.Now(), Changed: true})
	rep.RecordCapture(coordinator.Capture{Record: record.Record{ID: "a", ScanCode: "1"}, Outcome: coordinator.Buffered})
	rep.RecordCapture(coordinator.Capture{
		Record:  record.Record{ID: "b", ScanCode: "2"},
		Outcome: coordinator.Delivered,
		Result:  &delivery.Result{StatusCode: 201, Message: "stored"},
	})
	rep.RecordFlush(flusher.Report{Sent: 4, Remaining: 0})

	s := rep.Snapshot()
	if !s.Online || s.CheckedAt == nil {
		t.Errorf("online/checked_at: %+v", s)
	}
	if !s.DeliveryEnabled {
		t.Error("delivery_enabled = false with an endpoint")
	}
	if s.LastFlush == nil || !s.LastFlush.Equal(fl.last) {
		t.Errorf("last_flush = %v", s.LastFlush)
	}
	if s.Backlog.Pending != 3 {
		t.Errorf("backlog = %+v", s.Backlog)
	}
	if len(s.Recent) != 2 || s.Recent[0].ID != "b" || s.Recent[0].StatusCode != 201 {
		t.Errorf("recent (newest first) = %+v", s.Recent)
	}
	if s.LastDrain == nil || s.LastDrain.Sent != 4 || !s.LastDrain.Complete {
		t.Errorf("last_drain = %+v", s.LastDrain)
	}
}

func TestReporter_Certificate(t *testing.T) {
	rep := NewReporter(Info{Endpoint: "https://c.example.com"}, nil, nil)
	if rep.Snapshot().Certificate != nil {
		t.Fatal("certificate before any check")
	}
	rep.RecordCertificate(&probe.CertStatus{Endpoint: "https://c.example.com", Status: probe.CertExpiring, DaysLeft: 9})
	cs := rep.Snapshot().Certificate
	if cs == nil || cs.Status != probe.CertExpiring || cs.DaysLeft != 9 {
		t.Errorf("certificate = %+v", cs)
	}
}

func TestReporter_RecentIsBounded(t *testing.T) {
	rep := NewReporter(Info{}, nil, nil)
	for i := 0; i < recentCaptures+10; i++ {
		rep.RecordCapture(coordinator.Capture{Outcome: coordinator.Buffered})
	}
	if got := len(rep.Snapshot().Recent); got != recentCaptures {
		t.Errorf("recent len = %d, want %d", got, recentCaptures)
	}
}

func TestReporter_RunConsumesProbe(t *testing.T) {
	rep := NewReporter(Info{}, nil, nil)
	ch := make(chan probe.Status, 1)
	ch <- probe.Status{Online: true, CheckedAt: time.Now(), Changed: true}
	close(ch)

	rep.Run(context.Background(), ch)
	if !rep.Snapshot().Online {
		t.Error("online = false after an online probe result")
	}
}

// --- HTTP API ---------------------------------------------------------------

func TestAPI_Status(t *testing.T) {
	h := NewHandler(Deps{Reporter: NewReporter(Info{DeviceID: "rasp-9"}, nil, nil)})
	rr := do(t, h, http.MethodGet, "/api/v1/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var s Snapshot
	decode(t, rr, &s)
	if s.DeviceID != "rasp-9" || s.DeliveryEnabled {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestAPI_AttentionAndRequeue(t *testing.T) {
	b := &fakeBacklog{attention: []record.Record{rejectedRecord("r1"), rejectedRecord("r2")}}
	fl := &fakeFlusher{}
	h := NewHandler(Deps{Backlog: b, Flusher: fl})

	rr := do(t, h, http.MethodGet, "/api/v1/attention", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("attention: got %d", rr.Code)
	}
	var views []RecordView
	decode(t, rr, &views)
	if len(views) != 2 || views[0].ID != "r1" || views[0].RejectedStatus != 422 || views[0].RejectedAt == nil {
		t.Errorf("attention = %+v", views)
	}

	rr = do(t, h, http.MethodPost, "/api/v1/attention/r2/requeue", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("requeue: got %d (%s)", rr.Code, rr.Body.String())
	}
	if fl.triggerCount() != 1 {
		t.Errorf("requeue did not trigger a drain")
	}

	rr = do(t, h, http.MethodPost, "/api/v1/attention/r2/requeue", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("second requeue: got %d, want 404", rr.Code)
	}
}

func TestAPI_Flush(t *testing.T) {
	fl := &fakeFlusher{report: flusher.Report{Sent: 10, Remaining: 5, Stopped: true, Err: errors.New("boom")}}
	h := NewHandler(Deps{Flusher: fl})

	rr := do(t, h, http.MethodPost, "/api/v1/flush", "")
	if rr.Code != http.StatusAccepted || fl.triggerCount() != 1 {
		t.Fatalf("async flush: code %d, triggers %d", rr.Code, fl.triggerCount())
	}

	rr = do(t, h, http.MethodPost, "/api/v1/flush?wait=true", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sync flush: got %d", rr.Code)
	}
	var resp FlushResponse
	decode(t, rr, &resp)
	if resp.Report == nil || resp.Report.Sent != 10 || resp.Report.Remaining != 5 || resp.Report.Complete {
		t.Errorf("flush response = %+v", resp)
	}
	if resp.Error != "boom" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestAPI_SubmitScan(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewHandler(Deps{Captures: sub})

	rr := do(t, h, http.MethodPost, "/api/v1/scans", `{"scan_code":"7891000"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: got %d (%s)", rr.Code, rr.Body.String())
	}
	var resp ScanResponse
	decode(t, rr, &resp)
	if resp.ID != "new-id" || len(sub.got) != 1 || sub.got[0] != "7891000" {
		t.Errorf("resp = %+v, submitted = %v", resp, sub.got)
	}

	for _, body := range []string{`{"scan_code":"  "}`, `{"scan_code":"AB\nCD"}`, `not json`} {
		if rr := do(t, h, http.MethodPost, "/api/v1/scans", body); rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: got %d, want 400", body, rr.Code)
		}
	}
	if len(sub.got) != 1 {
		t.Errorf("rejected bodies reached the backlog: %v", sub.got)
	}
}

func TestAPI_MissingDeps(t *testing.T) {
	h := NewHandler(Deps{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/status"},
		{http.MethodGet, "/api/v1/attention"},
		{http.MethodPost, "/api/v1/flush"},
		{http.MethodPost, "/api/v1/scans"},
	} {
		if rr := do(t, h, tc.method, tc.path, "{}"); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: got %d, want 503", tc.method, tc.path, rr.Code)
		}
	}
	if rr := do(t, h, http.MethodGet, "/api/v1/flush", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/v1/flush: got %d, want 405", rr.Code)
	}
}

func TestAPI_Metrics(t *testing.T) {
	h := NewHandler(Deps{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("scanagent_online 1\n"))
	})})
	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "scanagent_online") {
		t.Errorf("metrics: %d %q", rr.Code, rr.Body.String())
	}
}

// --- WebSocket stream -------------------------------------------------------

func TestHub_StreamsEvents(t *testing.T) {
	rep := NewReporter(Info{DeviceID: "rasp-ws"}, nil, nil)
	hub := NewHub(rep, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(Deps{Reporter: rep, Hub: hub}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() Message {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		return m
	}

	if m := read(); m.Event != EventStatus {
		t.Fatalf("first event = %q, want status", m.Event)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	rep.RecordCapture(coordinator.Capture{Record: record.Record{ID: "x", ScanCode: "42"}, Outcome: coordinator.Delivered})

	m := read()
	if m.Event != EventOutcome {
		t.Fatalf("event = %q, want outcome", m.Event)
	}
	data, _ := m.Data.(map[string]interface{})
	if data["scan_code"] != "42" || data["outcome"] != "delivered" {
		t.Errorf("outcome data = %v", m.Data)
	}
}
