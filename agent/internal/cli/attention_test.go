package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/status"
)

func TestAttention_LocalListAndRequeue(t *testing.T) {
	cfgPath, queuePath := writeConfig(t, "", "")
	recs := seedQueue(t, queuePath, "ok-1", "bad-1", "ok-2")

	q, err := queue.Open(queuePath)
	require.NoError(t, err)
	marked, err := q.MarkRejected(recs[1].ID, http.StatusUnprocessableEntity, time.Now())
	require.NoError(t, err)
	require.True(t, marked)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "attention", "--local")
	require.NoError(t, err)
	var views []status.RecordView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, recs[1].ID, views[0].ID)
	assert.Equal(t, "bad-1", views[0].ScanCode)
	assert.Equal(t, http.StatusUnprocessableEntity, views[0].RejectedStatus)

	out, err = execute(t, "--config", cfgPath, "attention", "--local", "--requeue", recs[1].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued  "+recs[1].ID)

	st, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Pending: 3, Attention: 0}, st)
}

func TestAttention_LocalRequeueUnknown(t *testing.T) {
	cfgPath, queuePath := writeConfig(t, "", "")
	seedQueue(t, queuePath, "pending")

	out, err := execute(t, "--config", cfgPath, "attention", "--local", "--requeue", "no-such-id")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "not found no-such-id")
}

func TestAttention_LocalEmptyText(t *testing.T) {
	cfgPath, _ := writeConfig(t, "", "")

	out, err := execute(t, "--config", cfgPath, "attention", "--local")
	require.NoError(t, err)
	assert.Equal(t, "no rejected records\n", out)
}

func TestAttention_Remote(t *testing.T) {
	rejectedAt := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	var mu sync.Mutex
	var requeued []string
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/attention":
			json.NewEncoder(w).Encode([]status.RecordView{{ //nolint:errcheck
				ID: "rec-1", ScanCode: "7891000", CapturedAt: rejectedAt.Add(-time.Hour),
				RejectedStatus: 409, RejectedAt: &rejectedAt,
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/attention/rec-1/requeue":
			mu.Lock()
			requeued = append(requeued, "rec-1")
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]int{"requeued": 1}) //nolint:errcheck
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/requeue"):
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "no rejected record with that id"}) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer agentSrv.Close()

	out, err := execute(t, "attention", "--addr", agentSrv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "rec-1")
	assert.Contains(t, out, "409")
	assert.Contains(t, out, "2025-03-01T09:30:00Z")

	out, err = execute(t, "--format", "json", "attention", "--addr", agentSrv.URL,
		"--requeue", "rec-1", "--requeue", "rec-2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var res requeueResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{"rec-1"}, res.Requeued)
	assert.Equal(t, []string{"rec-2"}, res.NotFound)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"rec-1"}, requeued)
}
