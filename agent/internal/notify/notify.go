package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scanagent/scanagent/agent/internal/config"
	"github.com/scanagent/scanagent/agent/internal/delivery"
	"github.com/scanagent/scanagent/agent/internal/probe"
	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/record"
)

const webhookTimeout = 10 * time.Second

// Kinds of notice.
const (
	KindRejected    = "rejected"
	KindQuarantined = "quarantined"
	KindCertificate = "certificate"
)

// Notice is one operator notification.
type Notice struct {
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"` // "warning" | "critical"
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	RecordID string    `json:"record_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier fans notices out to the configured webhooks.
// Notifier is safe for concurrent use.
type Notifier struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a Notifier. With no webhooks every call is a no-op.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: webhookTimeout},
		now:      time.Now,
	}
}

// Rejected reports a record the endpoint refused.
func (n *Notifier) Rejected(rec record.Record, res delivery.Result) {
	n.Send(Notice{
		Kind:     KindRejected,
		Severity: "warning",
		Title:    "Scan rejected by collector",
		Message: fmt.Sprintf("scan %q captured %s was rejected with status %d: %s",
			rec.ScanCode, rec.CapturedAt.Format(time.DateTime), res.StatusCode, res.Message),
		RecordID: rec.ID,
		DeviceID: rec.DeviceID,
	})
}

// Quarantined reports a backlog file that was moved aside as unreadable.
func (n *Notifier) Quarantined(err *queue.StorageCorruptionError) {
	n.Send(Notice{
		Kind:     KindQuarantined,
		Severity: "critical",
		Title:    "Backlog file quarantined",
		Message:  fmt.Sprintf("%s was unreadable and moved to %s: %v", err.Path, err.Quarantine, err.Err),
	})
}

// Certificate warns about an expiring or expired collector certificate.
// Other states are ignored.
func (n *Notifier) Certificate(cs *probe.CertStatus) {
	if !cs.Attention() {
		return
	}
	severity := "warning"
	if cs.Status == probe.CertExpired {
		severity = "critical"
	}
	n.Send(Notice{
		Kind:     KindCertificate,
		Severity: severity,
		Title:    "Collector certificate " + cs.Status,
		Message: fmt.Sprintf("certificate of %s issued by %s expires %s (%d days left)",
			cs.Endpoint, cs.Issuer, cs.NotAfter.Format(time.DateOnly), cs.DaysLeft),
	})
}

// Send delivers nt to every webhook in the background.
func (n *Notifier) Send(nt Notice) {
	if len(n.webhooks) == 0 {
		return
	}
	if nt.At.IsZero() {
		nt.At = n.now()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(nt)
	}()
}

// Wait blocks until every in-flight notice has been delivered or ctx ends.
func (n *Notifier) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (n *Notifier) deliver(nt Notice) {
	for _, wh := range n.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = n.sendSlack(url, nt)
		case "teams":
			err = n.sendTeams(url, nt)
		case "http":
			err = n.sendHTTP(url, nt)
		default:
			slog.Warn("notify: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("notify: webhook delivery failed", "type", wh.Type, "kind", nt.Kind, "err", err)
		} else {
			slog.Debug("notify: webhook delivered", "type", wh.Type, "kind", nt.Kind)
		}
	}
}

func (n *Notifier) sendSlack(url string, nt Notice) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s %s* %s", severityLabel(nt.Severity), nt.Title, nt.Message),
	})
	return n.post(url, body)
}

func (n *Notifier) sendTeams(url string, nt Notice) error {
	body, _ := json.Marshal(map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(nt.Severity),
		"summary":    nt.Title,
		"title":      "scanagent: " + nt.Title,
		"text":       nt.Message,
	})
	return n.post(url, body)
}

func (n *Notifier) sendHTTP(url string, nt Notice) error {
	body, _ := json.Marshal(map[string]interface{}{"notice": nt})
	return n.post(url, body)
}

func (n *Notifier) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s string) string {
	if s == "critical" {
		return "[CRITICAL]"
	}
	return "[WARNING]"
}

func severityColor(s string) string {
	if s == "critical" {
		return "FF4F6A"
	}
	return "FFAB40"
}
