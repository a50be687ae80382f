package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/scanagent/scanagent/agent/internal/config"
	"github.com/scanagent/scanagent/agent/internal/record"
)

// wireTimeLayout is the captured_at format the endpoint parses.
const wireTimeLayout = "2006-01-02 15:04:05"

// maxMessageBytes bounds how much of a response body is read for logging.
const maxMessageBytes = 4 << 10

// Outcome classifies the final state of one record after Deliver.
type Outcome string

const (
	Confirmed   Outcome = "confirmed"
	Rejected    Outcome = "rejected"
	Unreachable Outcome = "unreachable"
)

// Attempt results reported to the observer, one per HTTP send.
const (
	AttemptSuccess   = "success"
	AttemptRejected  = "rejected"
	AttemptBusy      = "busy"
	AttemptTransport = "transport"
)

// Result is the per-record report of Deliver.
type Result struct {
	ID         string
	Outcome    Outcome
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

// payload is the JSON body of one POST.
type payload struct {
	ID          string `json:"id"`
	DeviceID    string `json:"device_id"`
	SiteID      string `json:"site_id"`
	ScanCode    string `json:"scan_code"`
	CapturedAt  string `json:"captured_at"`
	Fingerprint string `json:"device_fingerprint,omitempty"`
	Origin      string `json:"origin"`
}

// Client posts records to the endpoint. It is safe for concurrent use; the
// number of requests in flight across a Client and its copies is bounded by
// agent.max_in_flight.
type Client struct {
	endpoint string
	http     *http.Client
	policy   Policy
	sem      chan struct{}
	sleep    func(ctx context.Context, d time.Duration) error
	observe  func(result string)
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy replaces the retry policy built from the config.
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHTTPClient replaces the HTTP client built from the config.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithAttemptObserver registers fn to be called after every HTTP send with
// one of the Attempt* results.
func WithAttemptObserver(fn func(result string)) Option {
	return func(c *Client) { c.observe = fn }
}

// New builds a Client from the agent config. An empty endpoint returns a
// *ConfigurationError.
func New(cfg config.AgentConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, &ConfigurationError{Reason: "agent.endpoint is not set"}
	}
	inFlight := cfg.MaxInFlight
	if inFlight <= 0 {
		inFlight = config.DefaultMaxInFlight
	}
	c := &Client{
		endpoint: cfg.Endpoint,
		policy:   PolicyFromConfig(cfg.Retry),
		sem:      make(chan struct{}, inFlight),
		sleep:    sleepCtx,
		observe:  func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		hc, err := buildHTTPClient(cfg)
		if err != nil {
			return nil, &ConfigurationError{Reason: err.Error()}
		}
		c.http = hc
	}
	return c, nil
}

// Endpoint returns the URL records are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// Policy returns the retry policy in effect.
func (c *Client) Policy() Policy { return c.policy }

// Attempts returns a copy of c that gives each record at most n sends.
// The copy shares the HTTP client and the in-flight limit with c.
func (c *Client) Attempts(n int) *Client {
	cp := *c
	if n > 0 {
		cp.policy.MaxAttempts = n
	}
	return &cp
}

// Deliver sends recs in order and returns one Result per record, in the
// same order. It stops sending at the first unreachable record.
func (c *Client) Deliver(ctx context.Context, recs []record.Record) []Result {
	results := make([]Result, 0, len(recs))
	for i, rec := range recs {
		res := c.deliverOne(ctx, rec)
		results = append(results, res)
		if res.Outcome != Unreachable {
			continue
		}
		for _, rest := range recs[i+1:] {
			results = append(results, Result{ID: rest.ID, Outcome: Unreachable, Err: ErrBatchStopped})
		}
		break
	}
	return results
}

func (c *Client) deliverOne(ctx context.Context, rec record.Record) Result {
	res := Result{ID: rec.ID}
	for {
		res.Attempts++
		status, msg, err := c.send(ctx, rec)
		res.StatusCode, res.Message, res.Err = status, msg, err

		if err == nil {
			c.observe(AttemptSuccess)
			res.Outcome = Confirmed
			return res
		}

		var rej *RejectedError
		if errors.As(err, &rej) {
			c.observe(AttemptRejected)
			res.Outcome = Rejected
			slog.Warn("delivery: record rejected",
				"id", rec.ID, "status", status, "message", msg)
			return res
		}

		var busy *ServerBusyError
		var retryAfter time.Duration
		if errors.As(err, &busy) {
			c.observe(AttemptBusy)
			retryAfter = busy.RetryAfter
		} else {
			c.observe(AttemptTransport)
		}

		res.Outcome = Unreachable
		if !retryable(err) || res.Attempts >= c.policy.MaxAttempts || ctx.Err() != nil {
			slog.Warn("delivery: giving up on record",
				"id", rec.ID, "attempts", res.Attempts, "err", err)
			return res
		}

		wait := c.policy.wait(res.Attempts, retryAfter)
		slog.Debug("delivery: attempt failed, will retry",
			"id", rec.ID, "attempt", res.Attempts, "err", err, "retry_in", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return res
		}
	}
}

// send performs one POST. A nil error means 2xx.
func (c *Client) send(ctx context.Context, rec record.Record) (int, string, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, "", &TransportError{Err: ctx.Err()}
	}
	defer func() { <-c.sem }()

	body, err := json.Marshal(payload{
		ID:          rec.ID,
		DeviceID:    rec.DeviceID,
		SiteID:      rec.SiteID,
		ScanCode:    rec.ScanCode,
		CapturedAt:  rec.CapturedAt.Format(wireTimeLayout),
		Fingerprint: rec.Fingerprint,
		Origin:      string(rec.Origin),
	})
	if err != nil {
		return 0, "", &RejectedError{Message: fmt.Sprintf("encode record: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", &TransportError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	msg := readMessage(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, msg, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, msg, &ServerBusyError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	default:
		return resp.StatusCode, msg, &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// readMessage extracts a human-readable message from a response body: the
// JSON "message" or "detail" field when present, otherwise the trimmed text.
func readMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	var obj struct {
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}
	if json.Unmarshal(data, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != nil {
			return fmt.Sprint(obj.Detail)
		}
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.Header, t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the agent's auth and TLS settings.
func buildHTTPClient(cfg config.AgentConfig) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if cfg.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(cfg.Auth.CertFile, cfg.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if cfg.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(cfg.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", cfg.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
			auth: cfg.Auth,
		},
		Timeout: timeout,
	}, nil
}
