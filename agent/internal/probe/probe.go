package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/scanagent/scanagent/agent/internal/config"
)

// Probe answers whether the network path to the outside world is usable.
// Implementations fail closed: any error or timeout means unreachable.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// Func adapts a plain function to the Probe interface.
type Func func(ctx context.Context) bool

// Reachable calls f.
func (f Func) Reachable(ctx context.Context) bool { return f(ctx) }

// New returns the probe selected by cfg.Mode.
func New(cfg config.ProbeConfig) (Probe, error) {
	switch cfg.Mode {
	case "http", "":
		return &HTTPProbe{
			target:  cfg.Target,
			timeout: cfg.Timeout,
			client: &http.Client{
				Timeout: cfg.Timeout,
				// A redirect is already proof of reachability.
				CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			},
		}, nil
	case "tcp":
		addr, useTLS, err := dialTarget(cfg.Target)
		if err != nil {
			return nil, err
		}
		return &TCPProbe{addr: addr, useTLS: useTLS, timeout: cfg.Timeout}, nil
	default:
		return nil, fmt.Errorf("probe: unsupported mode %q", cfg.Mode)
	}
}

// HTTPProbe issues a GET against a stable, always-up URL.
type HTTPProbe struct {
	target  string
	timeout time.Duration
	client  *http.Client
}

// Reachable reports true for any 2xx or 3xx answer within the timeout.
func (p *HTTPProbe) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// TCPProbe dials host:port, completing a TLS handshake for https targets.
type TCPProbe struct {
	addr    string
	useTLS  bool
	timeout time.Duration
}

// Reachable reports true when the connection (and handshake) succeed within
// the timeout.
func (p *TCPProbe) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if p.useTLS {
		host, _, _ := net.SplitHostPort(p.addr)
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: &tls.Config{ServerName: host}}
		conn, err = dialer.DialContext(ctx, "tcp", p.addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", p.addr)
	}
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// dialTarget turns a probe target (host:port or URL) into a dial address.
func dialTarget(target string) (addr string, useTLS bool, err error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		// Plain host:port.
		if _, _, err := net.SplitHostPort(target); err != nil {
			return "", false, fmt.Errorf("probe: target %q is neither host:port nor a URL", target)
		}
		return target, false, nil
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		// No explicit port in the URL, append the scheme default.
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(host, port)
	}
	return host, u.Scheme == "https", nil
}
