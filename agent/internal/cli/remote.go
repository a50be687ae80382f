package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const remoteTimeout = 2 * time.Minute

// remote talks to a running agent's status listener.
type remote struct {
	base string
	http *http.Client
}

// newRemote builds a client for addr, which may be host:port or a URL. A
// listen address with an empty or unspecified host is dialled on loopback.
func newRemote(addr string) (*remote, error) {
	if addr == "" {
		return nil, fmt.Errorf("no status address: set status.listen or pass --addr")
	}
	if !strings.Contains(addr, "://") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("status address %q: %w", addr, err)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = "http://" + net.JoinHostPort(host, port)
	}
	return &remote{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: remoteTimeout},
	}, nil
}

// do sends a request and decodes a JSON answer into out. Non-2xx answers
// become errors carrying the server's message.
func (r *remote) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// statusAddr picks --addr over the configured listen address.
func statusAddr(flag string, configPath string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Status.Listen, nil
}
