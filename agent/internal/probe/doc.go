// Package probe implements the connectivity check that decides between the
// immediate and the buffered delivery path.
//
// New(config.ProbeConfig) returns an HTTPProbe (GET, 2xx/3xx means online)
// or a TCPProbe (dial host:port, with a TLS handshake for https targets).
// Both apply the configured timeout and fail closed.
//
// Monitor runs a probe every interval and publishes Status values to
// subscribed channels. The flusher listens for offline→online transitions
// and the status reporter records every check.
package probe
