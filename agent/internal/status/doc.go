// Package status exposes the agent's observable state on a local HTTP
// listener.
//
// Reporter is the in-memory state: connectivity, the flusher watermark, the
// backlog sizes and the most recent capture outcomes. It consumes probe
// results from a channel and is told about captures and drains through its
// Record* methods.
//
// The handler returned by NewHandler serves:
//
//	GET  /api/v1/status                  current Snapshot
//	GET  /api/v1/attention               records the collector rejected
//	POST /api/v1/attention/{id}/requeue  clear a rejection and trigger a drain
//	POST /api/v1/flush                   trigger a drain (?wait=true runs it inline)
//	POST /api/v1/scans                   submit a scan {"scan_code": "..."}
//	GET  /metrics                        Prometheus exposition
//	GET  /ws/stream                      WebSocket event stream
//
// The stream sends a "status" message on connect and every broadcast
// interval, an "outcome" message per handled capture and a "flush" message
// per drain.
package status
