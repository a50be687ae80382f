// Package record defines the Event Record: one scan occurrence plus the
// device metadata attached at capture time.
//
// New stamps a scan with a fresh UUID, the device Identity and a capture
// time truncated to the second. Blank scans return ErrEmptyScan and scans
// carrying control characters return ErrInvalidScan, so every stored code
// fits on one backlog row.
//
// Origin tells whether the immediate delivery path actually sent the record
// (online_attempt) or it went straight to the backlog (offline_replay).
// A record rejected by the endpoint keeps its HTTP status and rejection
// time next to it until an operator requeues it.
package record
