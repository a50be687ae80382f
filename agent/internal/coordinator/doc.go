// Package coordinator decides, per captured scan, between immediate delivery
// and the durable backlog.
//
// HandleCapture probes connectivity, tries the record once against the
// endpoint when online and appends it to the backlog on anything other than
// a confirmed delivery. When it returns, the record is either confirmed or
// on stable storage.
//
// Submit is the fire-and-continue entry point used by capture surfaces: it
// stamps the scan and hands it to a single worker (Run) so captures are
// handled in order while the caller keeps scanning. Captures still waiting
// in the inbox when Run stops are appended straight to the backlog.
package coordinator
