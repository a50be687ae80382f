// Package flusher drains the durable backlog to the collection endpoint.
//
// A Flusher is either Idle or Draining. A drain starts on startup, on every
// tick of flush.interval, on Trigger (CLI, HTTP, config reload) and when the
// connectivity probe reports an offline→online transition. A trigger that
// arrives while a drain is running is a no-op.
//
// One drain repeatedly peeks a batch of the oldest pending records, delivers
// it in order and commits the outcome:
//
//   - confirmed records are removed by identity;
//   - rejected records are marked for attention and never retried
//     automatically;
//   - the first unreachable record ends the drain, leaving it and every
//     record after it in place.
//
// LastFlush is the time of the last drain that emptied the pending backlog.
// It is advisory only.
package flusher
