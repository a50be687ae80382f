// Package delivery sends scan records to the collection endpoint.
//
// Each record is one JSON POST. The response is classified into one of three
// outcomes:
//
//   - confirmed: any 2xx. The record may be removed from the backlog.
//   - rejected: a 4xx other than 429. The endpoint will never accept this
//     record as sent, so it is not retried.
//   - unreachable: a transport error, timeout, 429 or 5xx after the retry
//     budget of the Policy is spent.
//
// Retries use truncated exponential backoff with jitter. A Retry-After header
// on 429/503 replaces the computed delay, capped at Policy.MaxDelay.
//
// Deliver sends a batch strictly in order. The first record that ends
// unreachable stops the batch; the records after it are reported unreachable
// without being sent so a later record never overtakes an earlier one.
//
// Auth follows the agent config: none, apikey, bearer, basic or mtls. The
// record id travels in the body and as the Idempotency-Key header so the
// receiver can drop duplicates of an at-least-once send.
package delivery
