// Package device resolves the identity stamped on every record: the device
// and site ids, taken from config or from the two-line ids file written at
// registration, and a best-effort hardware fingerprint.
package device
