// Package config loads and watches the scanagent configuration file.
//
// Top-level types:
//   - Config{Agent, Flush, Queue, Probe, Device, Status, Notify, Log}
//   - AgentConfig: endpoint, request_timeout, capture_attempts, max_in_flight,
//     retry policy, auth and tls for the collection endpoint
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none); Key(), Token() and
//     Password() resolve secrets from environment variables
//   - FlushConfig, QueueConfig, ProbeConfig, DeviceConfig, StatusConfig,
//     NotifyConfig, LogConfig
//
// Load(path) reads the YAML file, expands ${VAR} references, applies
// defaults (10s request timeout, 5 attempts from 1s doubling to 30s, batches
// of 100 every 60s, 5s probe every 10s) and validates enums and ranges.
// The endpoint is optional: without it the agent only buffers.
//
// Watch(ctx, path, onChange) uses fsnotify on the parent directory, waits
// for a burst of save events to settle, and calls onChange with the new
// Config and the sections Diff reports as changed. Saves that change nothing
// are dropped.
package config
