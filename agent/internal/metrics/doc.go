// Package metrics holds the Prometheus collectors of the agent.
//
// New registers every collector on the given registry, so tests can use a
// private one. The exported metric names are shared with the status
// command, which scrapes them from a running agent.
package metrics
