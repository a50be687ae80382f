// Package notify posts operator notifications to Slack, Teams or generic
// HTTP webhooks when a record needs attention or the backlog file had to be
// quarantined. Delivery is asynchronous and best effort.
package notify
