// Package sinks implements concrete job event consumers: structured logging,
// Prometheus collectors, the Postgres outcome ledger and outbound
// notifications. Each sink satisfies progress.Sink.
package sinks
