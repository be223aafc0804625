// Package sinks implements concrete tracker record consumers: Prometheus,
// repository-backed run history, result archiving, terminal notifications,
// and structured logging. Each sink satisfies the progress.Sink interface and
// is safe for repeated Consume/Close cycles.
package sinks
