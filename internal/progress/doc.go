// Package progress is the aggregation core of the tracker. It parses
// progress messages from the backend, reduces them into an immutable State
// with a pure Reducer, estimates time remaining, and composes the Snapshot
// that callers observe. A non-blocking Hub fans the resulting Records out to
// pluggable sinks such as Prometheus metrics or persistent storage.
package progress
