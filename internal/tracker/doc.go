// Package tracker follows backend generation tasks to completion. A
// Coordinator owns one task attempt: it reads the push stream, falls back to
// polling the status endpoint when the stream drops, folds every message into
// a progress.State, and reconciles the terminal outcome exactly once. Tracker
// keeps one active Coordinator per task id.
package tracker
