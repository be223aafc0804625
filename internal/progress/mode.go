package progress

// Mode is the transport lifecycle state of a tracked task.
type Mode string

// Coordinator modes.
const (
	ModeIdle        Mode = "idle"
	ModeStreaming   Mode = "streaming"
	ModePolling     Mode = "polling"
	ModeReconciling Mode = "reconciling"
	ModeCompleted   Mode = "completed"
	ModeFailed      Mode = "failed"
	ModeAbandoned   Mode = "abandoned"
)

// IsTerminal reports whether no further transitions are possible.
func (m Mode) IsTerminal() bool {
	return m == ModeCompleted || m == ModeFailed || m == ModeAbandoned
}

// IsActive reports whether the task is still being tracked.
func (m Mode) IsActive() bool {
	return !m.IsTerminal()
}
