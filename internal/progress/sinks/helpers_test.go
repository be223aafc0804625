package sinks

import (
	"time"

	"github.com/JakeFAU/genprogress/internal/progress"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func update(taskID, attemptID, phaseID string, overall float64, at time.Duration) progress.Record {
	snap := progress.Snapshot{TaskID: taskID, AttemptID: attemptID, Mode: progress.ModeStreaming}
	snap.State = progress.NewState(testStart, phaseID)
	snap.OverallProgress = overall
	snap.LastMessage = "working on " + phaseID
	snap.UpdatedAt = testStart.Add(at)
	return progress.Record{TaskID: taskID, TS: snap.UpdatedAt, Kind: progress.RecordUpdate, Snapshot: snap}
}

func abandoned(taskID, attemptID string, at time.Duration) progress.Record {
	rec := update(taskID, attemptID, "modules", 0.3, at)
	rec.Snapshot.Mode = progress.ModeAbandoned
	return rec
}

func terminal(taskID, attemptID string, outcome progress.Outcome, at time.Duration) progress.Record {
	rec := update(taskID, attemptID, "completion", 1, at)
	rec.Kind = progress.RecordTerminal
	rec.Outcome = &outcome
	if outcome.Kind == progress.OutcomeCompleted {
		rec.Snapshot.Mode = progress.ModeCompleted
	} else {
		rec.Snapshot.Mode = progress.ModeFailed
	}
	return rec
}
