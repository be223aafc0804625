package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMessageEvent(t *testing.T) {
	t.Parallel()

	msg, err := ParseMessage([]byte(`{
		"phase": "modules",
		"phase_progress": 0.5,
		"overall_progress": 0.42,
		"preview_data": {"modules": ["Intro"]},
		"action": "processing",
		"message": "Building modules",
		"timestamp": "2025-03-01T12:00:05.123456"
	}`))
	require.NoError(t, err)
	require.Nil(t, msg.Status)
	require.NotNil(t, msg.Event)

	evt := msg.Event
	require.Equal(t, "modules", evt.Phase)
	require.InDelta(t, 0.5, *evt.PhaseProgress, 1e-12)
	require.InDelta(t, 0.42, *evt.OverallProgress, 1e-12)
	require.Equal(t, ActionProcessing, evt.Action)
	require.Equal(t, "Building modules", evt.Message)
	require.Equal(t, time.Date(2025, 3, 1, 12, 0, 5, 123456000, time.UTC), evt.Timestamp)
	require.Equal(t, []any{"Intro"}, evt.PreviewData["modules"])
}

func TestParseMessageHeartbeat(t *testing.T) {
	t.Parallel()

	msg, err := ParseMessage([]byte(`{"message":"Still working...","timestamp":"2025-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	require.True(t, msg.Event.IsHeartbeat())
}

func TestParseMessageStatusEnvelope(t *testing.T) {
	t.Parallel()

	msg, err := ParseMessage([]byte(`{"status":"failed","error":{"message":"quota exceeded"}}`))
	require.NoError(t, err)
	require.Nil(t, msg.Event)
	require.NotNil(t, msg.Status)
	require.Equal(t, StatusFailed, msg.Status.Status)
	require.Equal(t, "quota exceeded", msg.Status.ErrorMessage())

	msg, err = ParseMessage([]byte(`{"status":"completed","phase":"completion","overall_progress":1,"result":{"id":"c1"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Event)
	require.NotNil(t, msg.Status)
	require.Equal(t, "c1", msg.Status.Result["id"])
}

func TestParseMessageMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":     `data`,
		"array":        `[1,2]`,
		"bad type":     `{"overall_progress":"half"}`,
		"bad action":   `{"action":"exploded"}`,
		"bad status":   `{"status":"sleeping"}`,
		"bad time":     `{"message":"x","timestamp":"yesterday"}`,
		"phase number": `{"phase":3}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseMessage([]byte(payload))
			require.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestParseEventEmptyObject(t *testing.T) {
	t.Parallel()

	evt, err := ParseEvent([]byte(`{}`))
	require.NoError(t, err)
	require.True(t, evt.IsHeartbeat())
	require.True(t, evt.Timestamp.IsZero())
}

func TestOutcomeFailedDefaultsMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultFailureMessage, Failed("").Error)
	require.Equal(t, "boom", Failed("boom").Error)
	require.Equal(t, OutcomeCompleted, Completed(nil).Kind)
	require.True(t, StatusFailed.IsTerminal())
	require.False(t, StatusPending.IsTerminal())
}
