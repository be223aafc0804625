package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := streamMessagesTotal
	Init()
	require.Same(t, first, streamMessagesTotal)
}

func TestTransportCounters(t *testing.T) {
	Init()
	applied := testutil.ToFloat64(streamMessagesTotal.WithLabelValues(MessageApplied))
	malformed := testutil.ToFloat64(streamMessagesTotal.WithLabelValues(MessageMalformed))
	pollErrors := testutil.ToFloat64(pollRequestsTotal.WithLabelValues(PollError))
	fallbacks := testutil.ToFloat64(transportFallbacksTotal)
	fetchOK := testutil.ToFloat64(resultFetchesTotal.WithLabelValues(PollOK))

	ObserveStreamMessage(MessageApplied)
	ObserveStreamMessage(MessageApplied)
	ObserveStreamMessage(MessageMalformed)
	ObservePoll(PollError)
	ObserveFallback()
	ObserveResultFetch(true)

	require.InDelta(t, applied+2, testutil.ToFloat64(streamMessagesTotal.WithLabelValues(MessageApplied)), 1e-9)
	require.InDelta(t, malformed+1, testutil.ToFloat64(streamMessagesTotal.WithLabelValues(MessageMalformed)), 1e-9)
	require.InDelta(t, pollErrors+1, testutil.ToFloat64(pollRequestsTotal.WithLabelValues(PollError)), 1e-9)
	require.InDelta(t, fallbacks+1, testutil.ToFloat64(transportFallbacksTotal), 1e-9)
	require.InDelta(t, fetchOK+1, testutil.ToFloat64(resultFetchesTotal.WithLabelValues(PollOK)), 1e-9)
}

func TestRelaySubscribersGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(relaySubscribers)
	IncRelaySubscribers()
	IncRelaySubscribers()
	DecRelaySubscribers()
	require.InDelta(t, before+1, testutil.ToFloat64(relaySubscribers), 1e-9)
	DecRelaySubscribers()
}

func TestRateLimitDelayHistogram(t *testing.T) {
	Init()
	before := testutil.CollectAndCount(rateLimitDelaySeconds)
	ObserveRateLimitDelay("ratelimit-test.local", 20*time.Millisecond)
	require.Equal(t, before+1, testutil.CollectAndCount(rateLimitDelaySeconds))
}
