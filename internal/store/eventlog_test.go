package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/pkg/schema"
)

func eventLogOf(t *testing.T, s Store) EventLog {
	t.Helper()
	el, ok := s.(EventLog)
	require.True(t, ok, "%T does not implement EventLog", s)
	return el
}

func TestEventLog_AppendAssignsSequencePerRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		el := eventLogOf(t, s)
		ctx := context.Background()

		for _, runID := range []string{"run-a", "run-b", "run-a"} {
			require.NoError(t, el.AppendEvent(ctx, &Event{RunID: runID, Type: schema.EventRunQueued}))
		}

		a, err := el.GetEvents(ctx, "run-a", 0)
		require.NoError(t, err)
		require.Len(t, a, 2)
		assert.Equal(t, int64(1), a[0].Sequence)
		assert.Equal(t, int64(2), a[1].Sequence)
		assert.False(t, a[0].Timestamp.IsZero())

		b, err := el.GetEvents(ctx, "run-b", 0)
		require.NoError(t, err)
		require.Len(t, b, 1)
		assert.Equal(t, int64(1), b[0].Sequence)
	})
}

func TestEventLog_GetEventsSince(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		el := eventLogOf(t, s)
		ctx := context.Background()

		for _, et := range []string{schema.EventNodeStarted, schema.EventNodeWaiting, schema.EventNodeCompleted} {
			require.NoError(t, el.AppendEvent(ctx, &Event{
				RunID: "run-1", NodeID: "n1", Type: et, Payload: json.RawMessage(`{"k":1}`),
			}))
		}

		events, err := el.GetEvents(ctx, "run-1", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
		assert.Equal(t, "n1", events[0].NodeID)
		assert.Equal(t, schema.EventNodeWaiting, events[0].Type)
		assert.JSONEq(t, `{"k":1}`, string(events[0].Payload))

		none, err := el.GetEvents(ctx, "missing", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestEventLog_ConcurrentAppends(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		el := eventLogOf(t, s)
		ctx := context.Background()

		const n = 10
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- el.AppendEvent(ctx, &Event{RunID: "run-1", Type: schema.EventProviderAttempt})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		events, err := el.GetEvents(ctx, "run-1", 0)
		require.NoError(t, err)
		require.Len(t, events, n)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})
}

func TestReplayNodes(t *testing.T) {
	now := time.Now().UTC()
	events := []*Event{
		{RunID: "r", Type: schema.EventRunStarted, Sequence: 1, Timestamp: now},
		{RunID: "r", NodeID: "p1", Type: schema.EventNodeStarted, Sequence: 2, Timestamp: now},
		{RunID: "r", NodeID: "p1", Type: schema.EventNodeCompleted, Sequence: 3, Timestamp: now.Add(time.Second)},
		{RunID: "r", NodeID: "l1", Type: schema.EventNodeStarted, Sequence: 4, Timestamp: now},
		{RunID: "r", NodeID: "l1", Type: schema.EventNodeWaiting, Sequence: 5, Timestamp: now},
		{RunID: "r", NodeID: "l1", Type: schema.EventProviderAttempt, Sequence: 6, Timestamp: now},
		{RunID: "r", NodeID: "l1", Type: schema.EventNodeWaiting, Sequence: 7, Timestamp: now},
		{RunID: "r", NodeID: "l1", Type: schema.EventNodeResumed, Sequence: 8, Timestamp: now},
		{RunID: "r", NodeID: "l1", Type: schema.EventProviderAttempt, Sequence: 9, Timestamp: now},
		{RunID: "r", NodeID: "t1", Type: schema.EventNodeCanceled, Sequence: 10, Timestamp: now},
	}

	nodes, err := ReplayNodes("r", events)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, schema.NodeStatusCompleted, nodes["p1"].Status)
	require.NotNil(t, nodes["p1"].StartedAt)
	require.NotNil(t, nodes["p1"].FinishedAt)
	assert.Equal(t, time.Second, nodes["p1"].FinishedAt.Sub(*nodes["p1"].StartedAt))

	assert.Equal(t, schema.NodeStatusRunning, nodes["l1"].Status)
	assert.Equal(t, 2, nodes["l1"].Attempts)
	assert.Equal(t, 2, nodes["l1"].Waits)
	assert.Nil(t, nodes["l1"].FinishedAt)

	assert.Equal(t, schema.NodeStatusCanceled, nodes["t1"].Status)
	assert.Nil(t, nodes["t1"].StartedAt)
}

func TestReplayNodes_SequenceGap(t *testing.T) {
	_, err := ReplayNodes("r", []*Event{
		{RunID: "r", Type: schema.EventRunStarted, Sequence: 1},
		{RunID: "r", Type: schema.EventRunCompleted, Sequence: 3},
	})
	assertCode(t, err, schema.ErrCodeStore)
}
