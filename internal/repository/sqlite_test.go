package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pm-agent/internal/graph"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "pm-agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_CheckpointRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "meeting_to_task#t-1")
	require.ErrorIs(t, err, graph.ErrNotFound)

	cp := sampleCheckpoint(1)
	require.NoError(t, s.Put(ctx, cp))
	got, err := s.Get(ctx, cp.Key)
	require.NoError(t, err)
	require.Equal(t, cp, got)

	cp.Version = 2
	cp.Status = graph.StatusDone
	cp.State = json.RawMessage(`{"mom":"final"}`)
	require.NoError(t, s.Put(ctx, cp))
	got, err = s.Get(ctx, cp.Key)
	require.NoError(t, err)
	require.Equal(t, graph.StatusDone, got.Status)
	require.JSONEq(t, `{"mom":"final"}`, string(got.State))
}

func TestSQLite_CheckpointConflicts(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.ErrorIs(t, s.Put(ctx, sampleCheckpoint(3)), graph.ErrConflict)

	require.NoError(t, s.Put(ctx, sampleCheckpoint(1)))
	require.ErrorIs(t, s.Put(ctx, sampleCheckpoint(1)), graph.ErrConflict)
	require.ErrorIs(t, s.Put(ctx, sampleCheckpoint(3)), graph.ErrConflict)
	require.NoError(t, s.Put(ctx, sampleCheckpoint(2)))
}

func TestSQLite_BacksGraphRuns(t *testing.T) {
	s := openTestSQLite(t)
	type counter struct{ N int }
	g, err := graph.NewBuilder[counter, int]("count", func(c counter, d int) counter { c.N += d; return c }).
		AddNode("inc", func(context.Context, counter) (int, error) { return 1, nil }).
		AddEdge("inc", graph.End).
		SetEntry("inc").
		Compile(graph.WithCheckpointer(s))
	require.NoError(t, err)

	res, err := g.Run(context.Background(), "t", counter{})
	require.NoError(t, err)
	require.Equal(t, 1, res.State.N)

	// A second run on the same thread supersedes the first.
	res, err = g.Run(context.Background(), "t", counter{N: 10})
	require.NoError(t, err)
	require.Equal(t, 11, res.State.N)

	stored, err := g.State(context.Background(), "t")
	require.NoError(t, err)
	require.Equal(t, graph.StatusDone, stored.Status)
}

func TestSQLite_ConversationTurns(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	n, err := s.GetConversationTurnCount(ctx, "c-1")
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.SaveCompletedTurn(ctx, "c-1", "q1", "a1", "DIRECT"))
	require.NoError(t, s.SaveCompletedTurn(ctx, "c-1", "q2", "a2", "RAG"))
	require.NoError(t, s.SaveCompletedTurn(ctx, "c-1", "q3", "a3", "TOOL_CALL"))
	require.NoError(t, s.SaveCompletedTurn(ctx, "c-2", "other", "x", "DIRECT"))

	n, err = s.GetConversationTurnCount(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	msgs, err := s.GetHistory(ctx, "c-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "q2", msgs[0].Question)
	require.Equal(t, "a3", msgs[1].Answer)
	require.Equal(t, "TOOL_CALL", msgs[1].Route)
	require.Equal(t, "c-1", msgs[0].ConversationID)
	require.False(t, msgs[0].CreatedAt.IsZero())

	msgs, err = s.GetHistory(ctx, "c-1", 0)
	require.NoError(t, err)
	require.Nil(t, msgs)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	require.Error(t, err)
}
