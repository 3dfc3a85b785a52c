package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/model/chat"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLiteAppendAndRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "s1", time.Now().UTC()))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleUser, Content: "hello", Seq: 1}))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleAgent, Content: "hi there", Seq: 2}))

	turns, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, chat.RoleUser, turns[0].Role)
	require.Equal(t, "hello", turns[0].Content)
	require.Equal(t, 1, turns[0].Seq)
	require.Equal(t, chat.RoleAgent, turns[1].Role)
	require.Equal(t, 2, turns[1].Seq)
	require.False(t, turns[0].CreatedAt.IsZero())
}

func TestSQLiteReadUnknownSession(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Read(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteAppendUnknownSession(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Append(context.Background(), "missing", chat.Turn{Role: chat.RoleUser, Content: "x", Seq: 1})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteEraseRemovesTurns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "s1", time.Now().UTC()))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleUser, Content: "hello", Seq: 1}))
	require.NoError(t, s.Erase(ctx, "s1"))

	_, err := s.Read(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	states, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Empty(t, states)

	// erasing an already-erased identifier is a store-level no-op
	require.NoError(t, s.Erase(ctx, "s1"))
}

func TestSQLiteDurabilityAcrossReopen(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	createdAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.CreateSession(ctx, "s1", createdAt))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleUser, Content: "ping", Seq: 1}))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleAgent, Content: "pong", Seq: 2}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	turns, err := reopened.Read(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "ping", turns[0].Content)
	require.Equal(t, "pong", turns[1].Content)

	states, err := reopened.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "s1", states[0].ID)
	require.Equal(t, 2, states[0].LastSeq)
	require.Equal(t, 1, states[0].UserTurns)
	require.True(t, states[0].CreatedAt.Equal(createdAt))
}

func TestSQLiteSessionsCountsUserTurnsOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "s1", time.Now().UTC()))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleUser, Content: "a", Seq: 1}))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleAgent, Content: "b", Seq: 2}))
	require.NoError(t, s.Append(ctx, "s1", chat.Turn{Role: chat.RoleUser, Content: "c", Seq: 3}))

	require.NoError(t, s.CreateSession(ctx, "s2", time.Now().UTC()))

	states, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	byID := map[string]SessionState{}
	for _, state := range states {
		byID[state.ID] = state
	}
	require.Equal(t, 3, byID["s1"].LastSeq)
	require.Equal(t, 2, byID["s1"].UserTurns)
	require.Equal(t, 0, byID["s2"].LastSeq)
	require.Equal(t, 0, byID["s2"].UserTurns)
}

func TestSQLiteConcurrentDistinctSessions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const sessions = 4
	const turnsPerSession = 20

	for i := 0; i < sessions; i++ {
		require.NoError(t, s.CreateSession(ctx, fmt.Sprintf("s%d", i), time.Now().UTC()))
	}

	var eg errgroup.Group
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		eg.Go(func() error {
			for seq := 1; seq <= turnsPerSession; seq++ {
				role := chat.RoleUser
				if seq%2 == 0 {
					role = chat.RoleAgent
				}
				if err := s.Append(ctx, id, chat.Turn{Role: role, Content: "m", Seq: seq}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for i := 0; i < sessions; i++ {
		turns, err := s.Read(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		require.Len(t, turns, turnsPerSession)
		for j, turn := range turns {
			require.Equal(t, j+1, turn.Seq)
		}
	}
}
