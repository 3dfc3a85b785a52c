package store

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/model/chat"
)

// ErrSessionNotFound signals an identifier the store has no record of.
var ErrSessionNotFound = errors.New("session not found in store")

// SessionState summarizes one stored session, used to rebuild the registry
// after a restart.
type SessionState struct {
	ID        string
	CreatedAt time.Time
	LastSeq   int
	UserTurns int
}

// Store maps session identifiers to ordered transcripts. Sequence numbers
// are assigned by the caller, never by the store. A completed Append must be
// durable before the call returns when the backend persists to disk.
type Store interface {
	CreateSession(ctx context.Context, id string, createdAt time.Time) error
	Append(ctx context.Context, sessionID string, turn chat.Turn) error
	Read(ctx context.Context, sessionID string) ([]chat.Turn, error)
	Erase(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]SessionState, error)
	Close() error
}
