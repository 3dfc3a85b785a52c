package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/model/chat"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists transcripts in a single sqlite database file. WAL
// with synchronous=FULL keeps appends durable before Append returns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("sqlite transcript store opened")
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, "init schema")
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, id string, createdAt time.Time) error {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions(id, created_at) VALUES(?, ?)",
		id, createdAt.Format(time.RFC3339Nano))
	return errors.Wrap(err, "insert session")
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn chat.Turn) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO turns(session_id, seq, role, content, created_at) VALUES(?, ?, ?, ?, ?)",
		sessionID, turn.Seq, string(turn.Role), turn.Content, createdAt.Format(time.RFC3339Nano))
	return errors.Wrap(err, "insert turn")
}

func (s *SQLiteStore) Read(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, seq, created_at FROM turns WHERE session_id = ? ORDER BY seq",
		sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "select turns")
	}
	defer rows.Close()

	turns := make([]chat.Turn, 0, 16)
	for rows.Next() {
		var (
			role      string
			createdAt string
			turn      chat.Turn
		)
		if err := rows.Scan(&role, &turn.Content, &turn.Seq, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan turn")
		}
		turn.Role = chat.Role(role)
		turn.CreatedAt = parseStoredTime(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate turns")
	}
	return turns, nil
}

// Erase removes the session row and, through the cascading foreign key, its
// turns. Erasing an unknown identifier is a no-op; liveness is the
// registry's concern, not the store's.
func (s *SQLiteStore) Erase(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	return errors.Wrap(err, "delete session")
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at,
		       COALESCE(MAX(t.seq), 0),
		       COALESCE(SUM(CASE WHEN t.role = 'user' THEN 1 ELSE 0 END), 0)
		FROM sessions s
		LEFT JOIN turns t ON t.session_id = s.id
		GROUP BY s.id, s.created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "select sessions")
	}
	defer rows.Close()

	states := make([]SessionState, 0, 16)
	for rows.Next() {
		var (
			state     SessionState
			createdAt string
		)
		if err := rows.Scan(&state.ID, &createdAt, &state.LastSeq, &state.UserTurns); err != nil {
			return nil, errors.Wrap(err, "scan session state")
		}
		state.CreatedAt = parseStoredTime(createdAt)
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sessions")
	}
	return states, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) sessionExists(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	return errors.Wrap(err, "lookup session")
}

func parseStoredTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		log.Warn().Err(err).Str("value", value).Msg("unparseable stored timestamp")
		return time.Time{}
	}
	return parsed
}
