package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps sessions in the match_sessions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open database handle. The schema
// comes from the storage migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, user_a, user_b, is_random_chat, is_active, chat_ended,
	created_at, ended_at, ended_by, end_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*MatchSession, error) {
	var (
		s       MatchSession
		endedAt sql.NullTime
		endedBy sql.NullString
		reason  sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserA, &s.UserB, &s.IsRandomChat, &s.IsActive, &s.ChatEnded,
		&s.CreatedAt, &endedAt, &endedBy, &reason)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	s.EndedBy = endedBy.String
	s.EndReason = EndReason(reason.String)
	return &s, nil
}

// Persist inserts a new session.
func (p *PostgresStore) Persist(ctx context.Context, s *MatchSession) error {
	const query = `
		INSERT INTO match_sessions (id, user_a, user_b, is_random_chat, is_active, chat_ended, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.ExecContext(ctx, query,
		s.ID, s.UserA, s.UserB, s.IsRandomChat, s.IsActive, s.ChatEnded, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("session: insert %s: %w", s.ID, err)
	}
	return nil
}

// Get loads a session or returns ErrNotFound.
func (p *PostgresStore) Get(ctx context.Context, id string) (*MatchSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM match_sessions WHERE id = $1`

	s, err := scanSession(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return s, nil
}

// MarkEnded ends an active random session. The WHERE clause makes the
// transition happen at most once.
func (p *PostgresStore) MarkEnded(ctx context.Context, id, endedBy string, reason EndReason, at time.Time) (bool, error) {
	const query = `
		UPDATE match_sessions
		SET is_active = FALSE, chat_ended = TRUE, ended_at = $2, ended_by = NULLIF($3, ''), end_reason = $4
		WHERE id = $1 AND chat_ended = FALSE AND is_random_chat = TRUE`

	res, err := p.db.ExecContext(ctx, query, id, at, endedBy, string(reason))
	if err != nil {
		return false, fmt.Errorf("session: mark ended %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: mark ended %s: %w", id, err)
	}
	return n == 1, nil
}

// ActiveRandomForUser lists the user's active random sessions.
func (p *PostgresStore) ActiveRandomForUser(ctx context.Context, userID string) ([]MatchSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM match_sessions
		WHERE is_active = TRUE AND is_random_chat = TRUE AND (user_a = $1 OR user_b = $1)
		ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("session: active for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []MatchSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: active for %s: %w", userID, err)
	}
	return out, nil
}

// MarkConverted flips an active random session to a friend chat.
func (p *PostgresStore) MarkConverted(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `
		UPDATE match_sessions
		SET is_random_chat = FALSE, converted_at = $2
		WHERE id = $1 AND is_random_chat = TRUE AND chat_ended = FALSE`

	res, err := p.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("session: convert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: convert %s: %w", id, err)
	}
	return n == 1, nil
}
