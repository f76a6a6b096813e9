package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionSnapshot is one serialized session as stored in playback_sessions.
type SessionSnapshot struct {
	UserID    string
	VideoID   string
	StateJSON string
}

// RepositoryError wraps any failure of the durable session repository.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func repoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{Op: op, Err: err}
}

var errMissingDB = errors.New("missing database connection")

// GetSession returns the stored snapshot for (userID, videoID). Absence is
// reported with ok=false, not an error.
func (s *Store) GetSession(ctx context.Context, userID, videoID string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, repoErr("get session", errMissingDB)
	}

	var stateJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT state_json
		FROM playback_sessions
		WHERE user_id = ? AND video_id = ?
	`, userID, videoID).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, repoErr("get session", err)
	}
	return stateJSON, true, nil
}

const upsertSessionSQL = `
	INSERT INTO playback_sessions (user_id, video_id, state_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, video_id) DO UPDATE SET
		state_json=excluded.state_json,
		updated_at=excluded.updated_at
`

// UpsertSession inserts or replaces one snapshot. Repeating the call with the
// same arguments leaves the same row.
func (s *Store) UpsertSession(ctx context.Context, userID, videoID, stateJSON string) error {
	if s == nil || s.db == nil {
		return repoErr("upsert session", errMissingDB)
	}

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, upsertSessionSQL, userID, videoID, stateJSON, now, now); err != nil {
		return repoErr("upsert session", err)
	}
	return nil
}

// UpsertSessionsBatch writes every snapshot in one transaction. Either all
// rows are written or none are.
func (s *Store) UpsertSessionsBatch(ctx context.Context, sessions []SessionSnapshot) (err error) {
	if s == nil || s.db == nil {
		return repoErr("upsert batch", errMissingDB)
	}
	if len(sessions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repoErr("upsert batch", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertSessionSQL)
	if err != nil {
		return repoErr("upsert batch", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, snap := range sessions {
		if _, err = stmt.ExecContext(ctx, snap.UserID, snap.VideoID, snap.StateJSON, now, now); err != nil {
			return repoErr(fmt.Sprintf("upsert batch %s/%s", snap.UserID, snap.VideoID), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return repoErr("upsert batch commit", err)
	}
	return nil
}

// ListSessions returns every stored snapshot, most recently written first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, repoErr("list sessions", errMissingDB)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, video_id, state_json
		FROM playback_sessions
		ORDER BY updated_at DESC, user_id, video_id
	`)
	if err != nil {
		return nil, repoErr("list sessions", err)
	}
	defer rows.Close()

	var out []SessionSnapshot
	for rows.Next() {
		var snap SessionSnapshot
		if err := rows.Scan(&snap.UserID, &snap.VideoID, &snap.StateJSON); err != nil {
			return nil, repoErr("list sessions", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("list sessions", err)
	}
	return out, nil
}

// DeleteSession removes a stored snapshot. Missing rows are not an error.
func (s *Store) DeleteSession(ctx context.Context, userID, videoID string) error {
	if s == nil || s.db == nil {
		return repoErr("delete session", errMissingDB)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM playback_sessions WHERE user_id = ? AND video_id = ?`, userID, videoID); err != nil {
		return repoErr("delete session", err)
	}
	return nil
}
