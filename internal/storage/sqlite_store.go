package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/treefix50/playsync/internal/media"
)

// CreateVideo adds a catalog entry.
func (s *Store) CreateVideo(ctx context.Context, v media.Video) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, file_path, original_filename, user_id, uploaded_at, width, height, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID,
		v.FilePath,
		v.OriginalFilename,
		v.UserID,
		v.UploadedAt.UnixMilli(),
		nullInt64Ptr(v.Width),
		nullInt64Ptr(v.Height),
		nullFloat64Ptr(v.DurationSeconds),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (media.Video, error) {
	var (
		v          media.Video
		uploadedAt int64
		width      sql.NullInt64
		height     sql.NullInt64
		duration   sql.NullFloat64
	)
	if err := row.Scan(&v.ID, &v.FilePath, &v.OriginalFilename, &v.UserID, &uploadedAt, &width, &height, &duration); err != nil {
		return media.Video{}, err
	}
	v.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	if width.Valid {
		v.Width = &width.Int64
	}
	if height.Valid {
		v.Height = &height.Int64
	}
	if duration.Valid {
		v.DurationSeconds = &duration.Float64
	}
	return v, nil
}

const videoColumns = `id, file_path, original_filename, user_id, uploaded_at, width, height, duration_seconds`

func (s *Store) GetVideo(ctx context.Context, id string) (*media.Video, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage: missing database connection")
	}

	v, err := scanVideo(s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, media.ErrVideoNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListVideosByUser returns the videos owned by userID, newest first.
func (s *Store) ListVideosByUser(ctx context.Context, userID string) ([]media.Video, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage: missing database connection")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE user_id = ?
		ORDER BY uploaded_at DESC, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	videos := []media.Video{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id)
	return err
}

func nullInt64Ptr(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

func nullFloat64Ptr(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}
