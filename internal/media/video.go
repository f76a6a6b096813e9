package media

import (
	"context"
	"errors"
	"time"
)

var ErrVideoNotFound = errors.New("video not found")

// Video is one uploaded file in the catalog. Width, Height and
// DurationSeconds are nil when probing was unavailable or failed.
type Video struct {
	ID               string    `json:"id"`
	FilePath         string    `json:"-"`
	OriginalFilename string    `json:"original_filename"`
	UserID           string    `json:"user_id"`
	UploadedAt       time.Time `json:"uploaded_at"`
	Width            *int64    `json:"width"`
	Height           *int64    `json:"height"`
	DurationSeconds  *float64  `json:"duration_seconds"`
}

// Store defines the catalog operations used by Service.
type Store interface {
	CreateVideo(ctx context.Context, v Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	ListVideosByUser(ctx context.Context, userID string) ([]Video, error)
	DeleteVideo(ctx context.Context, id string) error
}
