package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/treefix50/playsync/internal/ffmpeg"
)

// ProbeFunc extracts metadata from a stored file.
type ProbeFunc func(ctx context.Context, path string) (*ffmpeg.VideoInfo, error)

// Service stores uploaded files under one directory and keeps the catalog.
type Service struct {
	store Store
	dir   string
	probe ProbeFunc
	log   logr.Logger
}

// NewService creates the media directory if needed. probe may be nil, in
// which case uploads are cataloged without dimensions or duration.
func NewService(store Store, dir string, probe ProbeFunc, log logr.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("media: missing store")
	}
	if dir == "" {
		return nil, errors.New("media: missing directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}
	return &Service{store: store, dir: dir, probe: probe, log: log}, nil
}

// FFprobe adapts an ffprobe binary path to a ProbeFunc.
func FFprobe(bin string) ProbeFunc {
	return func(ctx context.Context, path string) (*ffmpeg.VideoInfo, error) {
		return ffmpeg.Probe(ctx, bin, path)
	}
}

func extensionOf(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return "mp4"
	}
	return ext
}

// Upload copies r to <dir>/<id>.<ext>, probes it and records it for ownerID.
func (s *Service) Upload(ctx context.Context, ownerID, filename string, r io.Reader) (*Video, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, errors.New("media: filename is required")
	}

	id := uuid.NewString()
	rel := id + "." + extensionOf(filename)
	full := filepath.Join(s.dir, rel)

	size, err := writeFile(full, r)
	if err != nil {
		return nil, fmt.Errorf("media: save %s: %w", filename, err)
	}

	video := Video{
		ID:               id,
		FilePath:         rel,
		OriginalFilename: filename,
		UserID:           ownerID,
		UploadedAt:       time.Now().UTC(),
	}

	if s.probe != nil {
		info, err := s.probe(ctx, full)
		if err != nil {
			s.log.Info("metadata probe failed", "video_id", id, "error", err.Error())
		} else {
			w, h, d := info.Width, info.Height, info.DurationSeconds
			video.Width, video.Height, video.DurationSeconds = &w, &h, &d
		}
	}

	if err := s.store.CreateVideo(ctx, video); err != nil {
		_ = os.Remove(full)
		return nil, err
	}

	s.log.Info("video uploaded", "video_id", id, "user_id", ownerID, "filename", filename, "size_bytes", size)
	return &video, nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, os.Rename(tmp, path)
}

// GetVideo reports false when the id is unknown.
func (s *Service) GetVideo(ctx context.Context, id string) (Video, bool, error) {
	v, err := s.store.GetVideo(ctx, id)
	if err != nil {
		if errors.Is(err, ErrVideoNotFound) {
			return Video{}, false, nil
		}
		return Video{}, false, err
	}
	return *v, true, nil
}

// List returns the videos uploaded by userID, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Video, error) {
	return s.store.ListVideosByUser(ctx, userID)
}

// Path returns the absolute location of a cataloged file.
func (s *Service) Path(v Video) string {
	return filepath.Join(s.dir, v.FilePath)
}

// Open returns the stored file for streaming.
func (s *Service) Open(ctx context.Context, id string) (*os.File, Video, error) {
	v, ok, err := s.GetVideo(ctx, id)
	if err != nil {
		return nil, Video{}, err
	}
	if !ok {
		return nil, Video{}, ErrVideoNotFound
	}
	f, err := os.Open(s.Path(v))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Video{}, ErrVideoNotFound
		}
		return nil, Video{}, err
	}
	return f, v, nil
}
