package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/treefix50/playsync/internal/media"
)

const uploadFieldName = "video"

// handleVideoList returns the caller's uploads, newest first
func (s *Server) handleVideoList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	videos, err := s.media.List(r.Context(), userID)
	if err != nil {
		s.log.Error(err, "list videos failed", "user_id", userID)
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}
	if videos == nil {
		videos = []media.Video{}
	}
	writeJSON(w, videos)
}

// handleVideoUpload streams the "video" multipart field to disk
func (s *Server) handleVideoUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, "expected multipart/form-data", http.StatusBadRequest)
		return
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.uploadError(w, err)
			return
		}
		if part.FormName() != uploadFieldName {
			_ = part.Close()
			continue
		}

		filename := part.FileName()
		if filename == "" {
			writeError(w, "no filename provided", http.StatusBadRequest)
			return
		}

		video, err := s.media.Upload(r.Context(), userID, filename, part)
		_ = part.Close()
		if err != nil {
			s.uploadError(w, err)
			return
		}

		writeJSON(w, map[string]string{
			"id":      video.ID,
			"message": "Video uploaded successfully",
		})
		return
	}

	writeError(w, "no video file provided", http.StatusBadRequest)
}

func (s *Server) uploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	s.log.Error(err, "upload failed")
	writeError(w, errInternal, http.StatusInternalServerError)
}

// handleVideoGet returns catalog metadata for one video
func (s *Server) handleVideoGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	id := mux.Vars(r)["id"]
	video, found, err := s.media.GetVideo(r.Context(), id)
	if err != nil {
		s.log.Error(err, "get video failed", "video_id", id)
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}
	if !found {
		writeError(w, "video not found", http.StatusNotFound)
		return
	}
	writeJSON(w, video)
}

// handleVideoStream serves the file with byte-range support
func (s *Server) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	s.media.ServeVideo(w, r, mux.Vars(r)["id"])
}
