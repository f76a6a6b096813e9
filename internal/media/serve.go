package media

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"
)

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	}
	return "application/octet-stream"
}

// ServeVideo streams a cataloged file with Range support.
func (s *Service) ServeVideo(w http.ResponseWriter, r *http.Request, id string) {
	f, v, err := s.Open(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrVideoNotFound) {
			http.Error(w, "video not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		http.Error(w, "file stat failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(v.FilePath))
	w.Header().Set("Accept-Ranges", "bytes")

	// ServeContent supports Range if the reader is seekable (os.File is).
	http.ServeContent(w, r, filepath.Base(v.FilePath), st.ModTime(), f)
}
