package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleWebsocket authenticates, checks the video exists, and hands the
// upgraded connection to the sync handler until it closes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	videoID := mux.Vars(r)["videoID"]
	if _, found, err := s.media.GetVideo(r.Context(), videoID); err != nil {
		s.log.Error(err, "video lookup failed", "video_id", videoID)
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	} else if !found {
		writeError(w, "video not found", http.StatusNotFound)
		return
	}

	// Registered while the request is still tracked by http.Server, so
	// Close cannot reach wsWG.Wait before this Add.
	s.wsWG.Add(1)
	defer s.wsWG.Done()

	if s.wsCtx.Err() != nil {
		writeError(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied with an HTTP error
		s.log.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}

	_ = s.sync.Serve(s.wsCtx, conn, userID, videoID)
}
