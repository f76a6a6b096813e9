package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/treefix50/playsync/internal/media"
	"github.com/treefix50/playsync/internal/metrics"
	"github.com/treefix50/playsync/internal/session"
)

// detachFlushTimeout bounds the synchronous flush on disconnect, which must
// still run when the serving context is already cancelled.
const detachFlushTimeout = 5 * time.Second

// Conn is the subset of *websocket.Conn the handler drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Repository is the durable side of a session.
type Repository interface {
	GetSession(ctx context.Context, userID, videoID string) (string, bool, error)
	UpsertSession(ctx context.Context, userID, videoID, stateJSON string) error
}

// VideoCatalog supplies the metadata sent ahead of the first snapshot.
type VideoCatalog interface {
	GetVideo(ctx context.Context, id string) (media.Video, bool, error)
}

// Handler runs the attach, sync and detach cycle for each connection.
type Handler struct {
	store   session.Store
	repo    Repository
	catalog VideoCatalog
	log     logr.Logger
	now     func() time.Time

	mu       sync.Mutex
	attached map[session.Key]int
}

// NewHandler returns a Handler. catalog may be nil, in which case no
// VideoMetadata message is sent.
func NewHandler(store session.Store, repo Repository, catalog VideoCatalog, log logr.Logger) *Handler {
	return &Handler{
		store:    store,
		repo:     repo,
		catalog:  catalog,
		log:      log,
		now:      time.Now,
		attached: make(map[session.Key]int),
	}
}

// Attached returns the number of live connections for key.
func (h *Handler) Attached(key session.Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached[key]
}

// Serve drives one connection until it closes or ctx is cancelled. The
// returned error is non-nil only when the session could not be attached, in
// which case conn has been closed without any snapshot being sent.
func (h *Handler) Serve(ctx context.Context, conn Conn, userID, videoID string) error {
	key := session.Key{UserID: userID, VideoID: videoID}
	log := h.log.WithValues("user_id", userID, "video_id", videoID, "conn_id", uuid.NewString())

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	h.mu.Lock()
	h.attached[key]++
	h.mu.Unlock()

	rec, err := h.resolve(ctx, key, log)
	if err != nil {
		log.Error(err, "failed to attach session")
		h.release(key)
		_ = conn.Close()
		return fmt.Errorf("attach %s: %w", key, err)
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	log.Info("session attached", "version", rec.Version)

	if err := h.sendInitial(ctx, conn, key, rec, log); err != nil {
		log.Info("failed to send initial state", "error", err.Error())
	} else {
		h.readLoop(ctx, conn, key, log)
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachFlushTimeout)
	defer cancel()
	h.detach(flushCtx, key, log)
	_ = conn.Close()
	return nil
}

func (h *Handler) sendInitial(ctx context.Context, conn Conn, key session.Key, rec session.Record, log logr.Logger) error {
	if h.catalog != nil {
		video, ok, err := h.catalog.GetVideo(ctx, key.VideoID)
		switch {
		case err != nil:
			log.Info("video metadata unavailable", "error", err.Error())
		case ok:
			if err := conn.WriteJSON(NewVideoMetadata(video)); err != nil {
				return err
			}
		}
	}
	return conn.WriteJSON(NewStateSync(rec))
}

func (h *Handler) readLoop(ctx context.Context, conn Conn, key session.Key, log logr.Logger) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Info("websocket error", "error", err.Error())
			} else {
				log.V(1).Info("websocket closed")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := h.handleMessage(ctx, key, data, log); err != nil {
			log.Error(err, "failed to apply message")
		}
	}
}

// resolve finds the record for key in memory, then in the repository, and
// finally creates a fresh one. Only a session store failure is returned.
func (h *Handler) resolve(ctx context.Context, key session.Key, log logr.Logger) (session.Record, error) {
	rec, ok, err := h.store.Get(ctx, key)
	if err != nil {
		return session.Record{}, err
	}
	if ok {
		log.V(1).Info("loaded session from memory")
		return rec, nil
	}

	data, found, err := h.repo.GetSession(ctx, key.UserID, key.VideoID)
	switch {
	case err != nil:
		log.Error(err, "database error loading session, creating new")
	case found:
		rec, err := session.Unmarshal(data)
		if err != nil {
			log.Error(err, "failed to decode stored session, creating new")
			break
		}
		rec.UserID, rec.VideoID = key.UserID, key.VideoID
		rec.Dirty = false
		if err := h.store.Set(ctx, key, rec); err != nil {
			return session.Record{}, err
		}
		metrics.LiveSessions.Set(float64(h.store.Len()))
		log.V(1).Info("loaded session from database", "version", rec.Version)
		return rec, nil
	}

	rec = session.NewRecord(key, h.now())
	if err := h.store.Set(ctx, key, rec); err != nil {
		return session.Record{}, err
	}
	metrics.LiveSessions.Set(float64(h.store.Len()))
	log.V(1).Info("created new session")
	return rec, nil
}

// handleMessage applies one frame. Parse failures and stale versions are
// dropped without error.
//
// The get, apply and set below are not atomic: two connections on the same
// key can both read the same record, both pass the version check, and the
// later Set wins.
func (h *Handler) handleMessage(ctx context.Context, key session.Key, data []byte, log logr.Logger) error {
	msg, err := Decode(data)
	if err != nil {
		var perr *ParseError
		typ := "unknown"
		if errors.As(err, &perr) && perr.Type != "" {
			typ = perr.Type
		}
		metrics.Messages.WithLabelValues(typ, metrics.OutcomeMalformed).Inc()
		log.Info("dropping malformed message", "error", err.Error())
		return nil
	}

	rec, ok, err := h.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		if rec, err = h.resolve(ctx, key, log); err != nil {
			return err
		}
	}

	prev := rec.Version
	if !msg.apply(&rec, h.now()) {
		metrics.Messages.WithLabelValues(msg.Type(), metrics.OutcomeStale).Inc()
		log.V(1).Info("dropping stale update", "type", msg.Type(), "record_version", prev)
		return nil
	}
	if err := h.store.Set(ctx, key, rec); err != nil {
		return err
	}

	metrics.Messages.WithLabelValues(msg.Type(), metrics.OutcomeApplied).Inc()
	log.V(1).Info("applied update", "type", msg.Type(), "version", rec.Version)
	return nil
}

func (h *Handler) release(key session.Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseLocked(key)
}

func (h *Handler) releaseLocked(key session.Key) int {
	n := h.attached[key] - 1
	if n <= 0 {
		delete(h.attached, key)
		return 0
	}
	h.attached[key] = n
	return n
}

// detach flushes a dirty record and evicts it once no connection for the key
// remains. Eviction happens whether or not the flush succeeded.
//
// It runs under the store's flush lock: a scheduler batch that listed an
// older copy of the record commits before this flush, never after it.
func (h *Handler) detach(ctx context.Context, key session.Key, log logr.Logger) {
	lock := h.store.FlushLock()
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := h.store.Get(ctx, key)
	flushed := false
	switch {
	case err != nil:
		log.Error(err, "failed to read session on detach")
	case ok && rec.Dirty:
		flushed = h.flush(ctx, rec, log)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.releaseLocked(key) > 0 {
		if flushed {
			if _, err := session.MarkClean(ctx, h.store, rec); err != nil {
				log.Error(err, "failed to mark session clean")
			}
		}
		log.Info("session detached", "remaining", h.attached[key])
		return
	}

	if err := h.store.Delete(ctx, key); err != nil {
		log.Error(err, "failed to evict session")
		return
	}
	metrics.LiveSessions.Set(float64(h.store.Len()))
	log.Info("session detached and evicted")
}

func (h *Handler) flush(ctx context.Context, rec session.Record, log logr.Logger) bool {
	data, err := session.Marshal(rec)
	if err != nil {
		log.Error(err, "failed to serialize final session state")
		metrics.DetachFlushes.WithLabelValues(metrics.Result(err)).Inc()
		return false
	}
	err = h.repo.UpsertSession(ctx, rec.UserID, rec.VideoID, data)
	metrics.DetachFlushes.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		log.Info("failed to persist final session state", "error", err.Error())
		return false
	}
	log.V(1).Info("persisted final session state", "version", rec.Version)
	return true
}
