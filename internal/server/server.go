package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/treefix50/playsync/internal/auth"
	"github.com/treefix50/playsync/internal/media"
	"github.com/treefix50/playsync/internal/metrics"
	"github.com/treefix50/playsync/internal/protocol"
)

const (
	shutdownTimeout      = 3 * time.Second
	defaultLoginInterval = 500 * time.Millisecond
)

// Options for the http / websocket listener
type Options struct {
	Addr         string
	Cert         string
	Key          string
	CORS         bool
	SecureCookie bool
	// MaxUploadBytes caps multipart uploads; 0 means unlimited.
	MaxUploadBytes int64
	// LoginInterval is the minimum gap between login attempts per client
	// address. Negative disables the limit.
	LoginInterval time.Duration
}

type Server struct {
	opts     Options
	auth     *auth.Manager
	media    *media.Service
	sync     *protocol.Handler
	log      logr.Logger
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	http     *http.Server

	// wsCtx is cancelled on Close so every attached connection detaches and
	// flushes before the process exits.
	wsCtx    context.Context
	wsCancel context.CancelFunc
	wsWG     sync.WaitGroup
}

func New(opts Options, authManager *auth.Manager, mediaService *media.Service, handler *protocol.Handler, log logr.Logger) *Server {
	interval := opts.LoginInterval
	if interval == 0 {
		interval = defaultLoginInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		auth:    authManager,
		media:   mediaService,
		sync:    handler,
		log:     log.WithName("http"),
		limiter: NewRateLimiter(interval),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		wsCtx:    ctx,
		wsCancel: cancel,
	}

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed, logged handler tree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", metrics.Handler())

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", s.handleAuthRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleAuthLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleAuthLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.handleAuthMe).Methods(http.MethodGet)

	api.HandleFunc("/videos", s.handleVideoList).Methods(http.MethodGet)
	api.HandleFunc("/videos/upload", s.handleVideoUpload).Methods(http.MethodPost)
	api.HandleFunc("/videos/{id}", s.handleVideoGet).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}/stream", s.handleVideoStream).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/ws/{videoID}", s.handleWebsocket).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})

	return logMiddleware(corsMiddleware(r, s.opts.CORS), s.log)
}

func (s *Server) Start() error {
	var err error
	if s.opts.Cert != "" && s.opts.Key != "" {
		s.log.Info("started server (https)", "listen", s.opts.Addr)
		err = s.http.ListenAndServeTLS(s.opts.Cert, s.opts.Key)
	} else {
		s.log.Info("started server", "listen", s.opts.Addr)
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops accepting requests, then detaches every websocket connection
// and waits for their final flushes.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(ctx)
	s.wsCancel()

	done := make(chan struct{})
	go func() {
		s.wsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Info("timed out waiting for websocket connections to detach")
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", textContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
