package server

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

func logMiddleware(next http.Handler, log logr.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusResponseWriter(w)
		next.ServeHTTP(sw, r)
		log.Info(
			"http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.Status(),
			"bytes", sw.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
