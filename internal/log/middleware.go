// SPDX-License-Identifier: MIT

package log

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Middleware returns an HTTP middleware that attaches a request-scoped
// logger to the request context and emits one "request.handled" entry per
// request. It picks up the request ID assigned by chi's RequestID
// middleware when present.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := r.Context()
			if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
				ctx = ContextWithRequestID(ctx, reqID)
			}

			reqLogger := WithContext(ctx, Base())
			ctx = reqLogger.WithContext(ctx)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info().
				Str(FieldEvent, "request.handled").
				Str("method", r.Method).
				Str(FieldPath, r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("request handled")
		})
	}
}
