package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursewire/coursewire/internal/metrics"
	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/storage"
)

type contextKey string

const orgContextKey contextKey = "organization"

func OrgFromContext(ctx context.Context) *models.Organization {
	org, _ := ctx.Value(orgContextKey).(*models.Organization)
	return org
}

func AuthMiddleware(store storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			apiKey := strings.TrimPrefix(auth, "Bearer ")
			if apiKey == auth {
				writeError(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <api_key>")
				return
			}

			org, err := store.GetOrganizationByAPIKey(r.Context(), apiKey)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			ctx := context.WithValue(r.Context(), orgContextKey, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.statusCode)).Inc()

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
