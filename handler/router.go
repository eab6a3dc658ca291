package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const correlationHeader = "X-Correlation-Id"

type correlationKey struct{}

// CorrelationID returns the request's correlation ID, or "" outside a request.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Routes wires the console API.
//
//	POST    /api/console  one exchange with the persona
//	GET     /api/history  every record, newest first
//	OPTIONS *             204 with CORS headers
//
// Everything else answers 404.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		withCorrelationID,
		h.accessLog,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:     []string{"*"},
			AllowedMethods:     corsMethods,
			AllowedHeaders:     corsHeaders,
			OptionsPassthrough: true,
		}),
		answerOptions,
	)

	r.Post("/api/console", h.Console)
	r.Get("/api/history", h.History)

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.NotFound)
	return r
}

var (
	corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsHeaders = []string{"Content-Type"}
)

// answerOptions ends every OPTIONS request with 204. cors.Handler only
// answers requests carrying an Origin; the others get the same permissive
// headers here.
func answerOptions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h := w.Header()
			if h.Get("Access-Control-Allow-Origin") == "" {
				h.Set("Access-Control-Allow-Origin", "*")
				h.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
				h.Set("Access-Control-Allow-Headers", strings.Join(corsHeaders, ", "))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlation_id", CorrelationID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
