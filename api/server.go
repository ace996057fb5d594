/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestLog: One zap line per request (method, path, status, latency)
  4. CORS:       Cross-origin requests for the reader frontend

ROUTE GROUPS:
  /api/users/*      Provisioning, awards, history
  /api/levels       Level table
  /api/admin/*      Repair and lock retention
  /api/scenarios/*  Demo scenarios (registered only when a Resetter is set)

SECURITY NOTE:
  No authentication middleware. Put admin routes behind the gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/xp-engine/logger"
)

// RouterOptions tune the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}/progression", h.GetProgression)
			r.Post("/{id}/xp", h.AwardXP)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/level-ups", h.GetLevelUps)
			r.Post("/{id}/rewards/chapters/{n}", h.CompleteChapter)
		})

		r.Get("/levels", h.ListLevels)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/repair", h.Repair)
			r.Post("/locks/purge", h.PurgeLocks)
		})

		if h.Store != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// RequestLogger logs each request through log once it completes.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				kv := []interface{}{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				}
				if ww.Status() >= http.StatusInternalServerError {
					log.Warn("http request", kv...)
					return
				}
				log.Debug("http request", kv...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
