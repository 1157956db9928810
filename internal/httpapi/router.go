package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/classync/internal/config"
	"gitea.jw6.us/james/classync/internal/httpapi/ratelimit"
	"gitea.jw6.us/james/classync/internal/metrics"
	"gitea.jw6.us/james/classync/internal/store"
)

// NewRouter wires the health, metrics, and /api routes.
func NewRouter(cfg *config.Config, st *store.Store, tokens TokenManager, syncer Syncer) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10.
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// Sync endpoints: 2 requests per second, burst of 5. A sync run is
	// expensive upstream; the limiter is the first line of defense against
	// request storms.
	syncRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(2), 5, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	h := NewHandler(st, tokens, syncer, NewStateCodec(cfg.StateSecret))

	r.Route("/api/{service}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authRateLimiter.Middleware())
			r.Get("/authorize-url", h.AuthorizeURL)
			r.Post("/callback", h.Callback)
			r.Post("/disconnect", h.Disconnect)
		})

		r.Group(func(r chi.Router) {
			r.Use(syncRateLimiter.Middleware())
			r.Post("/sync", h.Sync)
			r.Post("/sync/{collectionID}", h.SyncCollection)
		})

		r.Get("/status", h.Status)
	})

	return r
}
