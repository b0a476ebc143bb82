// Package api is the thin HTTP surface over the dispatch core: optimize
// requests, route reads, analytics, SSE and the realtime hub endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"routedispatch/internal/analytics"
	"routedispatch/internal/auth"
	"routedispatch/internal/dispatch"
	"routedispatch/internal/hub"
	"routedispatch/internal/metrics"
	"routedispatch/internal/opt"
	"routedispatch/internal/store"
)

type Server struct {
	Log       zerolog.Logger
	Routes    store.Routes
	Dispatch  *dispatch.Service
	Optimizer *opt.Optimizer
	Hub       *hub.Hub
	Relay     hub.Relay
	Analytics *analytics.Aggregator
	Auth      *auth.Verifier

	// Ready reports dependency health for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
	// Flags are echoed by /debug/info.
	Flags map[string]any

	RequestsPerMinute int
	Heartbeat         time.Duration
}

// Handler builds the router. Call once after the fields are set.
func (s *Server) Handler() http.Handler {
	if s.Auth == nil {
		s.Auth = auth.NewVerifier("dev", "", "")
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Health)
	r.Get("/readyz", s.Readiness)
	r.Get("/debug/info", s.DebugJSON)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if s.RequestsPerMinute > 0 {
			r.Use(httprate.Limit(
				s.RequestsPerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByRealIP),
				httprate.WithLimitHandler(rateLimited),
			))
		}
		r.Post("/optimize", s.Optimize)
		r.Get("/routes", s.ListRoutes)
		r.Get("/routes/archived", s.ListArchived)
		r.Get("/routes/{vehicleID}", s.GetRoute)
		r.Get("/routes/{vehicleID}/deltas", s.ListDeltas)
		r.Get("/unassigned", s.ListUnassigned)
		r.Get("/analytics/snapshot", s.AnalyticsSnapshot)
		r.Get("/vehicles/{vehicleID}/events/stream", s.StreamEvents)
		r.Get("/ws", s.ServeWS)
	})
	return r
}

// observe logs each request and records the HTTP metrics. The chi wrapper
// keeps Flusher and Hijacker available for SSE and websocket upgrades.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		labels := []string{r.Method, pattern, statusLabel(status)}
		metrics.HTTPRequests.WithLabelValues(labels...).Inc()
		metrics.HTTPDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

		ev := s.Log.Info()
		if status >= 500 {
			ev = s.Log.Error()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", pattern).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request completed")
	})
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded, retry later", r.URL.Path)
}
