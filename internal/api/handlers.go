package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"routedispatch/internal/dispatch"
	"routedispatch/internal/hub"
	"routedispatch/internal/model"
	"routedispatch/internal/opt"
	"routedispatch/internal/store"
)

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Readiness(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Optimize runs a full or incremental plan and commits it. A run that loses
// its vehicles to a newer request answers 409.
func (s *Server) Optimize(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, "", dispatchers...); !ok {
		return
	}
	var req OptimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateOptimizeRequest(&req); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid Request", err.Error(), r.URL.Path)
		return
	}

	var (
		res opt.Result
		err error
	)
	if req.Mode == "full" {
		res, err = s.Dispatch.PlanFleet(r.Context())
	} else {
		res, err = s.Dispatch.Reoptimize(r.Context(), req.Stops, req.Dirty)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, dispatch.ErrSuperseded):
		writeProblem(w, http.StatusConflict, "Superseded", err.Error(), r.URL.Path)
	case errors.Is(err, opt.ErrInvalidProblem):
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid Problem", err.Error(), r.URL.Path)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, http.StatusServiceUnavailable, "Cancelled", err.Error(), r.URL.Path)
	default:
		s.Log.Error().Err(err).Str("mode", req.Mode).Msg("optimize failed")
		writeProblem(w, http.StatusInternalServerError, "Optimize Failed", err.Error(), r.URL.Path)
	}
}

// ListRoutes returns every route sorted by vehicle. ?active=true hides
// finished ones.
func (s *Server) ListRoutes(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, "", hub.RoleDispatcher, hub.RoleObserver); !ok {
		return
	}
	var routes []model.Route
	if r.URL.Query().Get("active") == "true" {
		if a, ok := s.Routes.(archive); ok {
			routes = a.ActiveRoutes()
		} else {
			for _, rt := range s.Routes.Routes() {
				if !rt.Status.Finished() {
					routes = append(routes, rt)
				}
			}
		}
	} else {
		routes = s.Routes.Routes()
	}
	if routes == nil {
		routes = []model.Route{}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].VehicleID < routes[j].VehicleID })
	writeJSON(w, http.StatusOK, map[string]any{"items": routes})
}

// archive is implemented by stores that keep finished routes.
type archive interface {
	ActiveRoutes() []model.Route
	Archived() []model.Route
}

// ListArchived returns finished routes, oldest first.
func (s *Server) ListArchived(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, "", hub.RoleDispatcher, hub.RoleObserver); !ok {
		return
	}
	a, ok := s.Routes.(archive)
	if !ok {
		writeProblem(w, http.StatusNotImplemented, "No archive", "the route store keeps no finished routes", r.URL.Path)
		return
	}
	items := a.Archived()
	if items == nil {
		items = []model.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetRoute(w http.ResponseWriter, r *http.Request) {
	vid := chi.URLParam(r, "vehicleID")
	if _, ok := s.authorize(w, r, vid, readers...); !ok {
		return
	}
	rt, err := s.Routes.Snapshot(vid)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Route not found", err.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Route read failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// ListDeltas serves the retained history after ?since. When that history
// was trimmed the client must reload the route: 410 Gone.
func (s *Server) ListDeltas(w http.ResponseWriter, r *http.Request) {
	vid := chi.URLParam(r, "vehicleID")
	if _, ok := s.authorize(w, r, vid, readers...); !ok {
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid since", "since must be a non-negative version", r.URL.Path)
			return
		}
		since = n
	}
	deltas, ok := s.Routes.DeltasSince(vid, since)
	if !ok {
		writeProblem(w, http.StatusGone, "History unavailable",
			fmt.Sprintf("deltas after version %d are no longer retained; reload the route", since), r.URL.Path)
		return
	}
	if deltas == nil {
		deltas = []model.Delta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicleId": vid, "since": since, "items": deltas})
}

func (s *Server) ListUnassigned(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, "", hub.RoleDispatcher, hub.RoleObserver); !ok {
		return
	}
	items := s.Dispatch.Unassigned()
	if items == nil {
		items = []opt.Unassigned{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// AnalyticsSnapshot aggregates the trailing ?window (Go duration, default
// the whole retention).
func (s *Server) AnalyticsSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, "", hub.RoleDispatcher, hub.RoleObserver); !ok {
		return
	}
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid window", "window must be a duration such as 15m", r.URL.Path)
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.Analytics.Snapshot(window))
}

// StreamEvents relays one vehicle's deltas and alerts as server-sent events.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	vid := chi.URLParam(r, "vehicleID")
	if _, ok := s.authorize(w, r, vid, readers...); !ok {
		return
	}
	if s.Relay == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Streaming disabled", "no event relay configured", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Relay.Subscribe(vid)
	defer s.Relay.Unsubscribe(vid, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"vehicleId\":%q,\"ts\":%q}\n\n", vid, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()

	tick := time.NewTicker(s.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			b, _ := json.Marshal(evt)
			if evt.Version > 0 {
				fmt.Fprintf(w, "id: %d\n", evt.Version)
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-tick.C:
			heartbeat()
		}
	}
}

// ServeWS upgrades to the realtime hub protocol. Query parameters:
// resume=<key> to reattach a detached session, since=v1:12,v2:7 with the
// last versions the client holds.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid since", err.Error(), r.URL.Path)
		return
	}
	s.Hub.ServeWS(w, r, hub.Identity{
		Role:      hub.Role(p.Role),
		VehicleID: p.VehicleID,
		ResumeKey: r.URL.Query().Get("resume"),
		Since:     since,
	})
}

func parseSince(v string) (map[string]int64, error) {
	if v == "" {
		return nil, nil
	}
	out := make(map[string]int64)
	for _, part := range strings.Split(v, ",") {
		vid, ver, ok := strings.Cut(part, ":")
		if !ok || vid == "" {
			return nil, fmt.Errorf("since: expected vehicle:version, got %q", part)
		}
		n, err := strconv.ParseInt(ver, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("since: bad version for %s", vid)
		}
		out[vid] = n
	}
	return out, nil
}
