package api

import (
    "net/http"
    "strings"

    "routedispatch/internal/auth"
    "routedispatch/internal/hub"
)

// principal resolves the caller.
// - Authorization: Bearer goes through the configured verifier.
// - access_token query parameter is accepted for EventSource and websocket
//   clients that cannot set headers.
// - In dev mode X-Role and X-Vehicle-Id headers are trusted; role defaults to dispatcher.
func (s *Server) principal(r *http.Request) (auth.Principal, error) {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
        return s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
    }
    if tok := r.URL.Query().Get("access_token"); tok != "" {
        return s.Auth.Verify(tok)
    }
    if s.Auth.Mode != "dev" {
        return auth.Principal{}, auth.ErrInvalidToken
    }
    role := strings.ToLower(r.Header.Get("X-Role"))
    if role == "" { role = string(hub.RoleDispatcher) }
    vid := r.Header.Get("X-Vehicle-Id")
    return auth.Principal{Subject: vid, Role: role, VehicleID: vid}, nil
}

// authorize writes a 401/403 problem and returns false when the caller may
// not proceed. An empty vehicleID means a fleet-wide resource: drivers are
// refused. Otherwise drivers are limited to their own vehicle.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, vehicleID string, roles ...hub.Role) (auth.Principal, bool) {
    p, err := s.principal(r)
    if err != nil {
        writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
        return p, false
    }
    for _, role := range roles {
        if p.Role != string(role) { continue }
        if role == hub.RoleDriver && (vehicleID == "" || p.VehicleID != vehicleID) { break }
        return p, true
    }
    writeProblem(w, http.StatusForbidden, "Forbidden", "role "+p.Role+" may not access this resource", r.URL.Path)
    return p, false
}

var (
    readers     = []hub.Role{hub.RoleDispatcher, hub.RoleObserver, hub.RoleDriver}
    dispatchers = []hub.Role{hub.RoleDispatcher}
)
