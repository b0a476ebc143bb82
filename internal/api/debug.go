package api

import (
    "net/http"
    "time"

    "routedispatch/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build":  buildinfo.Info(),
        "time":   time.Now().UTC().Format(time.RFC3339),
        "config": s.Flags,
    }
    if s.Optimizer != nil {
        info["optimizer"] = map[string]any{
            "config": s.Optimizer.Config(),
            "runs":   s.Optimizer.Runs().Recent(),
        }
    }
    writeJSON(w, http.StatusOK, info)
}
