package api

import (
	"fmt"
	"strings"

	"routedispatch/internal/model"
)

// OptimizeRequest is the body of POST /v1/optimize. Full mode replans the
// whole fleet from the read model; incremental inserts Stops and reworks
// only the Dirty vehicles.
type OptimizeRequest struct {
	Mode  string       `json:"mode"`
	Stops []model.Stop `json:"stops,omitempty"`
	Dirty []string     `json:"dirty,omitempty"`
}

func validateOptimizeRequest(req *OptimizeRequest) error {
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	switch req.Mode {
	case "":
		req.Mode = "full"
	case "full", "incremental":
	default:
		return fmt.Errorf("invalid mode: %s (allowed: full,incremental)", req.Mode)
	}
	if req.Mode == "full" && (len(req.Stops) > 0 || len(req.Dirty) > 0) {
		return fmt.Errorf("stops and dirty are only accepted in incremental mode")
	}
	if req.Mode == "incremental" && len(req.Stops) == 0 && len(req.Dirty) == 0 {
		return fmt.Errorf("incremental mode needs stops or dirty vehicles")
	}
	seen := make(map[string]struct{}, len(req.Stops))
	for i := range req.Stops {
		st := &req.Stops[i]
		if st.ID == "" {
			return fmt.Errorf("stops[%d]: id is required", i)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("stops[%d]: duplicate id %s", i, st.ID)
		}
		seen[st.ID] = struct{}{}
		if st.Location.Lat < -90 || st.Location.Lat > 90 || st.Location.Lng < -180 || st.Location.Lng > 180 {
			return fmt.Errorf("stop %s: location out of range", st.ID)
		}
		if st.Demand < 0 {
			return fmt.Errorf("stop %s: demand must be >= 0", st.ID)
		}
		if st.ServiceSec < 0 {
			return fmt.Errorf("stop %s: serviceSec must be >= 0", st.ID)
		}
		if w := st.Window; w != nil && !w.Earliest.IsZero() && !w.Latest.IsZero() && w.Latest.Before(w.Earliest) {
			return fmt.Errorf("stop %s: window latest before earliest", st.ID)
		}
		switch st.Status {
		case "":
			st.Status = model.StopPending
		case model.StopPending:
		default:
			return fmt.Errorf("stop %s: new stops must be pending, got %s", st.ID, st.Status)
		}
	}
	for i, vid := range req.Dirty {
		if strings.TrimSpace(vid) == "" {
			return fmt.Errorf("dirty[%d]: vehicle id is required", i)
		}
	}
	return nil
}
