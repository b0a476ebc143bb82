package model

import "time"

// Core domain types shared by the optimizer, the route store and the hub.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TimeWindow bounds the service start at a stop. A zero bound is open.
type TimeWindow struct {
	Earliest time.Time `json:"earliest,omitempty"`
	Latest   time.Time `json:"latest,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w *TimeWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if !w.Earliest.IsZero() && t.Before(w.Earliest) {
		return false
	}
	if !w.Latest.IsZero() && t.After(w.Latest) {
		return false
	}
	return true
}

type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopAssigned  StopStatus = "assigned"
	StopEnRoute   StopStatus = "en_route"
	StopArrived   StopStatus = "arrived"
	StopCompleted StopStatus = "completed"
	StopFailed    StopStatus = "failed"
	StopCancelled StopStatus = "cancelled"
)

// Valid reports whether s is a known stop status.
func (s StopStatus) Valid() bool {
	switch s {
	case StopPending, StopAssigned, StopEnRoute, StopArrived, StopCompleted, StopFailed, StopCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s StopStatus) Terminal() bool {
	return s == StopCompleted || s == StopFailed || s == StopCancelled
}

// Locked reports whether a stop in status s is pinned to its vehicle and
// position: the driver is already heading to it or standing at it.
func (s StopStatus) Locked() bool {
	return s == StopEnRoute || s == StopArrived
}

// Plannable reports whether the optimizer may move a stop in status s.
func (s StopStatus) Plannable() bool {
	return s == "" || s == StopPending || s == StopAssigned
}

// Stop is a delivery or pickup point. Location, demand and window do not
// change after creation; only Status moves.
type Stop struct {
	ID         string      `json:"id"`
	Location   GeoPoint    `json:"location"`
	Demand     int         `json:"demand"`
	Window     *TimeWindow `json:"window,omitempty"`
	ServiceSec int         `json:"serviceSec,omitempty"`
	Status     StopStatus  `json:"status"`
}

type VehicleStatus string

const (
	VehicleIdle     VehicleStatus = "idle"
	VehicleAssigned VehicleStatus = "assigned"
	VehicleOnRoute  VehicleStatus = "on_route"
	VehicleOffline  VehicleStatus = "offline"
)

type Vehicle struct {
	ID       string        `json:"id"`
	Capacity int           `json:"capacity"`
	Position GeoPoint      `json:"position"`
	DriverID string        `json:"driverId,omitempty"`
	Status   VehicleStatus `json:"status"`
}

// Available reports whether the vehicle may receive new stops.
func (v Vehicle) Available() bool { return v.Status != VehicleOffline }

type RouteStatus string

const (
	RouteDraft     RouteStatus = "draft"
	RouteActive    RouteStatus = "active"
	RouteCompleted RouteStatus = "completed"
	RouteAborted   RouteStatus = "aborted"
)

// Finished reports whether the route has been archived.
func (s RouteStatus) Finished() bool { return s == RouteCompleted || s == RouteAborted }

// RouteStop is a stop placed on a route. Rev is the route version at which
// the entry last changed and drives per-stop conflict detection.
type RouteStop struct {
	Stop
	ETA         time.Time `json:"eta,omitempty"`
	Rev         int64     `json:"rev"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Route is the ordered plan of one vehicle.
type Route struct {
	VehicleID           string      `json:"vehicleId"`
	Version             int64       `json:"version"`
	SeqVersion          int64       `json:"seqVersion"`
	Status              RouteStatus `json:"status"`
	Capacity            int         `json:"capacity"`
	Stops               []RouteStop `json:"stops"`
	Position            *GeoPoint   `json:"position,omitempty"`
	PositionAt          time.Time   `json:"positionAt,omitempty"`
	EstDistanceM        float64     `json:"estDistanceM"`
	EstDurationSec      float64     `json:"estDurationSec"`
	// Baseline estimates are the ones in force when the route became
	// active. Later re-plans only estimate the remainder.
	BaselineDistanceM   float64     `json:"baselineDistanceM,omitempty"`
	BaselineDurationSec float64     `json:"baselineDurationSec,omitempty"`
	TravelledM          float64     `json:"travelledM"`
	StartedAt           time.Time   `json:"startedAt,omitempty"`
	FinishedAt          time.Time   `json:"finishedAt,omitempty"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to readers.
func (r Route) Clone() Route {
	out := r
	if r.Stops != nil {
		out.Stops = make([]RouteStop, len(r.Stops))
		copy(out.Stops, r.Stops)
		for i := range out.Stops {
			if w := r.Stops[i].Window; w != nil {
				cp := *w
				out.Stops[i].Window = &cp
			}
		}
	}
	if r.Position != nil {
		p := *r.Position
		out.Position = &p
	}
	return out
}

// StopIndex returns the position of stopID on the route or -1.
func (r Route) StopIndex(stopID string) int {
	for i := range r.Stops {
		if r.Stops[i].ID == stopID {
			return i
		}
	}
	return -1
}

// Load sums the demand of non-terminal stops.
func (r Route) Load() int {
	n := 0
	for _, s := range r.Stops {
		if !s.Status.Terminal() {
			n += s.Demand
		}
	}
	return n
}

// AllTerminal reports whether every stop reached a terminal status.
func (r Route) AllTerminal() bool {
	if len(r.Stops) == 0 {
		return false
	}
	for _, s := range r.Stops {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// LocationEvent is a position/status report from a driver. At is strictly
// increasing per vehicle; older or equal timestamps are discarded.
type LocationEvent struct {
	VehicleID string     `json:"vehicleId"`
	At        time.Time  `json:"at"`
	Position  GeoPoint   `json:"position"`
	StopID    string     `json:"stopId,omitempty"`
	Status    StopStatus `json:"status,omitempty"`
}
