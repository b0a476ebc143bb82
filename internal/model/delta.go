package model

import (
	"errors"
	"fmt"
	"time"
)

type DeltaKind string

const (
	DeltaSequence DeltaKind = "sequence"
	DeltaStatus   DeltaKind = "status"
	DeltaPosition DeltaKind = "position"
)

// StopChange records one stop status transition inside a delta.
type StopChange struct {
	StopID string     `json:"stopId"`
	From   StopStatus `json:"from"`
	To     StopStatus `json:"to"`
}

// Delta is the minimal change that moves a route from BaseVersion to
// Version. Deltas of one vehicle form a gapless chain.
type Delta struct {
	VehicleID   string       `json:"vehicleId"`
	Version     int64        `json:"version"`
	BaseVersion int64        `json:"baseVersion"`
	Kind        DeltaKind    `json:"kind"`
	Reset       bool         `json:"reset,omitempty"`
	Capacity    int          `json:"capacity,omitempty"`
	Sequence    []RouteStop  `json:"sequence,omitempty"`
	EstDistance float64      `json:"estDistanceM,omitempty"`
	EstDuration float64      `json:"estDurationSec,omitempty"`
	StopChanges []StopChange `json:"stopChanges,omitempty"`
	Position    *GeoPoint    `json:"position,omitempty"`
	TravelledM  float64      `json:"travelledM,omitempty"`
	RouteStatus RouteStatus  `json:"routeStatus,omitempty"`
	At          time.Time    `json:"at"`
}

// ErrDeltaGap is returned when a delta does not extend the local version.
// The holder must fetch a snapshot.
var ErrDeltaGap = errors.New("delta gap")

// ApplyDelta advances r by d. Deltas at or below the current version are
// ignored so replays are idempotent.
func (r *Route) ApplyDelta(d Delta) (bool, error) {
	if d.Version <= r.Version {
		return false, nil
	}
	if d.BaseVersion != r.Version {
		return false, fmt.Errorf("%w: vehicle %s at v%d, delta v%d->v%d", ErrDeltaGap, r.VehicleID, r.Version, d.BaseVersion, d.Version)
	}
	if r.VehicleID == "" {
		r.VehicleID = d.VehicleID
	}
	if d.Reset {
		r.StartedAt = time.Time{}
		r.FinishedAt = time.Time{}
		r.TravelledM = 0
		r.BaselineDistanceM = 0
		r.BaselineDurationSec = 0
	}
	if d.Kind == DeltaSequence {
		r.Stops = make([]RouteStop, len(d.Sequence))
		copy(r.Stops, d.Sequence)
		r.SeqVersion = d.Version
		r.EstDistanceM = d.EstDistance
		r.EstDurationSec = d.EstDuration
		if d.Capacity > 0 {
			r.Capacity = d.Capacity
		}
	}
	for _, ch := range d.StopChanges {
		i := r.StopIndex(ch.StopID)
		if i < 0 {
			continue
		}
		r.Stops[i].Status = ch.To
		r.Stops[i].Rev = d.Version
		if ch.To == StopCompleted {
			r.Stops[i].CompletedAt = d.At
		}
	}
	if d.Position != nil {
		p := *d.Position
		r.Position = &p
		r.PositionAt = d.At
		r.TravelledM = d.TravelledM
	}
	if d.RouteStatus != "" && d.RouteStatus != r.Status {
		switch {
		case d.RouteStatus == RouteActive && r.StartedAt.IsZero():
			r.StartedAt = d.At
			r.BaselineDistanceM = r.EstDistanceM
			r.BaselineDurationSec = r.EstDurationSec
		case d.RouteStatus.Finished():
			r.FinishedAt = d.At
		}
		r.Status = d.RouteStatus
	}
	r.Version = d.Version
	r.UpdatedAt = d.At
	return true, nil
}
