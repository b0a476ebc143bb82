package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"routedispatch/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStaleVersion      = errors.New("stale version")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvariant         = errors.New("route invariant violated")
)

// AnyVersion disables the version check of a mutation.
const AnyVersion int64 = -1

// ConflictError reports a mutation built on an outdated view of a route.
type ConflictError struct {
	VehicleID string
	StopID    string
	Expected  int64
	Current   int64
	// Owner is set when a stop already belongs to another vehicle.
	Owner string
}

func (e *ConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("stale version: stop %s belongs to vehicle %s", e.StopID, e.Owner)
	}
	if e.StopID != "" {
		return fmt.Sprintf("stale version: vehicle %s stop %s changed at v%d, client at v%d", e.VehicleID, e.StopID, e.Current, e.Expected)
	}
	return fmt.Sprintf("stale version: vehicle %s sequence at v%d, client at v%d", e.VehicleID, e.Current, e.Expected)
}

func (e *ConflictError) Unwrap() error { return ErrStaleVersion }

type TransitionError struct {
	VehicleID string
	StopID    string
	From, To  model.StopStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: vehicle %s stop %s %s -> %s", e.VehicleID, e.StopID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type InvariantError struct {
	VehicleID string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("route invariant violated: vehicle %s: %s", e.VehicleID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

var next = map[model.StopStatus]model.StopStatus{
	model.StopPending:  model.StopAssigned,
	model.StopAssigned: model.StopEnRoute,
	model.StopEnRoute:  model.StopArrived,
	model.StopArrived:  model.StopCompleted,
}

// CanTransition reports whether a stop may move from one status to another.
// The forward chain cannot skip a step; failed and cancelled are reachable
// from any non-terminal status.
func CanTransition(from, to model.StopStatus) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == model.StopFailed || to == model.StopCancelled {
		return true
	}
	return next[from] == to
}

type MutationKind string

const (
	MutReplaceSequence MutationKind = "replace_sequence"
	MutStopStatus      MutationKind = "stop_status"
	MutPosition        MutationKind = "position"
)

// Mutation is a single change request against one vehicle's route.
type Mutation struct {
	Kind MutationKind
	// ExpectedVersion is the route version the caller last saw, or AnyVersion.
	ExpectedVersion int64

	Stops          []model.RouteStop
	Capacity       int
	EstDistanceM   float64
	EstDurationSec float64

	StopID string
	Status model.StopStatus

	Position model.GeoPoint
	At       time.Time
}

func ReplaceSequence(expected int64, stops []model.RouteStop, capacity int, distM, durSec float64) Mutation {
	return Mutation{Kind: MutReplaceSequence, ExpectedVersion: expected, Stops: stops, Capacity: capacity, EstDistanceM: distM, EstDurationSec: durSec}
}

func StopStatus(expected int64, stopID string, status model.StopStatus, at time.Time) Mutation {
	return Mutation{Kind: MutStopStatus, ExpectedVersion: expected, StopID: stopID, Status: status, At: at}
}

func Position(pos model.GeoPoint, at time.Time) Mutation {
	return Mutation{Kind: MutPosition, ExpectedVersion: AnyVersion, Position: pos, At: at}
}

// Listener observes every committed delta together with the resulting
// route. It runs while the vehicle is locked and must not block or call
// back into the store for the same vehicle.
type Listener func(d model.Delta, r model.Route)

// Routes is the route state API consumed by the hub and the dispatcher.
type Routes interface {
	Apply(ctx context.Context, vehicleID string, m Mutation) (model.Route, *model.Delta, error)
	Snapshot(vehicleID string) (model.Route, error)
	Routes() []model.Route
	DeltasSince(vehicleID string, version int64) ([]model.Delta, bool)
	View(vehicleID string, fn func(r model.Route, history []model.Delta))
	Owner(stopID string) string
	Subscribe(l Listener)
}
