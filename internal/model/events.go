package model

import "time"

type NotificationKind string

const (
	NotifyStop  NotificationKind = "stop"
	NotifyRoute NotificationKind = "route"
)

// Notification is the outbound record for terminal stop and route events.
// For route notifications StopID is empty and the statuses are route statuses.
type Notification struct {
	ID         string           `json:"id"`
	Kind       NotificationKind `json:"kind"`
	VehicleID  string           `json:"vehicleId"`
	StopID     string           `json:"stopId,omitempty"`
	FromStatus string           `json:"fromStatus"`
	ToStatus   string           `json:"toStatus"`
	Timestamp  time.Time        `json:"timestamp"`
	Version    int64            `json:"version"`
}

// MetricSnapshot is an immutable aggregate over a trailing window.
type MetricSnapshot struct {
	From                     time.Time `json:"from"`
	To                       time.Time `json:"to"`
	Completed                int64     `json:"completed"`
	OnTime                   int64     `json:"onTime"`
	OnTimeRate               float64   `json:"onTimeRate"`
	Failed                   int64     `json:"failed"`
	RoutesFinished           int64     `json:"routesFinished"`
	MeanDurationDeviationSec float64   `json:"meanDurationDeviationSec"`
	DurationVarianceSec2     float64   `json:"durationVarianceSec2"`
	DistanceEfficiency       float64   `json:"distanceEfficiency"`
}
