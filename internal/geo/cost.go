// Package geo turns coordinates into distance and travel-time estimates.
package geo

import (
	"time"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"routedispatch/internal/model"
)

const (
	DefaultSpeedKph     = 40.0
	DefaultDetourFactor = 1.3
)

// CostModel estimates road distance as great-circle distance scaled by a
// detour factor, and travel time at a constant speed.
type CostModel struct {
	SpeedKph     float64
	DetourFactor float64
}

func DefaultCostModel() CostModel {
	return CostModel{SpeedKph: DefaultSpeedKph, DetourFactor: DefaultDetourFactor}
}

// Point converts to orb's lng/lat order.
func Point(p model.GeoPoint) orb.Point { return orb.Point{p.Lng, p.Lat} }

// Haversine returns the great-circle distance in meters.
func Haversine(a, b model.GeoPoint) float64 {
	return orbgeo.DistanceHaversine(Point(a), Point(b))
}

// DistanceM estimates road distance in meters between a and b.
func (c CostModel) DistanceM(a, b model.GeoPoint) float64 {
	f := c.DetourFactor
	if f < 1 {
		f = 1
	}
	return Haversine(a, b) * f
}

// Seconds estimates travel time in seconds for a road distance in meters.
func (c CostModel) Seconds(distM float64) float64 {
	speed := c.SpeedKph
	if speed <= 0 {
		speed = DefaultSpeedKph
	}
	return distM / (speed / 3.6)
}

// TravelTime estimates driving time between a and b.
func (c CostModel) TravelTime(a, b model.GeoPoint) time.Duration {
	return time.Duration(c.Seconds(c.DistanceM(a, b)) * float64(time.Second))
}

// Matrix holds pairwise distances (m) and durations (s) for a fixed point set.
type Matrix struct {
	n    int
	dist []float64
	dur  []float64
}

// NewMatrix precomputes all pairs. Index i refers to points[i].
func (c CostModel) NewMatrix(points []model.GeoPoint) *Matrix {
	n := len(points)
	m := &Matrix{n: n, dist: make([]float64, n*n), dur: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := c.DistanceM(points[i], points[j])
			s := c.Seconds(d)
			m.dist[i*n+j], m.dist[j*n+i] = d, d
			m.dur[i*n+j], m.dur[j*n+i] = s, s
		}
	}
	return m
}

func (m *Matrix) Len() int { return m.n }

func (m *Matrix) Distance(i, j int) float64 { return m.dist[i*m.n+j] }

func (m *Matrix) Duration(i, j int) float64 { return m.dur[i*m.n+j] }
