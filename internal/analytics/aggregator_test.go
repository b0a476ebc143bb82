package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routedispatch/internal/model"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newAgg(retention int) *Aggregator {
	return New(Options{Period: time.Minute, Retention: retention, Now: func() time.Time { return now }})
}

func TestOnTimeRate(t *testing.T) {
	a := newAgg(60)
	a.Record(Event{Kind: StopCompleted, At: now.Add(-5 * time.Minute), OnTime: true})
	a.Record(Event{Kind: StopCompleted, At: now.Add(-4 * time.Minute), OnTime: true})
	a.Record(Event{Kind: StopCompleted, At: now.Add(-3 * time.Minute), OnTime: false})
	a.Record(Event{Kind: StopCompleted, At: now.Add(-2 * time.Minute), OnTime: true})
	a.Record(Event{Kind: StopFailed, At: now.Add(-time.Minute)})

	s := a.Snapshot(10 * time.Minute)
	assert.Equal(t, int64(4), s.Completed)
	assert.Equal(t, int64(3), s.OnTime)
	assert.Equal(t, int64(1), s.Failed)
	assert.InDelta(t, 0.75, s.OnTimeRate, 1e-9)
	assert.Equal(t, now, s.To)
	assert.Equal(t, now.Add(-10*time.Minute), s.From)
}

func TestWindowExcludesOlderBuckets(t *testing.T) {
	a := newAgg(60)
	a.Record(Event{Kind: StopCompleted, At: now.Add(-30 * time.Minute), OnTime: true})
	a.Record(Event{Kind: StopCompleted, At: now.Add(-2 * time.Minute), OnTime: false})

	assert.Equal(t, int64(1), a.Snapshot(5*time.Minute).Completed)
	assert.Equal(t, int64(2), a.Snapshot(time.Hour).Completed)
	// beyond retention is capped rather than rejected
	assert.Equal(t, int64(2), a.Snapshot(48*time.Hour).Completed)
}

func TestEventsOutsideRetentionAreDropped(t *testing.T) {
	a := newAgg(10)
	a.Record(Event{Kind: StopCompleted, At: now.Add(-time.Hour), OnTime: true})
	assert.Equal(t, int64(0), a.Snapshot(0).Completed)
}

func TestRingReuseResetsBucket(t *testing.T) {
	cur := now
	a := New(Options{Period: time.Minute, Retention: 5, Now: func() time.Time { return cur }})
	a.Record(Event{Kind: StopCompleted, OnTime: true})
	cur = cur.Add(5 * time.Minute)
	a.Record(Event{Kind: StopCompleted, OnTime: false})

	s := a.Snapshot(0)
	assert.Equal(t, int64(1), s.Completed)
	assert.Equal(t, int64(0), s.OnTime)
}

func TestDurationVarianceAndDistanceEfficiency(t *testing.T) {
	a := newAgg(60)
	// deviations: +60, -60, +120 -> mean 40, variance ((20^2)+(100^2)+(80^2))/3
	for _, dev := range []float64{60, -60, 120} {
		a.Record(Event{Kind: RouteFinished, At: now.Add(-time.Minute), EstDurationSec: 1000, ActualDurationSec: 1000 + dev, EstDistanceM: 9000, ActualDistanceM: 10000})
	}
	// a route that never started counts as finished but carries no duration
	a.Record(Event{Kind: RouteFinished, At: now.Add(-time.Minute), EstDurationSec: 500})

	s := a.Snapshot(time.Hour)
	assert.Equal(t, int64(4), s.RoutesFinished)
	assert.InDelta(t, 40, s.MeanDurationDeviationSec, 1e-9)
	assert.InDelta(t, (400.0+10000+6400)/3, s.DurationVarianceSec2, 1e-6)
	assert.InDelta(t, 0.9, s.DistanceEfficiency, 1e-9)
}

func TestEmptySnapshot(t *testing.T) {
	a := newAgg(60)
	_, ok := a.Latest()
	assert.False(t, ok)
	s := a.Snapshot(time.Hour)
	assert.Zero(t, s.OnTimeRate)
	assert.Zero(t, s.DistanceEfficiency)
	got, ok := a.Latest()
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestLatestIsNotMutatedByLaterRecords(t *testing.T) {
	a := newAgg(60)
	a.Record(Event{Kind: StopCompleted, OnTime: true})
	first := a.Snapshot(time.Hour)
	a.Record(Event{Kind: StopCompleted, OnTime: true})

	held, _ := a.Latest()
	assert.Equal(t, first, held)
	second := a.Export()
	assert.Equal(t, int64(2), second.Completed)
	assert.Equal(t, int64(1), first.Completed)
}

func TestObserveDerivesEvents(t *testing.T) {
	a := newAgg(60)
	win := &model.TimeWindow{Earliest: now.Add(-time.Hour), Latest: now.Add(-30 * time.Minute)}
	r := model.Route{
		VehicleID:           "v1",
		Status:              model.RouteCompleted,
		// a mid-route re-plan left only the remainder in the estimates
		EstDurationSec:      600,
		EstDistanceM:        2000,
		BaselineDurationSec: 1800,
		BaselineDistanceM:   8000,
		TravelledM:          10000,
		StartedAt:           now.Add(-40 * time.Minute),
		FinishedAt:          now.Add(-5 * time.Minute),
		Stops: []model.RouteStop{
			{Stop: model.Stop{ID: "late", Window: win, Status: model.StopCompleted}},
			{Stop: model.Stop{ID: "open", Status: model.StopCompleted}},
			{Stop: model.Stop{ID: "x", Status: model.StopFailed}},
		},
	}
	d := model.Delta{
		VehicleID: "v1",
		At:        now.Add(-5 * time.Minute),
		StopChanges: []model.StopChange{
			{StopID: "late", From: model.StopArrived, To: model.StopCompleted},
			{StopID: "open", From: model.StopArrived, To: model.StopCompleted},
			{StopID: "x", From: model.StopEnRoute, To: model.StopFailed},
		},
		RouteStatus: model.RouteCompleted,
	}
	evs := EventsFrom(d, r)
	require.Len(t, evs, 4)
	assert.False(t, evs[0].OnTime)
	assert.True(t, evs[1].OnTime)
	assert.Equal(t, StopFailed, evs[2].Kind)
	assert.Equal(t, RouteFinished, evs[3].Kind)
	assert.InDelta(t, 35*60, evs[3].ActualDurationSec, 1e-9)
	assert.InDelta(t, 1800, evs[3].EstDurationSec, 1e-9)

	a.Observe(d, r)
	s := a.Snapshot(time.Hour)
	assert.Equal(t, int64(2), s.Completed)
	assert.InDelta(t, 0.5, s.OnTimeRate, 1e-9)
	assert.InDelta(t, 300, s.MeanDurationDeviationSec, 1e-9)
	assert.InDelta(t, 0.8, s.DistanceEfficiency, 1e-9)
}

func TestSnapshotCostIndependentOfHistory(t *testing.T) {
	a := newAgg(30)
	for i := 0; i < 100000; i++ {
		a.Record(Event{Kind: StopCompleted, At: now.Add(-time.Duration(i%30) * time.Minute), OnTime: i%2 == 0})
	}
	assert.Len(t, a.ring, 30)
	s := a.Snapshot(0)
	assert.Equal(t, int64(100000), s.Completed)
	assert.InDelta(t, 0.5, s.OnTimeRate, 1e-9)
}
