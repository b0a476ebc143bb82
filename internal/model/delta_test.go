package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDeltaChain(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var r Route
	seq := []RouteStop{{Stop: Stop{ID: "s1", Demand: 2, Status: StopAssigned}, Rev: 1}}

	ok, err := r.ApplyDelta(Delta{VehicleID: "v1", Version: 1, BaseVersion: 0, Kind: DeltaSequence, Sequence: seq, RouteStatus: RouteDraft, At: at})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", r.VehicleID)
	assert.Equal(t, int64(1), r.SeqVersion)

	ok, err = r.ApplyDelta(Delta{VehicleID: "v1", Version: 2, BaseVersion: 1, Kind: DeltaStatus,
		StopChanges: []StopChange{{StopID: "s1", From: StopAssigned, To: StopEnRoute}}, RouteStatus: RouteActive, At: at.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StopEnRoute, r.Stops[0].Status)
	assert.Equal(t, int64(2), r.Stops[0].Rev)
	assert.Equal(t, RouteActive, r.Status)
	assert.Equal(t, at.Add(time.Minute), r.StartedAt)

	// replay is a no-op
	ok, err = r.ApplyDelta(Delta{VehicleID: "v1", Version: 2, BaseVersion: 1, Kind: DeltaStatus, At: at})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), r.Version)
}

func TestApplyDeltaGap(t *testing.T) {
	r := Route{VehicleID: "v1", Version: 3}
	_, err := r.ApplyDelta(Delta{VehicleID: "v1", Version: 6, BaseVersion: 5})
	require.ErrorIs(t, err, ErrDeltaGap)
	assert.Equal(t, int64(3), r.Version)
}

func TestCloneIsDeep(t *testing.T) {
	w := &TimeWindow{Latest: time.Now()}
	r := Route{Stops: []RouteStop{{Stop: Stop{ID: "a", Window: w}}}, Position: &GeoPoint{Lat: 1}}
	c := r.Clone()
	c.Stops[0].Status = StopFailed
	c.Stops[0].Window.Latest = time.Time{}
	c.Position.Lat = 2
	assert.Equal(t, StopStatus(""), r.Stops[0].Status)
	assert.False(t, r.Stops[0].Window.Latest.IsZero())
	assert.Equal(t, 1.0, r.Position.Lat)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StopCancelled.Terminal())
	assert.False(t, StopArrived.Terminal())
	assert.True(t, StopArrived.Locked())
	assert.True(t, StopAssigned.Plannable())
	assert.False(t, StopStatus("bogus").Valid())
	var nilWin *TimeWindow
	assert.True(t, nilWin.Contains(time.Now()))
}
