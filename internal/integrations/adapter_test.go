package integrations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routedispatch/internal/model"
)

func TestMapStatus(t *testing.T) {
	cases := map[string]model.StopStatus{
		"DELIVERED": model.StopCompleted,
		" done ":    model.StopCompleted,
		"refused":   model.StopFailed,
		"Canceled":  model.StopCancelled,
		"NEW":       model.StopPending,
		"":          model.StopPending,
	}
	for code, want := range cases {
		assert.Equal(t, want, MapStatus(code), code)
	}
}

func TestStaticReadModelFiltersTerminal(t *testing.T) {
	s := NewStatic()
	s.PutStops(
		model.Stop{ID: "b"},
		model.Stop{ID: "a", Status: model.StopPending},
		model.Stop{ID: "c", Status: model.StopCompleted},
	)
	s.PutVehicles(model.Vehicle{ID: "v2"}, model.Vehicle{ID: "v1"})

	rm := s.ReadModel()
	stops, err := rm.PendingStops(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, stops, 2)
	assert.Equal(t, "a", stops[0].ID)
	assert.Equal(t, model.StopPending, stops[1].Status)

	fleet, err := rm.FleetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", fleet[0].ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rm.PendingStops(ctx, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
