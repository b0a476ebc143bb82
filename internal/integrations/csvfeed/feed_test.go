package csvfeed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routedispatch/internal/model"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestFeedReadsOrdersAndFleet(t *testing.T) {
	orders := write(t, "orders.csv", `id,lat,lng,demand,earliest,latest,service_sec,status
s1,52.37,4.89,2,2025-03-01T09:00:00Z,2025-03-01T11:00:00Z,120,NEW
s2,52.38,4.90,1,,,,
s3,52.36,4.88,1,,,,DELIVERED
`)
	vehicles := write(t, "vehicles.csv", `id,capacity,lat,lng,driver_id,status
v1,10,52.37,4.90,d1,idle
v2,5,52.35,4.87,,
`)
	rm := Feed{OrdersPath: orders, VehiclesPath: vehicles}.ReadModel()

	stops, err := rm.PendingStops(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, stops, 2)
	assert.Equal(t, "s1", stops[0].ID)
	assert.Equal(t, 2, stops[0].Demand)
	assert.Equal(t, 120, stops[0].ServiceSec)
	require.NotNil(t, stops[0].Window)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), stops[0].Window.Latest)
	assert.Nil(t, stops[1].Window)
	assert.Equal(t, model.StopPending, stops[1].Status)

	fleet, err := rm.FleetStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, fleet, 2)
	assert.Equal(t, "d1", fleet[0].DriverID)
	assert.Equal(t, model.VehicleIdle, fleet[1].Status)
	assert.InDelta(t, 52.35, fleet[1].Position.Lat, 1e-9)
}

func TestFeedReportsBadRows(t *testing.T) {
	orders := write(t, "orders.csv", "s1,52.37,4.89,lots,,,,\n")
	_, err := Feed{OrdersPath: orders}.FetchOrders(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":1: demand")
}

func TestFeedMissingFile(t *testing.T) {
	_, err := Feed{VehiclesPath: filepath.Join(t.TempDir(), "nope.csv")}.FetchFleet(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
