package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routedispatch/internal/model"
)

func TestMemoryRelayPublishSubscribe(t *testing.T) {
	b := NewMemoryRelay()
	ch := b.Subscribe("v1")
	evt := DeltaEvent(model.Delta{VehicleID: "v1", Version: 4, BaseVersion: 3, Kind: model.DeltaPosition})
	b.Publish("v1", evt)
	b.Publish("v2", evt)

	select {
	case got := <-ch:
		assert.Equal(t, "route.delta", got.Type)
		assert.Equal(t, int64(4), got.Version)
		var d model.Delta
		require.NoError(t, json.Unmarshal(got.Data, &d))
		assert.Equal(t, int64(3), d.BaseVersion)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe("v1", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	// a second unsubscribe is harmless
	b.Unsubscribe("v1", ch)
}

func TestRedisRelayRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisRelay(rdb, zerolog.Nop())
	defer func() { _ = b.Close() }()
	require.NoError(t, b.Ping(context.Background()))

	ch := b.Subscribe("v7")
	b.Publish("v7", AlertEvent(Alert{VehicleID: "v7", State: AlertStale}))

	select {
	case got := <-ch:
		assert.Equal(t, "driver.stale", got.Type)
		assert.Equal(t, "v7", got.VehicleID)
		var a Alert
		require.NoError(t, json.Unmarshal(got.Data, &a))
		assert.Equal(t, AlertStale, a.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe("v7", ch)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
