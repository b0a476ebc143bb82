package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routedispatch/internal/model"
	"routedispatch/internal/store"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newHub(t *testing.T, history int, mod func(*Options)) (*store.Memory, *Hub) {
	t.Helper()
	st := store.NewMemory(store.Options{HistoryLimit: history, Log: zerolog.Nop()})
	opts := Options{LagThreshold: 1000, RateLimit: 1000, RateBurst: 1000, Log: zerolog.Nop()}
	if mod != nil {
		mod(&opts)
	}
	return st, New(st, opts)
}

func seedRoute(t *testing.T, st *store.Memory, vid string, ids ...string) model.Route {
	t.Helper()
	var stops []model.RouteStop
	for _, id := range ids {
		stops = append(stops, model.RouteStop{Stop: model.Stop{ID: id, Demand: 1, Location: model.GeoPoint{Lat: 40, Lng: -74}}})
	}
	r, _, err := st.Apply(context.Background(), vid, store.ReplaceSequence(store.AnyVersion, stops, 10, 100, 100))
	require.NoError(t, err)
	return r
}

func move(t *testing.T, st *store.Memory, vid string, i int) {
	t.Helper()
	p := model.GeoPoint{Lat: 40 + float64(i)*1e-4, Lng: -74}
	_, d, err := st.Apply(context.Background(), vid, store.Position(p, base.Add(time.Duration(i)*time.Second)))
	require.NoError(t, err)
	require.NotNil(t, d)
}

func drain(s *Session) []Message {
	var out []Message
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		m, err := s.Next(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, m)
	}
}

func kinds(msgs []Message) []Kind {
	out := make([]Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

// mirror is a client-side copy of routes built only from hub messages.
type mirror map[string]model.Route

func (mr mirror) apply(t *testing.T, msgs []Message) {
	t.Helper()
	for _, m := range msgs {
		switch m.Kind {
		case KindSnapshot:
			mr[m.VehicleID] = m.Route.Clone()
		case KindDelta:
			r, ok := mr[m.VehicleID]
			require.True(t, ok, "delta before snapshot for %s", m.VehicleID)
			_, err := r.ApplyDelta(*m.Delta)
			require.NoError(t, err)
			mr[m.VehicleID] = r
		}
	}
}

func versions(msgs []Message, vid string) []int64 {
	var out []int64
	for _, m := range msgs {
		if (m.Kind == KindDelta || m.Kind == KindSnapshot) && m.VehicleID == vid {
			out = append(out, m.Version)
		}
	}
	return out
}

func attach(t *testing.T, h *Hub, id Identity) *Session {
	t.Helper()
	s, err := h.Attach(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestDriverAttachReceivesHelloAndSnapshot(t *testing.T) {
	st, h := newHub(t, 0, nil)
	r := seedRoute(t, st, "v1", "a", "b")

	s := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	msgs := drain(s)
	require.Equal(t, []Kind{KindHello, KindSnapshot}, kinds(msgs))
	assert.Equal(t, s.ResumeKey, msgs[0].ResumeKey)
	assert.Equal(t, r.Version, msgs[1].Version)
	assert.Len(t, msgs[1].Route.Stops, 2)
	assert.Equal(t, StateConnected, s.State())
}

func TestAttachRejectsUnknownRoleAndDriverWithoutVehicle(t *testing.T) {
	_, h := newHub(t, 0, nil)
	_, err := h.Attach(context.Background(), Identity{Role: "admin"})
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = h.Attach(context.Background(), Identity{Role: RoleDriver})
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestCapabilitiesAreEnforced(t *testing.T) {
	st, h := newHub(t, 0, nil)
	seedRoute(t, st, "v1", "a")
	seedRoute(t, st, "v2", "b")
	ctx := context.Background()

	obs := attach(t, h, Identity{Role: RoleObserver})
	err := h.Handle(ctx, obs, Message{Kind: KindStatusReport, VehicleID: "v1", StopID: "a", Status: model.StopEnRoute, Version: 1})
	assert.True(t, errors.Is(err, ErrForbidden))
	msgs := drain(obs)
	require.Equal(t, KindError, msgs[len(msgs)-1].Kind)
	assert.Equal(t, "forbidden", msgs[len(msgs)-1].Error.Code)

	drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	err = h.Handle(ctx, drv, Message{Kind: KindStatusReport, VehicleID: "v2", StopID: "b", Status: model.StopEnRoute, Version: 1})
	assert.True(t, errors.Is(err, ErrForbidden))
	err = h.Handle(ctx, drv, Message{Kind: KindSubscribe, All: true})
	assert.True(t, errors.Is(err, ErrForbidden))

	err = h.Handle(ctx, drv, Message{Kind: KindSnapshot})
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	disp := attach(t, h, Identity{Role: RoleDispatcher})
	err = h.Handle(ctx, disp, Message{Kind: KindStatusReport, VehicleID: "v2", StopID: "b", Status: model.StopCancelled, Version: 1})
	assert.NoError(t, err)
}

func TestInvalidTransitionIsReportedAndVersionUnchanged(t *testing.T) {
	st, h := newHub(t, 0, nil)
	r := seedRoute(t, st, "v1", "a")
	drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	drain(drv)

	err := h.Handle(context.Background(), drv, Message{Kind: KindStatusReport, StopID: "a", Status: model.StopArrived, Version: r.Version})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))
	msgs := drain(drv)
	require.Equal(t, []Kind{KindError}, kinds(msgs))
	assert.Equal(t, "invalid_transition", msgs[0].Error.Code)
	assert.Equal(t, "a", msgs[0].Error.StopID)

	got, _ := st.Snapshot("v1")
	assert.Equal(t, r.Version, got.Version)
}

func TestStaleStatusReportCarriesVersions(t *testing.T) {
	st, h := newHub(t, 0, nil)
	r := seedRoute(t, st, "v1", "a")
	_, _, err := st.Apply(context.Background(), "v1", store.StopStatus(r.Version, "a", model.StopEnRoute, base))
	require.NoError(t, err)

	drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	drain(drv)
	err = h.Handle(context.Background(), drv, Message{Kind: KindStatusReport, StopID: "a", Status: model.StopFailed, Version: r.Version})
	assert.True(t, errors.Is(err, store.ErrStaleVersion))
	msgs := drain(drv)
	require.Len(t, msgs, 1)
	assert.Equal(t, "stale_version", msgs[0].Error.Code)
	assert.Equal(t, r.Version, msgs[0].Error.Expected)
	assert.Equal(t, r.Version+1, msgs[0].Error.Current)
}

func TestLocationReportIsAckedAndFannedOut(t *testing.T) {
	st, h := newHub(t, 0, nil)
	seedRoute(t, st, "v1", "a")
	drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	disp := attach(t, h, Identity{Role: RoleDispatcher})
	require.NoError(t, h.Handle(context.Background(), disp, Message{Kind: KindSubscribe, Vehicles: []string{"v1"}}))
	drain(drv)
	drain(disp)

	loc := &model.LocationEvent{VehicleID: "v1", At: base, Position: model.GeoPoint{Lat: 40.1, Lng: -74}}
	require.NoError(t, h.Handle(context.Background(), drv, Message{Kind: KindLocationReport, Location: loc}))
	msgs := drain(drv)
	require.Equal(t, []Kind{KindDelta, KindAck}, kinds(msgs))
	assert.Equal(t, int64(2), msgs[1].Version)
	assert.Equal(t, []Kind{KindDelta}, kinds(drain(disp)))

	// replaying the same report changes nothing
	require.NoError(t, h.Handle(context.Background(), drv, Message{Kind: KindLocationReport, Location: loc}))
	msgs = drain(drv)
	require.Equal(t, []Kind{KindAck}, kinds(msgs))
	assert.Equal(t, int64(2), msgs[0].Version)
	assert.Empty(t, drain(disp))
}

func TestLocationReportWithStatus(t *testing.T) {
	st, h := newHub(t, 0, nil)
	r := seedRoute(t, st, "v1", "a")
	drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	drain(drv)

	loc := &model.LocationEvent{At: base, Position: model.GeoPoint{Lat: 40.1, Lng: -74}, StopID: "a", Status: model.StopEnRoute}
	require.NoError(t, h.Handle(context.Background(), drv, Message{Kind: KindLocationReport, Location: loc, Version: r.Version}))
	got, _ := st.Snapshot("v1")
	assert.Equal(t, model.StopEnRoute, got.Stops[0].Status)
	assert.Equal(t, model.RouteActive, got.Status)
}

func TestOlderLocationReportIsDiscardedWithItsStatus(t *testing.T) {
	st, h := newHub(t, 0, nil)
	seedRoute(t, st, "v1", "a")
	drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	drain(drv)

	newer := &model.LocationEvent{At: base.Add(10 * time.Second), Position: model.GeoPoint{Lat: 40.1, Lng: -74}}
	require.NoError(t, h.Handle(context.Background(), drv, Message{Kind: KindLocationReport, Location: newer}))
	before, err := st.Snapshot("v1")
	require.NoError(t, err)
	drain(drv)

	older := &model.LocationEvent{At: base.Add(5 * time.Second), Position: model.GeoPoint{Lat: 40.2, Lng: -74}, StopID: "a", Status: model.StopEnRoute}
	require.NoError(t, h.Handle(context.Background(), drv, Message{Kind: KindLocationReport, Location: older, Version: before.Version}))

	msgs := drain(drv)
	require.Equal(t, []Kind{KindAck}, kinds(msgs))
	assert.Equal(t, before.Version, msgs[0].Version)
	after, err := st.Snapshot("v1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, model.StopAssigned, after.Stops[0].Status)
	assert.Equal(t, before.Position, after.Position)
}

func TestPerVehicleOrderIsIdenticalAcrossSubscribers(t *testing.T) {
	st, h := newHub(t, 0, nil)
	for _, v := range []string{"v1", "v2", "v3"} {
		seedRoute(t, st, v, "s-"+v)
	}
	ctx := context.Background()
	all := attach(t, h, Identity{Role: RoleDispatcher})
	require.NoError(t, h.Handle(ctx, all, Message{Kind: KindSubscribe, All: true}))
	one := attach(t, h, Identity{Role: RoleObserver})
	require.NoError(t, h.Handle(ctx, one, Message{Kind: KindSubscribe, Vehicles: []string{"v1"}}))

	var wg sync.WaitGroup
	for _, v := range []string{"v1", "v2", "v3"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			for i := 1; i <= 40; i++ {
				move(t, st, v, i)
			}
		}(v)
	}
	wg.Wait()

	a, b := drain(all), drain(one)
	va, vb := versions(a, "v1"), versions(b, "v1")
	assert.Equal(t, va, vb)
	require.Len(t, va, 41)
	for i := 1; i < len(va); i++ {
		assert.Equal(t, va[i-1]+1, va[i])
	}

	ma, mb := mirror{}, mirror{}
	ma.apply(t, a)
	mb.apply(t, b)
	want, _ := st.Snapshot("v1")
	assert.Equal(t, want, ma["v1"])
	assert.Equal(t, want, mb["v1"])
	for _, v := range []string{"v2", "v3"} {
		want, _ := st.Snapshot(v)
		assert.Equal(t, want, ma[v])
	}
}

func TestReconnectWithinHistoryReplaysDeltas(t *testing.T) {
	st, h := newHub(t, 20, nil)
	seedRoute(t, st, "v1", "a")
	ctx := context.Background()

	steady := attach(t, h, Identity{Role: RoleObserver})
	require.NoError(t, h.Handle(ctx, steady, Message{Kind: KindSubscribe, Vehicles: []string{"v1"}}))
	flaky := attach(t, h, Identity{Role: RoleDispatcher})
	require.NoError(t, h.Handle(ctx, flaky, Message{Kind: KindSubscribe, Vehicles: []string{"v1"}}))

	steadyMsgs := drain(steady)
	flakyMirror := mirror{}
	flakyMirror.apply(t, drain(flaky))
	require.NoError(t, h.Handle(ctx, flaky, Message{Kind: KindAck, VehicleID: "v1", Version: 1}))
	assert.Equal(t, int64(1), flaky.Acked("v1"))

	h.Detach(flaky)
	_, err := flaky.Next(ctx)
	assert.ErrorIs(t, err, ErrConnectionLost)
	for i := 1; i <= 5; i++ {
		move(t, st, "v1", i)
	}

	resumed := attach(t, h, Identity{Role: RoleDispatcher, ResumeKey: flaky.ResumeKey})
	require.Same(t, flaky, resumed)
	msgs := drain(resumed)
	require.Equal(t, []Kind{KindHello, KindDelta, KindDelta, KindDelta, KindDelta, KindDelta}, kinds(msgs))
	assert.Equal(t, []int64{2, 3, 4, 5, 6}, versions(msgs, "v1"))
	flakyMirror.apply(t, msgs)

	move(t, st, "v1", 6)
	flakyMirror.apply(t, drain(resumed))
	steadyMsgs = append(steadyMsgs, drain(steady)...)
	steadyMirror := mirror{}
	steadyMirror.apply(t, steadyMsgs)

	want, _ := st.Snapshot("v1")
	assert.Equal(t, want, flakyMirror["v1"])
	assert.Equal(t, steadyMirror["v1"], flakyMirror["v1"])
}

func TestReconnectBeyondHistoryGetsSnapshot(t *testing.T) {
	st, h := newHub(t, 20, nil)
	seedRoute(t, st, "v1", "a")
	ctx := context.Background()

	s := attach(t, h, Identity{Role: RoleDispatcher})
	require.NoError(t, h.Handle(ctx, s, Message{Kind: KindSubscribe, Vehicles: []string{"v1"}}))
	drain(s)
	require.NoError(t, h.Handle(ctx, s, Message{Kind: KindAck, VehicleID: "v1", Version: 1}))
	h.Detach(s)

	for i := 1; i <= 50; i++ {
		move(t, st, "v1", i)
	}
	s = attach(t, h, Identity{Role: RoleDispatcher, ResumeKey: s.ResumeKey})
	msgs := drain(s)
	require.Equal(t, []Kind{KindHello, KindSnapshot}, kinds(msgs))
	assert.Equal(t, int64(51), msgs[1].Version)

	want, _ := st.Snapshot("v1")
	assert.Equal(t, want, *msgs[1].Route)
}

func TestClientSuppliedVersionOverridesAck(t *testing.T) {
	st, h := newHub(t, 20, nil)
	seedRoute(t, st, "v1", "a")
	for i := 1; i <= 3; i++ {
		move(t, st, "v1", i)
	}
	s := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1", Since: map[string]int64{"v1": 2}})
	msgs := drain(s)
	assert.Equal(t, []int64{3, 4}, versions(msgs, "v1"))
	assert.Equal(t, KindDelta, msgs[1].Kind)
}

func TestSlowSubscriberIsDemotedToSnapshot(t *testing.T) {
	st, h := newHub(t, 0, func(o *Options) { o.LagThreshold = 10 })
	seedRoute(t, st, "v1", "a")
	seedRoute(t, st, "v2", "b")
	ctx := context.Background()

	s := attach(t, h, Identity{Role: RoleDispatcher})
	require.NoError(t, h.Handle(ctx, s, Message{Kind: KindSubscribe, Vehicles: []string{"v1", "v2"}}))
	for i := 1; i <= 5; i++ {
		move(t, st, "v2", i)
	}
	for i := 1; i <= 30; i++ {
		move(t, st, "v1", i)
		assert.LessOrEqual(t, s.Pending(), 12)
	}
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.resync) == 0
	}, time.Second, 5*time.Millisecond)

	msgs := drain(s)
	assert.LessOrEqual(t, len(msgs), 12)
	mr := mirror{}
	mr.apply(t, msgs)
	for _, v := range []string{"v1", "v2"} {
		want, _ := st.Snapshot(v)
		assert.Equal(t, want, mr[v], v)
	}

	// live delivery resumes with plain deltas
	move(t, st, "v1", 31)
	assert.Equal(t, []Kind{KindDelta}, kinds(drain(s)))
}

func TestControlMessagesStayWithinLagThreshold(t *testing.T) {
	_, h := newHub(t, 0, func(o *Options) { o.LagThreshold = 3 })
	obs := attach(t, h, Identity{Role: RoleObserver})
	for i := 0; i < 5; i++ {
		assert.Error(t, h.Handle(context.Background(), obs, Message{Kind: KindLocationReport}))
	}
	assert.Equal(t, 3, obs.Pending())
	msgs := drain(obs)
	assert.Equal(t, []Kind{KindHello, KindError, KindError}, kinds(msgs))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	st, h := newHub(t, 0, nil)
	seedRoute(t, st, "v1", "a")
	ctx := context.Background()
	s := attach(t, h, Identity{Role: RoleObserver})
	require.NoError(t, h.Handle(ctx, s, Message{Kind: KindSubscribe, Vehicles: []string{"v1"}}))
	drain(s)
	require.NoError(t, h.Handle(ctx, s, Message{Kind: KindUnsubscribe, Vehicles: []string{"v1"}}))
	move(t, st, "v1", 1)
	assert.Empty(t, drain(s))
}

func TestSubscribeAllSeesNewVehicles(t *testing.T) {
	st, h := newHub(t, 0, nil)
	ctx := context.Background()
	s := attach(t, h, Identity{Role: RoleObserver})
	require.NoError(t, h.Handle(ctx, s, Message{Kind: KindSubscribe, All: true}))
	drain(s)

	seedRoute(t, st, "v9", "z")
	move(t, st, "v9", 1)
	msgs := drain(s)
	require.Equal(t, []Kind{KindSnapshot, KindDelta}, kinds(msgs))
	mr := mirror{}
	mr.apply(t, msgs)
	want, _ := st.Snapshot("v9")
	assert.Equal(t, want, mr["v9"])
}

func TestDriverLivenessAlerts(t *testing.T) {
	clk := &clock{now: base}
	var mu sync.Mutex
	var sunk []Alert
	st, h := newHub(t, 0, func(o *Options) {
		o.Now = clk.Now
		o.LivenessTimeout = 30 * time.Second
		o.DisconnectTimeout = 90 * time.Second
		o.GracePeriod = time.Minute
		o.AlertSink = func(a Alert) {
			mu.Lock()
			sunk = append(sunk, a)
			mu.Unlock()
		}
	})
	seedRoute(t, st, "v1", "a")
	drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	disp := attach(t, h, Identity{Role: RoleDispatcher})
	drain(drv)
	drain(disp)

	h.Sweep(clk.Advance(31 * time.Second))
	assert.Equal(t, StateStale, drv.State())
	msgs := drain(disp)
	require.Equal(t, []Kind{KindAlert}, kinds(msgs))
	assert.Equal(t, AlertStale, msgs[0].Alert.State)
	assert.Equal(t, "v1", msgs[0].VehicleID)

	// any inbound activity brings the driver back
	require.NoError(t, h.Handle(context.Background(), drv, Message{Kind: KindAck, VehicleID: "v1", Version: 1}))
	assert.Equal(t, StateConnected, drv.State())
	msgs = drain(disp)
	require.Len(t, msgs, 1)
	assert.Equal(t, AlertRecovered, msgs[0].Alert.State)

	h.Detach(drv)
	h.Sweep(clk.Advance(31 * time.Second))
	assert.Equal(t, StateStale, drv.State())
	h.Sweep(clk.Advance(60 * time.Second))
	assert.Equal(t, StateDisconnected, drv.State())

	mu.Lock()
	var states []AlertState
	for _, a := range sunk {
		states = append(states, a.State)
	}
	mu.Unlock()
	assert.Equal(t, []AlertState{AlertStale, AlertRecovered, AlertStale, AlertDisconnected}, states)

	// detached past the grace period and disconnected: gone
	assert.Nil(t, h.Session(drv.ID))
	assert.NotNil(t, h.Session(disp.ID))
}

func TestReconnectAfterDisconnectRaisesRecovered(t *testing.T) {
	for _, resume := range []bool{true, false} {
		t.Run(fmt.Sprintf("resume=%v", resume), func(t *testing.T) {
			clk := &clock{now: base}
			var mu sync.Mutex
			var sunk []AlertState
			st, h := newHub(t, 0, func(o *Options) {
				o.Now = clk.Now
				o.LivenessTimeout = 30 * time.Second
				o.DisconnectTimeout = 90 * time.Second
				o.GracePeriod = 10 * time.Minute
				o.AlertSink = func(a Alert) {
					mu.Lock()
					sunk = append(sunk, a.State)
					mu.Unlock()
				}
			})
			seedRoute(t, st, "v1", "a")
			drv := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
			disp := attach(t, h, Identity{Role: RoleDispatcher})
			h.Detach(drv)
			h.Sweep(clk.Advance(91 * time.Second))
			require.Equal(t, StateDisconnected, drv.State())
			drain(disp)

			id := Identity{Role: RoleDriver, VehicleID: "v1"}
			if resume {
				id.ResumeKey = drv.ResumeKey
			}
			again := attach(t, h, id)
			assert.Equal(t, resume, again.ID == drv.ID)
			assert.Equal(t, StateConnected, again.State())

			msgs := drain(disp)
			require.Equal(t, []Kind{KindAlert}, kinds(msgs))
			assert.Equal(t, AlertRecovered, msgs[0].Alert.State)
			mu.Lock()
			assert.Equal(t, []AlertState{AlertDisconnected, AlertRecovered}, sunk)
			mu.Unlock()

			// a later plain reconnect has nothing to recover from
			h.Detach(again)
			attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
			assert.Empty(t, drain(disp))
		})
	}
}

func TestDetachedObserverExpiresAfterGrace(t *testing.T) {
	clk := &clock{now: base}
	_, h := newHub(t, 0, func(o *Options) {
		o.Now = clk.Now
		o.GracePeriod = time.Minute
	})
	s := attach(t, h, Identity{Role: RoleObserver})
	h.Detach(s)
	h.Sweep(clk.Advance(30 * time.Second))
	assert.NotNil(t, h.Session(s.ID))
	h.Sweep(clk.Advance(31 * time.Second))
	assert.Nil(t, h.Session(s.ID))

	again, err := h.Attach(context.Background(), Identity{Role: RoleObserver, ResumeKey: s.ResumeKey})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, again.ID)
}

func TestNewDriverSessionReplacesOld(t *testing.T) {
	st, h := newHub(t, 0, nil)
	seedRoute(t, st, "v1", "a")
	old := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	fresh := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	assert.Nil(t, h.Session(old.ID))
	_, err := old.Next(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
	drain(fresh)
	move(t, st, "v1", 1)
	assert.Equal(t, []Kind{KindDelta}, kinds(drain(fresh)))
}

func TestInboundRateLimit(t *testing.T) {
	st, h := newHub(t, 0, func(o *Options) { o.RateLimit = 0.001; o.RateBurst = 2 })
	seedRoute(t, st, "v1", "a")
	s := attach(t, h, Identity{Role: RoleDriver, VehicleID: "v1"})
	ack := Message{Kind: KindAck, VehicleID: "v1", Version: 1}
	require.NoError(t, h.Handle(context.Background(), s, ack))
	require.NoError(t, h.Handle(context.Background(), s, ack))
	assert.ErrorIs(t, h.Handle(context.Background(), s, ack), ErrRateLimited)
}

func TestRelayMirrorsDeltas(t *testing.T) {
	relay := NewMemoryRelay()
	st, _ := newHub(t, 0, func(o *Options) { o.Relay = relay })
	ch := relay.Subscribe("v1")
	defer relay.Unsubscribe("v1", ch)

	seedRoute(t, st, "v1", "a")
	select {
	case evt := <-ch:
		assert.Equal(t, "route.delta", evt.Type)
		assert.Equal(t, int64(1), evt.Version)
	case <-time.After(time.Second):
		t.Fatal("no relay event")
	}
}

func TestMessageValidate(t *testing.T) {
	cases := []struct {
		m  Message
		ok bool
	}{
		{Message{Kind: KindAck, VehicleID: "v1", Version: 3}, true},
		{Message{Kind: KindAck}, false},
		{Message{Kind: KindStatusReport, StopID: "a", Status: model.StopArrived}, true},
		{Message{Kind: KindStatusReport, StopID: "a", Status: "landed"}, false},
		{Message{Kind: KindLocationReport}, false},
		{Message{Kind: KindLocationReport, Location: &model.LocationEvent{Status: model.StopArrived}}, false},
		{Message{Kind: KindSubscribe}, false},
		{Message{Kind: KindSubscribe, All: true}, true},
		{Message{Kind: KindDelta}, false},
		{Message{Kind: "bogus"}, false},
	}
	for i, c := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			err := c.m.Validate()
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			}
		})
	}
}

func TestCapabilitySets(t *testing.T) {
	assert.True(t, CapabilitiesFor(RoleDriver).Has(CapReportLocation))
	assert.False(t, CapabilitiesFor(RoleDriver).Has(CapSubscribe))
	assert.True(t, CapabilitiesFor(RoleDispatcher).Has(CapReportStatus|CapSubscribe))
	assert.False(t, CapabilitiesFor(RoleObserver).Has(CapReportStatus))
	assert.Equal(t, Capability(0), CapabilitiesFor("guest"))
}
