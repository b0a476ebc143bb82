// Package dispatch ties the optimizer to the route store. It reads pending
// work from a ReadModel, plans it, commits plans with version checks and
// reacts to committed deltas and driver liveness alerts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"routedispatch/internal/hub"
	"routedispatch/internal/model"
	"routedispatch/internal/notify"
	"routedispatch/internal/opt"
	"routedispatch/internal/store"
)

// ErrSuperseded is returned by a run whose vehicles were claimed by a newer run.
var ErrSuperseded = errors.New("superseded by a newer run")

// ReadModel is the source of pending work and fleet state.
type ReadModel interface {
	PendingStops(ctx context.Context, asOf time.Time) ([]model.Stop, error)
	FleetStatus(ctx context.Context) ([]model.Vehicle, error)
}

// Observer consumes committed deltas, e.g. the analytics aggregator.
type Observer interface {
	Observe(d model.Delta, r model.Route)
}

type Options struct {
	PollInterval time.Duration
	// ApplyRetries bounds the incremental re-plans after a version conflict.
	ApplyRetries int
	// Budget of the incremental runs triggered by events. Zero uses the optimizer default.
	EventBudget time.Duration

	Log zerolog.Logger
	Now func() time.Time
}

type Service struct {
	opts     Options
	opt      *opt.Optimizer
	routes   store.Routes
	read     ReadModel
	observer Observer
	sink     notify.Sink

	triggers chan string

	mu         sync.Mutex
	seq        uint64
	claims     map[string]uint64 // vehicle -> newest run that claimed it
	runs       map[uint64]*claimed
	unassigned map[string]opt.Unassigned
	offline    map[string]bool
	statuses   map[string]model.RouteStatus
}

// New wires the service to the store. observer and sink may be nil; sink
// is called while a vehicle is locked and must not block (use notify.Queue).
func New(o *opt.Optimizer, routes store.Routes, read ReadModel, observer Observer, sink notify.Sink, opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.ApplyRetries <= 0 {
		opts.ApplyRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		opts:       opts,
		opt:        o,
		routes:     routes,
		read:       read,
		observer:   observer,
		sink:       sink,
		triggers:   make(chan string, 256),
		claims:     map[string]uint64{},
		runs:       map[uint64]*claimed{},
		unassigned: map[string]opt.Unassigned{},
		offline:    map[string]bool{},
		statuses:   map[string]model.RouteStatus{},
	}
	routes.Subscribe(s.onDelta)
	return s
}

// PlanFleet re-plans every vehicle against the pending stops.
func (s *Service) PlanFleet(ctx context.Context) (opt.Result, error) {
	stops, err := s.read.PendingStops(ctx, s.opts.Now())
	if err != nil {
		return opt.Result{}, fmt.Errorf("pending stops: %w", err)
	}
	return s.plan(ctx, stops, nil, false, 0)
}

// Reoptimize inserts newStops and re-plans the dirty vehicles, leaving the
// rest of the fleet untouched.
func (s *Service) Reoptimize(ctx context.Context, newStops []model.Stop, dirty []string) (opt.Result, error) {
	return s.plan(ctx, newStops, dirty, true, 0)
}

// plan runs once and then re-plans, one vehicle at a time, the plans that
// lost a version race.
func (s *Service) plan(ctx context.Context, stops []model.Stop, dirty []string, incremental bool, budget time.Duration) (opt.Result, error) {
	res, retry, err := s.run(ctx, stops, dirty, incremental, budget)
	if err != nil {
		return res, err
	}
	for _, vid := range retry {
		carry := s.orphans(res.Plans[vid])
		for attempt := 1; ; attempt++ {
			_, again, err := s.run(ctx, carry, []string{vid}, true, budget)
			if errors.Is(err, ErrSuperseded) {
				break
			}
			if err != nil {
				return res, err
			}
			if len(again) == 0 {
				break
			}
			if attempt >= s.opts.ApplyRetries {
				s.opts.Log.Warn().Str("vehicle", vid).Int("attempts", attempt).Msg("plan conflicts persist; giving up")
				break
			}
			carry = s.orphans(res.Plans[vid])
		}
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, stops []model.Stop, dirty []string, incremental bool, budget time.Duration) (opt.Result, []string, error) {
	fleet, err := s.fleet(ctx)
	if err != nil {
		return opt.Result{}, nil, err
	}
	scope := dirty
	if !incremental {
		scope = make([]string, len(fleet))
		for i, v := range fleet {
			scope[i] = v.ID
		}
	}
	ctx, seq, done := s.claim(ctx, scope)
	defer done()

	routes := map[string]model.Route{}
	for _, r := range s.routes.Routes() {
		routes[r.VehicleID] = r
	}
	res, err := s.opt.Optimize(ctx, opt.Problem{
		Stops:       stops,
		Vehicles:    fleet,
		Routes:      routes,
		Incremental: incremental,
		Dirty:       dirty,
		Now:         s.opts.Now(),
		Budget:      budget,
	})
	if err != nil {
		return res, nil, cause(ctx, err)
	}

	capacity := map[string]int{}
	for _, v := range fleet {
		capacity[v.ID] = v.Capacity
	}
	retry, dropped, err := s.apply(ctx, seq, res, capacity)
	if err != nil {
		return res, nil, err
	}
	for _, vid := range dropped {
		delete(res.Plans, vid)
	}
	s.recordUnassigned(res, incremental)
	return res, retry, nil
}

// cause maps a cancelled run context to ErrSuperseded when a newer run
// cancelled it.
func cause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		return ErrSuperseded
	}
	return err
}

func (s *Service) fleet(ctx context.Context) ([]model.Vehicle, error) {
	fleet, err := s.read.FleetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet status: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range fleet {
		if s.offline[fleet[i].ID] {
			fleet[i].Status = model.VehicleOffline
		}
	}
	return fleet, nil
}

type claimed struct {
	scope  []string
	cancel context.CancelCauseFunc
}

// claim registers a run over scope. Each vehicle belongs to the newest run
// that claimed it. An older run is cancelled only once every vehicle in its
// scope has been claimed again; until then it keeps planning and apply
// drops its plans for the vehicles it lost.
func (s *Service) claim(parent context.Context, scope []string) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	s.mu.Lock()
	s.seq++
	seq := s.seq
	touched := map[uint64]bool{}
	for _, vid := range scope {
		if old, ok := s.claims[vid]; ok {
			touched[old] = true
		}
		s.claims[vid] = seq
	}
	for old := range touched {
		if r := s.runs[old]; r != nil && s.supersededLocked(old, r.scope, true) {
			r.cancel(ErrSuperseded)
		}
	}
	s.runs[seq] = &claimed{scope: scope, cancel: cancel}
	s.mu.Unlock()
	return ctx, seq, func() {
		s.mu.Lock()
		delete(s.runs, seq)
		s.mu.Unlock()
		cancel(nil)
	}
}

func (s *Service) superseded(seq uint64, scope []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supersededLocked(seq, scope, false)
}

// supersededLocked reports whether a newer run claimed any vehicle of
// scope, or every one of them when all is set.
func (s *Service) supersededLocked(seq uint64, scope []string, all bool) bool {
	for _, vid := range scope {
		newer := s.claims[vid] > seq
		if newer != all {
			return newer
		}
	}
	return all && len(scope) > 0
}

// apply commits plans vehicle by vehicle. A plan that picks up a stop still
// held by another vehicle waits until that vehicle's plan has released it.
// It returns the vehicles whose route moved underneath the plan and those
// whose plan was dropped because a newer run claimed them.
func (s *Service) apply(ctx context.Context, seq uint64, res opt.Result, capacity map[string]int) (stale, dropped []string, err error) {
	ids := make([]string, 0, len(res.Plans))
	for vid := range res.Plans {
		ids = append(ids, vid)
	}
	sort.Strings(ids)

	pending := ids
	for len(pending) > 0 {
		var blocked []string
		for _, vid := range pending {
			if s.superseded(seq, []string{vid}) {
				s.opts.Log.Debug().Str("vehicle", vid).Uint64("run", seq).Msg("discarding superseded plan")
				dropped = append(dropped, vid)
				continue
			}
			p := res.Plans[vid]
			_, _, err := s.routes.Apply(ctx, vid, store.ReplaceSequence(p.BaseVersion, p.Stops, capacity[vid], p.DistanceM, p.DurationSec))
			var ce *store.ConflictError
			switch {
			case err == nil:
			case errors.As(err, &ce) && ce.Owner != "":
				blocked = append(blocked, vid)
			case errors.Is(err, store.ErrStaleVersion):
				stale = append(stale, vid)
			case ctx.Err() != nil:
				return stale, dropped, cause(ctx, err)
			default:
				return stale, dropped, fmt.Errorf("apply plan for %s: %w", vid, err)
			}
		}
		if len(blocked) == len(pending) {
			// nobody released anything this pass; re-plan them against fresh state
			stale = append(stale, blocked...)
			break
		}
		pending = blocked
	}
	return stale, dropped, nil
}

// orphans lists the stops of a rejected plan that no route holds yet.
func (s *Service) orphans(p opt.Plan) []model.Stop {
	var out []model.Stop
	for _, rs := range p.Stops {
		if rs.Status.Plannable() && s.routes.Owner(rs.ID) == "" {
			st := rs.Stop
			st.Status = model.StopPending
			out = append(out, st)
		}
	}
	return out
}

func (s *Service) recordUnassigned(res opt.Result, incremental bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !incremental {
		s.unassigned = map[string]opt.Unassigned{}
	}
	for _, p := range res.Plans {
		for _, rs := range p.Stops {
			delete(s.unassigned, rs.ID)
		}
	}
	for _, u := range res.Unassigned {
		s.unassigned[u.StopID] = u
	}
}

// Unassigned lists stops that need manual assignment.
func (s *Service) Unassigned() []opt.Unassigned {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]opt.Unassigned, 0, len(s.unassigned))
	for _, u := range s.unassigned {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StopID < out[j].StopID })
	return out
}

// onDelta runs under the vehicle's store lock: everything here is
// in-memory or hands off to a channel.
func (s *Service) onDelta(d model.Delta, r model.Route) {
	s.mu.Lock()
	before := s.statuses[d.VehicleID]
	s.statuses[d.VehicleID] = r.Status
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.Observe(d, r)
	}
	if s.sink != nil {
		for _, n := range notify.FromDelta(d, before) {
			if err := s.sink.Emit(context.Background(), n); err != nil {
				s.opts.Log.Error().Err(err).Str("vehicle", n.VehicleID).Str("stop", n.StopID).Msg("notify")
			}
		}
	}
	for _, ch := range d.StopChanges {
		if ch.To == model.StopFailed || ch.To == model.StopCancelled {
			if !r.Status.Finished() {
				s.trigger(d.VehicleID)
			}
			break
		}
	}
}

func (s *Service) trigger(vehicleID string) {
	select {
	case s.triggers <- vehicleID:
	default:
		s.opts.Log.Warn().Str("vehicle", vehicleID).Msg("re-plan trigger dropped; next poll catches up")
	}
}

// HandleAlert reacts to driver liveness. A disconnected driver's vehicle
// goes offline and its open stops move to other vehicles; a recovered
// driver makes the vehicle available again.
func (s *Service) HandleAlert(a hub.Alert) {
	if a.VehicleID == "" {
		return
	}
	s.mu.Lock()
	switch a.State {
	case hub.AlertDisconnected:
		s.offline[a.VehicleID] = true
	case hub.AlertRecovered:
		delete(s.offline, a.VehicleID)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if a.State == hub.AlertDisconnected {
		s.opts.Log.Warn().Str("vehicle", a.VehicleID).Msg("driver disconnected; reassigning open stops")
		s.trigger(a.VehicleID)
	}
}

// Offline reports whether the vehicle was taken out of planning by a
// disconnect alert.
func (s *Service) Offline(vehicleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline[vehicleID]
}

// Run plans the whole fleet once, then polls for new stops and serves
// event-driven re-plans until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.PlanFleet(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		if ctx.Err() != nil {
			return nil
		}
		s.opts.Log.Error().Err(err).Msg("initial fleet plan")
	}
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.poll(ctx); err != nil && ctx.Err() == nil {
				s.opts.Log.Error().Err(err).Msg("poll")
			}
		case vid := <-s.triggers:
			dirty := s.drain(vid)
			if _, err := s.plan(ctx, nil, dirty, true, s.opts.EventBudget); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
				s.opts.Log.Error().Err(err).Strs("vehicles", dirty).Msg("event re-plan")
			}
		}
	}
}

// drain collects queued triggers so a burst becomes one run.
func (s *Service) drain(first string) []string {
	set := map[string]bool{first: true}
	for {
		select {
		case vid := <-s.triggers:
			set[vid] = true
		default:
			out := make([]string, 0, len(set))
			for vid := range set {
				out = append(out, vid)
			}
			sort.Strings(out)
			return out
		}
	}
}

// poll inserts stops that appeared since the last plan.
func (s *Service) poll(ctx context.Context) error {
	stops, err := s.read.PendingStops(ctx, s.opts.Now())
	if err != nil {
		return fmt.Errorf("pending stops: %w", err)
	}
	var fresh []model.Stop
	for _, st := range stops {
		if s.routes.Owner(st.ID) == "" && !st.Status.Terminal() {
			fresh = append(fresh, st)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	_, err = s.Reoptimize(ctx, fresh, nil)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}
