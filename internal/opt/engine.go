package opt

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"routedispatch/internal/geo"
	"routedispatch/internal/model"
)

type node struct {
	stop   model.Stop
	early  float64 // seconds from now, -Inf when open
	late   float64 // seconds from now, +Inf when open
	locked bool
}

type vehicleState struct {
	v         model.Vehicle
	start     int // matrix index of the start position
	pos       model.GeoPoint
	fixed     []int
	tail      []int
	load      int
	dist      float64
	base      int64
	available bool
	affected  bool
	hadRoute  bool
}

type engine struct {
	ctx      context.Context
	cfg      Config
	cost     geo.CostModel
	now      time.Time
	deadline time.Time
	mode     bool // incremental

	nodes    []node
	m        *geo.Matrix
	vehicles []*vehicleState
	pool     []int
	invalid  []Unassigned
}

func newEngine(ctx context.Context, cfg Config, cost geo.CostModel, p Problem, deadline time.Time) (*engine, error) {
	e := &engine{ctx: ctx, cfg: cfg, cost: cost, now: p.Now, deadline: deadline, mode: p.Incremental}

	vehicles := append([]model.Vehicle(nil), p.Vehicles...)
	sort.Slice(vehicles, func(i, j int) bool { return vehicles[i].ID < vehicles[j].ID })
	for i := 1; i < len(vehicles); i++ {
		if vehicles[i].ID == vehicles[i-1].ID {
			return nil, fmt.Errorf("%w: duplicate vehicle %s", ErrInvalidProblem, vehicles[i].ID)
		}
	}
	dirty := map[string]bool{}
	for _, id := range p.Dirty {
		dirty[id] = true
	}

	seen := map[string]bool{}
	add := func(s model.Stop, locked bool) int {
		e.nodes = append(e.nodes, e.newNode(s, locked))
		seen[s.ID] = true
		return len(e.nodes) - 1
	}

	var starts []model.GeoPoint
	for _, v := range vehicles {
		vs := &vehicleState{v: v, available: v.Available()}
		pos := v.Position
		if r, ok := p.Routes[v.ID]; ok && !r.Status.Finished() {
			vs.hadRoute = true
			vs.base = r.Version
			if r.Position != nil {
				pos = *r.Position
			}
			release := !p.Incremental || !vs.available || dirty[v.ID]
			for _, rs := range r.Stops {
				if seen[rs.ID] {
					return nil, fmt.Errorf("%w: stop %s on more than one route", ErrInvalidProblem, rs.ID)
				}
				switch {
				case rs.Status.Locked():
					vs.fixed = append(vs.fixed, add(rs.Stop, true))
					vs.load += rs.Demand
				case rs.Status.Plannable():
					i := add(rs.Stop, false)
					if release {
						e.pool = append(e.pool, i)
					} else {
						vs.tail = append(vs.tail, i)
						vs.load += rs.Demand
					}
				}
			}
			if release {
				vs.affected = true
			}
		} else if r, ok := p.Routes[v.ID]; ok {
			vs.base = r.Version
		}
		vs.pos = pos
		starts = append(starts, pos)
		e.vehicles = append(e.vehicles, vs)
	}

	for _, s := range p.Stops {
		if seen[s.ID] {
			continue
		}
		if s.Status.Terminal() {
			continue
		}
		if s.Demand < 0 {
			seen[s.ID] = true
			e.invalid = append(e.invalid, Unassigned{StopID: s.ID, Reason: ReasonInvalidDemand})
			continue
		}
		e.pool = append(e.pool, add(s, false))
	}
	sort.Slice(e.pool, func(i, j int) bool { return e.nodes[e.pool[i]].stop.ID < e.nodes[e.pool[j]].stop.ID })

	points := make([]model.GeoPoint, 0, len(e.nodes)+len(starts))
	for _, n := range e.nodes {
		points = append(points, n.stop.Location)
	}
	for i, p := range starts {
		e.vehicles[i].start = len(points)
		points = append(points, p)
	}
	e.m = cost.NewMatrix(points)
	for _, vs := range e.vehicles {
		vs.dist, _, _ = e.evaluate(vs, vs.tail, nil)
	}
	return e, nil
}

func (e *engine) newNode(s model.Stop, locked bool) node {
	n := node{stop: s, early: math.Inf(-1), late: math.Inf(1), locked: locked}
	if w := s.Window; w != nil {
		if !w.Earliest.IsZero() {
			n.early = w.Earliest.Sub(e.now).Seconds()
		}
		if !w.Latest.IsZero() {
			n.late = w.Latest.Sub(e.now).Seconds()
		}
	}
	return n
}

func (e *engine) expired() bool {
	return e.ctx.Err() != nil || time.Now().After(e.deadline)
}

// evaluate walks fixed+tail from the vehicle start and returns the route
// distance, the time of the last departure and the first violated
// constraint. Waiting for a window to open is allowed; arriving after it
// closes is not. Pinned stops are never rejected. When etas is non-nil it
// receives the service start of every stop.
func (e *engine) evaluate(vs *vehicleState, tail []int, etas []float64) (float64, float64, Reason) {
	t, dist := 0.0, 0.0
	cur := vs.start
	k := 0
	var reason Reason
	step := func(i int, check bool) {
		n := &e.nodes[i]
		dist += e.m.Distance(cur, i)
		t += e.m.Duration(cur, i)
		if t < n.early {
			t = n.early
		}
		if check && reason == "" && t > n.late+1e-9 {
			reason = ReasonTimeWindow
		}
		if etas != nil {
			etas[k] = t
		}
		k++
		t += float64(n.stop.ServiceSec)
		cur = i
	}
	for _, i := range vs.fixed {
		step(i, false)
	}
	for _, i := range tail {
		step(i, true)
	}
	if reason == "" && e.cfg.MaxRouteDuration > 0 && t > e.cfg.MaxRouteDuration.Seconds() && len(tail) > 0 {
		reason = ReasonMaxDuration
	}
	return dist, t, reason
}

func (e *engine) run() Result {
	res := Result{Plans: map[string]Plan{}, Incremental: e.mode}
	res.Unassigned = append(res.Unassigned, e.invalid...)

	un, cut := e.construct()
	res.Unassigned = append(res.Unassigned, un...)
	res.BudgetExceeded = cut

	moves, cut := e.improve()
	res.Moves = moves
	res.BudgetExceeded = res.BudgetExceeded || cut

	for _, vs := range e.vehicles {
		if e.mode && !vs.affected {
			continue
		}
		if !vs.available && !vs.hadRoute {
			continue
		}
		res.Plans[vs.v.ID] = e.plan(vs)
	}
	sort.Slice(res.Unassigned, func(i, j int) bool { return res.Unassigned[i].StopID < res.Unassigned[j].StopID })
	return res
}

func (e *engine) plan(vs *vehicleState) Plan {
	seq := append(append([]int(nil), vs.fixed...), vs.tail...)
	etas := make([]float64, len(seq))
	dist, end, reason := e.evaluate(vs, vs.tail, etas)
	out := Plan{
		VehicleID:   vs.v.ID,
		Stops:       make([]model.RouteStop, len(seq)),
		Load:        vs.load,
		DistanceM:   dist,
		DurationSec: end,
		Feasible:    reason == "",
		BaseVersion: vs.base,
	}
	for k, i := range seq {
		s := e.nodes[i].stop
		if !e.nodes[i].locked {
			s.Status = model.StopAssigned
		}
		out.Stops[k] = model.RouteStop{Stop: s, ETA: e.now.Add(time.Duration(etas[k] * float64(time.Second)))}
	}
	return out
}
