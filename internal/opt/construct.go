package opt

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"routedispatch/internal/geo"
)

type insertion struct {
	pos    int
	cost   float64
	reason Reason
}

var reasonRank = map[Reason]int{
	"":                0,
	ReasonNoVehicles:  1,
	ReasonCapacity:    2,
	ReasonMaxDuration: 3,
	ReasonTimeWindow:  4,
}

// closer keeps the reason of the attempt that got furthest: a stop that fit
// by capacity but missed its window reports time_window.
func closer(a, b Reason) Reason {
	if reasonRank[b] > reasonRank[a] {
		return b
	}
	return a
}

// bestInsertion finds the cheapest feasible position for node k on vs.
// Cost is the added route distance.
func (e *engine) bestInsertion(vs *vehicleState, k int, buf []int) (insertion, []int) {
	ins := insertion{pos: -1, cost: math.Inf(1), reason: ReasonNoVehicles}
	if !vs.available {
		return ins, buf
	}
	if c := vs.v.Capacity; c > 0 && vs.load+e.nodes[k].stop.Demand > c {
		ins.reason = ReasonCapacity
		return ins, buf
	}
	for pos := 0; pos <= len(vs.tail); pos++ {
		buf = append(buf[:0], vs.tail[:pos]...)
		buf = append(buf, k)
		buf = append(buf, vs.tail[pos:]...)
		d, _, r := e.evaluate(vs, buf, nil)
		if r != "" {
			if ins.pos < 0 {
				ins.reason = closer(ins.reason, r)
			}
			continue
		}
		if c := d - vs.dist; c < ins.cost {
			ins.cost = c
			ins.pos = pos
			ins.reason = ""
		}
	}
	return ins, buf
}

type vehiclePointer struct {
	p   orb.Point
	idx int
}

func (v vehiclePointer) Point() orb.Point { return v.p }

// candidates returns, per pool entry, the vehicle indices to try first and
// whether that list already covers the whole available fleet.
func (e *engine) candidates() ([][]int, []bool) {
	avail := e.availableVehicles()
	cands := make([][]int, len(e.pool))
	full := make([]bool, len(e.pool))
	k := e.cfg.CandidateVehicles
	if k <= 0 || len(avail) <= k {
		for pi := range e.pool {
			cands[pi] = avail
			full[pi] = true
		}
		return cands, full
	}

	pts := make(orb.MultiPoint, 0, len(avail))
	for _, vi := range avail {
		pts = append(pts, geo.Point(e.vehicles[vi].pos))
	}
	qt := quadtree.New(pts.Bound().Pad(1e-6))
	for j, vi := range avail {
		_ = qt.Add(vehiclePointer{p: pts[j], idx: vi})
	}
	var buf []orb.Pointer
	for pi, ni := range e.pool {
		buf = qt.KNearest(buf[:0], geo.Point(e.nodes[ni].stop.Location), k)
		list := make([]int, 0, len(buf))
		for _, ptr := range buf {
			list = append(list, ptr.(vehiclePointer).idx)
		}
		sort.Ints(list)
		cands[pi] = list
	}
	return cands, full
}

// construct inserts pool stops one at a time, always taking the globally
// cheapest feasible (stop, vehicle, position). Scans run in stop-ID,
// vehicle-ID, position order with strict improvement, so ties resolve to
// the lowest IDs and the earliest position.
func (e *engine) construct() ([]Unassigned, bool) {
	if len(e.pool) == 0 {
		return nil, false
	}
	cands, full := e.candidates()
	cache := make([][]insertion, len(e.pool))
	var buf []int
	eval := func(pi int, vis []int) {
		if cache[pi] == nil {
			cache[pi] = make([]insertion, len(e.vehicles))
			for vi := range cache[pi] {
				cache[pi][vi] = insertion{pos: -1, reason: ReasonNoVehicles}
			}
		}
		for _, vi := range vis {
			cache[pi][vi], buf = e.bestInsertion(e.vehicles[vi], e.pool[pi], buf)
		}
	}
	for pi := range e.pool {
		eval(pi, cands[pi])
	}

	remaining := make([]int, len(e.pool))
	for pi := range remaining {
		remaining[pi] = pi
	}
	cut := false
	for len(remaining) > 0 {
		if e.expired() {
			cut = true
			break
		}
		bestR, bestV, bestC := -1, -1, math.Inf(1)
		for ri, pi := range remaining {
			for _, vi := range cands[pi] {
				if ins := cache[pi][vi]; ins.pos >= 0 && ins.cost < bestC {
					bestR, bestV, bestC = ri, vi, ins.cost
				}
			}
		}
		if bestR < 0 {
			// nothing fits the nearest vehicles; widen to the whole fleet once
			widened := false
			for _, pi := range remaining {
				if !full[pi] {
					full[pi] = true
					cands[pi] = e.availableVehicles()
					eval(pi, cands[pi])
					widened = true
				}
			}
			if widened {
				continue
			}
			break
		}

		pi := remaining[bestR]
		ni := e.pool[pi]
		vs := e.vehicles[bestV]
		pos := cache[pi][bestV].pos
		vs.tail = append(vs.tail[:pos], append([]int{ni}, vs.tail[pos:]...)...)
		vs.load += e.nodes[ni].stop.Demand
		vs.dist, _, _ = e.evaluate(vs, vs.tail, nil)
		vs.affected = true
		remaining = append(remaining[:bestR], remaining[bestR+1:]...)

		for _, pj := range remaining {
			if cache[pj] != nil && containsInt(cands[pj], bestV) {
				cache[pj][bestV], buf = e.bestInsertion(vs, e.pool[pj], buf)
			}
		}
	}

	if !cut && len(remaining) > 0 {
		kept := remaining[:0]
		for _, pi := range remaining {
			if e.expired() {
				cut = true
			}
			if cut || !e.repair(e.pool[pi]) {
				kept = append(kept, pi)
			}
		}
		remaining = kept
	}

	out := make([]Unassigned, 0, len(remaining))
	for _, pi := range remaining {
		reason := ReasonBudgetExceeded
		if !cut {
			reason = ReasonNoVehicles
			for _, ins := range cache[pi] {
				reason = closer(reason, ins.reason)
			}
		}
		out = append(out, Unassigned{StopID: e.nodes[e.pool[pi]].stop.ID, Reason: reason})
	}
	return out, cut
}

func (e *engine) availableVehicles() []int {
	var out []int
	for i, vs := range e.vehicles {
		if vs.available {
			out = append(out, i)
		}
	}
	return out
}

func containsInt(xs []int, x int) bool {
	i := sort.SearchInts(xs, x)
	return i < len(xs) && xs[i] == x
}

// repair makes room for node ni, left out by capacity, by moving one stop
// from a full vehicle to any other vehicle that can take it.
func (e *engine) repair(ni int) bool {
	need := e.nodes[ni].stop.Demand
	var buf []int
	for _, va := range e.vehicles {
		if !va.available || va.v.Capacity <= 0 {
			continue
		}
		for xi, x := range va.tail {
			dx := e.nodes[x].stop.Demand
			if va.load-dx+need > va.v.Capacity {
				continue
			}
			saved, savedLoad, savedDist := va.tail, va.load, va.dist
			va.tail = append(append([]int(nil), saved[:xi]...), saved[xi+1:]...)
			va.load -= dx
			va.dist, _, _ = e.evaluate(va, va.tail, nil)

			var ins insertion
			ins, buf = e.bestInsertion(va, ni, buf)
			if ins.pos >= 0 {
				for _, vb := range e.vehicles {
					if vb == va {
						continue
					}
					var insX insertion
					insX, buf = e.bestInsertion(vb, x, buf)
					if insX.pos < 0 {
						continue
					}
					va.tail = append(va.tail[:ins.pos], append([]int{ni}, va.tail[ins.pos:]...)...)
					va.load += need
					va.dist, _, _ = e.evaluate(va, va.tail, nil)
					vb.tail = append(vb.tail[:insX.pos], append([]int{x}, vb.tail[insX.pos:]...)...)
					vb.load += dx
					vb.dist, _, _ = e.evaluate(vb, vb.tail, nil)
					va.affected, vb.affected = true, true
					return true
				}
			}
			va.tail, va.load, va.dist = saved, savedLoad, savedDist
		}
	}
	return false
}
