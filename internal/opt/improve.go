package opt

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const epsilon = 1e-6

// improve runs local search on every vehicle touched by this run. Vehicles
// are independent so they run concurrently; each search is deterministic.
func (e *engine) improve() (int, bool) {
	var moves int64
	var cut atomic.Bool
	g, _ := errgroup.WithContext(e.ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, vs := range e.vehicles {
		if !vs.affected || !vs.available || len(vs.tail) < 2 {
			continue
		}
		vs := vs
		g.Go(func() error {
			n, c := e.improveVehicle(vs)
			atomic.AddInt64(&moves, int64(n))
			if c {
				cut.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(moves), cut.Load()
}

// improveVehicle alternates 2-opt and or-opt passes, taking the first
// improving feasible move each time, until neither improves or the budget
// runs out.
func (e *engine) improveVehicle(vs *vehicleState) (int, bool) {
	moves := 0
	buf := make([]int, len(vs.tail))
	for {
		if e.expired() {
			return moves, true
		}
		if e.twoOptPass(vs, buf) || e.orOptPass(vs, buf) {
			moves++
			continue
		}
		return moves, false
	}
}

// twoOptPass reverses tail[i..k] when that shortens the route.
func (e *engine) twoOptPass(vs *vehicleState, buf []int) bool {
	n := len(vs.tail)
	for i := 0; i < n-1; i++ {
		if e.expired() {
			return false
		}
		for k := i + 1; k < n; k++ {
			cand := twoOptSwap(buf, vs.tail, i, k)
			if e.accept(vs, cand) {
				return true
			}
		}
	}
	return false
}

// orOptPass relocates segments of 1..MaxSegment stops.
func (e *engine) orOptPass(vs *vehicleState, buf []int) bool {
	n := len(vs.tail)
	for l := 1; l <= e.cfg.MaxSegment && l < n; l++ {
		for i := 0; i+l <= n; i++ {
			if e.expired() {
				return false
			}
			for j := 0; j <= n-l; j++ {
				if j == i {
					continue
				}
				cand := relocate(buf, vs.tail, i, l, j)
				if e.accept(vs, cand) {
					return true
				}
			}
		}
	}
	return false
}

func (e *engine) accept(vs *vehicleState, cand []int) bool {
	d, _, r := e.evaluate(vs, cand, nil)
	if r != "" || d+epsilon >= vs.dist {
		return false
	}
	copy(vs.tail, cand)
	vs.dist = d
	return true
}

// twoOptSwap writes ord with ord[i..k] reversed into out.
func twoOptSwap(out, ord []int, i, k int) []int {
	out = out[:len(ord)]
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// relocate writes ord with the segment ord[i:i+l] moved so that it starts
// at index j of the result.
func relocate(out, ord []int, i, l, j int) []int {
	out = out[:0]
	rest := make([]int, 0, len(ord)-l)
	rest = append(rest, ord[:i]...)
	rest = append(rest, ord[i+l:]...)
	out = append(out, rest[:j]...)
	out = append(out, ord[i:i+l]...)
	out = append(out, rest[j:]...)
	return out
}
