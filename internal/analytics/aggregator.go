package analytics

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

type EventKind string

const (
	StopCompleted EventKind = "stop_completed"
	StopFailed    EventKind = "stop_failed"
	RouteFinished EventKind = "route_finished"
)

// Event is one terminal stop or route outcome.
type Event struct {
	Kind      EventKind
	VehicleID string
	StopID    string
	At        time.Time
	OnTime    bool

	// route outcomes; a zero actual duration means the route never started
	EstDurationSec    float64
	ActualDurationSec float64
	EstDistanceM      float64
	ActualDistanceM   float64
}

type Options struct {
	Period    time.Duration `yaml:"period"`
	Retention int           `yaml:"retention"` // buckets kept
	// GaugeWindow is the window exported as prometheus gauges.
	GaugeWindow time.Duration `yaml:"gauge_window"`

	Now func() time.Time `yaml:"-"`
	Log zerolog.Logger   `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{Period: time.Minute, Retention: 24 * 60, GaugeWindow: time.Hour}
}

type bucket struct {
	idx       int64 // period number since the epoch; 0 = unused
	completed int64
	onTime    int64
	failed    int64
	routes    int64
	durN      int64
	devSum    float64
	devSq     float64
	estDist   float64
	actDist   float64
}

// Aggregator keeps pre-aggregated counters per period in a fixed ring, so a
// snapshot costs one pass over the ring however much history went in.
type Aggregator struct {
	opts Options

	mu   sync.Mutex
	ring []bucket

	latest atomic.Pointer[model.MetricSnapshot]
}

func New(opts Options) *Aggregator {
	def := DefaultOptions()
	if opts.Period <= 0 {
		opts.Period = def.Period
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.GaugeWindow <= 0 {
		opts.GaugeWindow = def.GaugeWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{opts: opts, ring: make([]bucket, opts.Retention)}
}

func (a *Aggregator) period(t time.Time) int64 { return t.UnixNano()/int64(a.opts.Period) + 1 }

// Record adds one event. Events older than the retained range are dropped.
func (a *Aggregator) Record(e Event) {
	now := a.opts.Now()
	if e.At.IsZero() {
		e.At = now
	}
	idx := a.period(e.At)
	cur := a.period(now)
	if idx > cur {
		idx = cur
	}
	if idx <= cur-int64(a.opts.Retention) {
		a.opts.Log.Debug().Str("vehicle", e.VehicleID).Time("at", e.At).Msg("analytics event outside retention")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b := &a.ring[int(idx%int64(len(a.ring)))]
	if b.idx != idx {
		*b = bucket{idx: idx}
	}
	switch e.Kind {
	case StopCompleted:
		b.completed++
		if e.OnTime {
			b.onTime++
		}
	case StopFailed:
		b.failed++
	case RouteFinished:
		b.routes++
		if e.ActualDurationSec > 0 {
			dev := e.ActualDurationSec - e.EstDurationSec
			b.durN++
			b.devSum += dev
			b.devSq += dev * dev
		}
		if e.ActualDistanceM > 0 {
			b.estDist += e.EstDistanceM
			b.actDist += e.ActualDistanceM
		}
	}
}

// Observe derives events from a committed route delta.
func (a *Aggregator) Observe(d model.Delta, r model.Route) {
	for _, ev := range EventsFrom(d, r) {
		a.Record(ev)
	}
}

// EventsFrom lists the terminal outcomes carried by d. r is the route after
// d was applied. A stop without a time window counts as on time.
func EventsFrom(d model.Delta, r model.Route) []Event {
	var out []Event
	for _, ch := range d.StopChanges {
		switch ch.To {
		case model.StopCompleted:
			ev := Event{Kind: StopCompleted, VehicleID: d.VehicleID, StopID: ch.StopID, At: d.At, OnTime: true}
			if i := r.StopIndex(ch.StopID); i >= 0 {
				ev.OnTime = r.Stops[i].Window.Contains(d.At)
			}
			out = append(out, ev)
		case model.StopFailed, model.StopCancelled:
			out = append(out, Event{Kind: StopFailed, VehicleID: d.VehicleID, StopID: ch.StopID, At: d.At})
		}
	}
	if d.RouteStatus.Finished() {
		ev := Event{
			Kind:            RouteFinished,
			VehicleID:       d.VehicleID,
			At:              d.At,
			EstDurationSec:  r.EstDurationSec,
			EstDistanceM:    r.EstDistanceM,
			ActualDistanceM: r.TravelledM,
		}
		if !r.StartedAt.IsZero() {
			ev.EstDurationSec = r.BaselineDurationSec
			ev.EstDistanceM = r.BaselineDistanceM
			if r.FinishedAt.After(r.StartedAt) {
				ev.ActualDurationSec = r.FinishedAt.Sub(r.StartedAt).Seconds()
			}
		}
		out = append(out, ev)
	}
	return out
}

// Snapshot aggregates the trailing window ending now. The window is capped
// at the retained range. The result is also kept as Latest.
func (a *Aggregator) Snapshot(window time.Duration) model.MetricSnapshot {
	now := a.opts.Now()
	limit := time.Duration(a.opts.Retention) * a.opts.Period
	if window <= 0 || window > limit {
		window = limit
	}
	from := now.Add(-window)
	lo, hi := a.period(from), a.period(now)

	var sum bucket
	a.mu.Lock()
	for i := range a.ring {
		b := &a.ring[i]
		if b.idx == 0 || b.idx < lo || b.idx > hi {
			continue
		}
		sum.completed += b.completed
		sum.onTime += b.onTime
		sum.failed += b.failed
		sum.routes += b.routes
		sum.durN += b.durN
		sum.devSum += b.devSum
		sum.devSq += b.devSq
		sum.estDist += b.estDist
		sum.actDist += b.actDist
	}
	a.mu.Unlock()

	snap := model.MetricSnapshot{
		From:           from,
		To:             now,
		Completed:      sum.completed,
		OnTime:         sum.onTime,
		Failed:         sum.failed,
		RoutesFinished: sum.routes,
	}
	if sum.completed > 0 {
		snap.OnTimeRate = float64(sum.onTime) / float64(sum.completed)
	}
	if sum.durN > 0 {
		n := float64(sum.durN)
		mean := sum.devSum / n
		snap.MeanDurationDeviationSec = mean
		snap.DurationVarianceSec2 = math.Max(0, sum.devSq/n-mean*mean)
	}
	if sum.actDist > 0 {
		snap.DistanceEfficiency = sum.estDist / sum.actDist
	}
	a.latest.Store(&snap)
	return snap
}

// Latest returns the most recently computed snapshot. Snapshots are never
// modified once published; a newer one replaces the pointer.
func (a *Aggregator) Latest() (model.MetricSnapshot, bool) {
	p := a.latest.Load()
	if p == nil {
		return model.MetricSnapshot{}, false
	}
	return *p, true
}

// Export computes the gauge window and publishes it to prometheus.
func (a *Aggregator) Export() model.MetricSnapshot {
	s := a.Snapshot(a.opts.GaugeWindow)
	metrics.AnalyticsOnTimeRate.Set(s.OnTimeRate)
	metrics.AnalyticsDurationVariance.Set(s.DurationVarianceSec2)
	metrics.AnalyticsDistanceEfficiency.Set(s.DistanceEfficiency)
	metrics.AnalyticsCompleted.Set(float64(s.Completed))
	return s
}

// Run exports gauges once per period until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	t := time.NewTicker(a.opts.Period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Export()
		}
	}
}
