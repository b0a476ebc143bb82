// Package opt assigns pending stops to vehicles and orders each vehicle's
// stops. It runs a greedy cheapest-insertion construction followed by
// bounded 2-opt / or-opt improvement inside a wall-clock budget.
package opt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"routedispatch/internal/geo"
	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

// Reason explains why a stop was left unassigned.
type Reason string

const (
	ReasonCapacity       Reason = "capacity"
	ReasonTimeWindow     Reason = "time_window"
	ReasonMaxDuration    Reason = "max_duration"
	ReasonNoVehicles     Reason = "no_vehicles"
	ReasonInvalidDemand  Reason = "invalid_demand"
	ReasonBudgetExceeded Reason = "budget_exceeded"
)

var (
	// ErrInfeasibleAssignment marks a stop no vehicle can serve.
	ErrInfeasibleAssignment = errors.New("infeasible assignment")
	ErrInvalidProblem       = errors.New("invalid problem")
)

type Config struct {
	// Budget is the wall-clock limit of one run.
	Budget time.Duration `yaml:"budget"`
	// SpeedKph and DetourFactor feed the geo cost model.
	SpeedKph     float64 `yaml:"speed_kph"`
	DetourFactor float64 `yaml:"detour_factor"`
	// MaxRouteDuration caps the time from now until the last departure. Zero disables it.
	MaxRouteDuration time.Duration `yaml:"max_route_duration"`
	// CandidateVehicles limits insertion to the K nearest vehicles when the
	// fleet is larger. Zero evaluates every vehicle.
	CandidateVehicles int `yaml:"candidate_vehicles"`
	// MaxSegment is the longest segment or-opt relocates.
	MaxSegment int `yaml:"max_segment"`
}

func DefaultConfig() Config {
	return Config{
		Budget:            2 * time.Second,
		SpeedKph:          geo.DefaultSpeedKph,
		DetourFactor:      geo.DefaultDetourFactor,
		CandidateVehicles: 8,
		MaxSegment:        3,
	}
}

// Problem is one optimization request.
//
// Routes holds the current route of each vehicle. Stops that are en route or
// arrived stay pinned at the head of their route. In full mode every
// pending/assigned stop is re-planned; in incremental mode only vehicles
// listed in Dirty or receiving a new stop are touched.
type Problem struct {
	Stops       []model.Stop
	Vehicles    []model.Vehicle
	Routes      map[string]model.Route
	Incremental bool
	Dirty       []string
	Now         time.Time
	// Budget overrides Config.Budget when positive.
	Budget time.Duration
}

type Plan struct {
	VehicleID   string            `json:"vehicleId"`
	Stops       []model.RouteStop `json:"stops"`
	Load        int               `json:"load"`
	DistanceM   float64           `json:"distanceM"`
	DurationSec float64           `json:"durationSec"`
	Feasible    bool              `json:"feasible"`
	// BaseVersion is the route version the plan was computed against.
	BaseVersion int64 `json:"baseVersion"`
}

type Unassigned struct {
	StopID string `json:"stopId"`
	Reason Reason `json:"reason"`
}

func (u Unassigned) Err() error {
	return fmt.Errorf("%w: stop %s: %s", ErrInfeasibleAssignment, u.StopID, u.Reason)
}

// Result of one run. BudgetExceeded is a flag: the plans are still the
// best feasible assignment found before the deadline.
type Result struct {
	Plans          map[string]Plan `json:"plans"`
	Unassigned     []Unassigned    `json:"unassigned"`
	BudgetExceeded bool            `json:"budgetExceeded"`
	Incremental    bool            `json:"incremental"`
	Elapsed        time.Duration   `json:"elapsed"`
	Moves          int             `json:"moves"`
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	cfg    Config
	cost   geo.CostModel
	tracer trace.Tracer
	runs   *RunLog
}

func New(cfg Config) *Optimizer {
	def := DefaultConfig()
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.SpeedKph <= 0 {
		cfg.SpeedKph = def.SpeedKph
	}
	if cfg.DetourFactor <= 0 {
		cfg.DetourFactor = def.DetourFactor
	}
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = def.MaxSegment
	}
	return &Optimizer{
		cfg:    cfg,
		cost:   geo.CostModel{SpeedKph: cfg.SpeedKph, DetourFactor: cfg.DetourFactor},
		tracer: otel.Tracer("routedispatch/opt"),
		runs:   NewRunLog(64),
	}
}

func (o *Optimizer) Config() Config { return o.cfg }

// CostModel returns the geo model the optimizer plans with.
func (o *Optimizer) CostModel() geo.CostModel { return o.cost }

// Runs returns the recent run log.
func (o *Optimizer) Runs() *RunLog { return o.runs }

// Optimize plans p. The only errors are an invalid problem and ctx
// cancellation; infeasible stops are reported in Result.Unassigned.
func (o *Optimizer) Optimize(ctx context.Context, p Problem) (Result, error) {
	mode := "full"
	if p.Incremental {
		mode = "incremental"
	}
	ctx, span := o.tracer.Start(ctx, "opt.Optimize", trace.WithAttributes(
		attribute.String("mode", mode),
		attribute.Int("stops", len(p.Stops)),
		attribute.Int("vehicles", len(p.Vehicles)),
	))
	defer span.End()

	start := time.Now()
	if p.Now.IsZero() {
		p.Now = start
	}
	budget := o.cfg.Budget
	if p.Budget > 0 {
		budget = p.Budget
	}

	e, err := newEngine(ctx, o.cfg, o.cost, p, start.Add(budget))
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	res := e.run()
	res.Elapsed = time.Since(start)

	metrics.OptimizeDuration.WithLabelValues(mode).Observe(res.Elapsed.Seconds())
	for _, u := range res.Unassigned {
		metrics.OptimizeUnassigned.WithLabelValues(string(u.Reason)).Inc()
	}
	if res.BudgetExceeded {
		metrics.OptimizeBudgetExceeded.Inc()
	}
	span.SetAttributes(
		attribute.Int("plans", len(res.Plans)),
		attribute.Int("unassigned", len(res.Unassigned)),
		attribute.Bool("budget_exceeded", res.BudgetExceeded),
	)
	o.runs.Record(RunStats{
		At:             start,
		Mode:           mode,
		Stops:          len(p.Stops),
		Vehicles:       len(p.Vehicles),
		Plans:          len(res.Plans),
		Unassigned:     len(res.Unassigned),
		Moves:          res.Moves,
		Elapsed:        res.Elapsed,
		BudgetExceeded: res.BudgetExceeded,
	})
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}
