package integrations

import (
    "context"
    "fmt"
    "sort"
    "strings"
    "sync"
    "time"

    "routedispatch/internal/model"
)

// OrderSource is an external system that supplies delivery stops.
type OrderSource interface {
    Name() string
    FetchOrders(ctx context.Context, asOf time.Time) ([]model.Stop, error)
}

// FleetSource reports the vehicles available for planning.
type FleetSource interface {
    FetchFleet(ctx context.Context) ([]model.Vehicle, error)
}

// ReadModel combines an order source and a fleet source into the input the
// dispatcher polls. Terminal stops are filtered out.
type ReadModel struct {
    Orders OrderSource
    Fleet  FleetSource
}

func (r ReadModel) PendingStops(ctx context.Context, asOf time.Time) ([]model.Stop, error) {
    stops, err := r.Orders.FetchOrders(ctx, asOf)
    if err != nil { return nil, fmt.Errorf("%s: %w", r.Orders.Name(), err) }
    out := stops[:0]
    for _, s := range stops {
        if s.Status.Terminal() { continue }
        out = append(out, s)
    }
    return out, nil
}

func (r ReadModel) FleetStatus(ctx context.Context) ([]model.Vehicle, error) {
    return r.Fleet.FetchFleet(ctx)
}

// MapStatus maps a carrier status code onto a stop status. Unknown codes
// are treated as pending.
func MapStatus(code string) model.StopStatus {
    switch strings.ToUpper(strings.TrimSpace(code)) {
    case "DELIVERED", "COMPLETED", "DONE":
        return model.StopCompleted
    case "FAILED", "UNDELIVERABLE", "REFUSED":
        return model.StopFailed
    case "CANCELLED", "CANCELED", "VOID":
        return model.StopCancelled
    default:
        return model.StopPending
    }
}

// Static is an in-memory order and fleet source, used for the demo server
// and tests.
type Static struct {
    mu       sync.Mutex
    stops    map[string]model.Stop
    vehicles map[string]model.Vehicle
}

func NewStatic() *Static {
    return &Static{stops: map[string]model.Stop{}, vehicles: map[string]model.Vehicle{}}
}

func (s *Static) Name() string { return "static" }

func (s *Static) PutStops(stops ...model.Stop) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, st := range stops {
        if st.Status == "" { st.Status = model.StopPending }
        s.stops[st.ID] = st
    }
}

func (s *Static) PutVehicles(vs ...model.Vehicle) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, v := range vs { s.vehicles[v.ID] = v }
}

func (s *Static) FetchOrders(ctx context.Context, _ time.Time) ([]model.Stop, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]model.Stop, 0, len(s.stops))
    for _, st := range s.stops { out = append(out, st) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

func (s *Static) FetchFleet(ctx context.Context) ([]model.Vehicle, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]model.Vehicle, 0, len(s.vehicles))
    for _, v := range s.vehicles { out = append(out, v) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}

// ReadModel returns s as both sources.
func (s *Static) ReadModel() ReadModel { return ReadModel{Orders: s, Fleet: s} }
