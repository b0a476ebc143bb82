package store

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "routedispatch/internal/geo"
    "routedispatch/internal/metrics"
    "routedispatch/internal/model"
)

type Options struct {
    // HistoryLimit is the number of deltas retained per vehicle for replay.
    HistoryLimit int              `yaml:"history_limit"`
    // ArchiveLimit bounds the finished routes kept for reads.
    ArchiveLimit int              `yaml:"archive_limit"`
    // RetiredLimit bounds the stop IDs of finished routes that keep
    // reporting their last owner.
    RetiredLimit int              `yaml:"retired_limit"`
    Log          zerolog.Logger   `yaml:"-"`
    Now          func() time.Time `yaml:"-"`
}

// Memory keeps one shard per vehicle. Mutations of a vehicle are serialized
// by its shard lock; different vehicles never contend.
type Memory struct {
    opts Options

    mu     sync.RWMutex
    shards map[string]*shard

    ownersMu sync.Mutex
    owners   map[string]string // stopID -> vehicleID
    retired  map[string]string // stops of finished routes, oldest evicted first
    retiredQ []string

    lmu       sync.RWMutex
    listeners []Listener

    amu     sync.Mutex
    archive []model.Route
}

type shard struct {
    mu      sync.Mutex
    route   model.Route
    history []model.Delta // oldest first
}

func NewMemory(opts Options) *Memory {
    if opts.HistoryLimit <= 0 { opts.HistoryLimit = 256 }
    if opts.ArchiveLimit <= 0 { opts.ArchiveLimit = 256 }
    if opts.RetiredLimit <= 0 { opts.RetiredLimit = 64 * opts.ArchiveLimit }
    if opts.Now == nil { opts.Now = time.Now }
    return &Memory{opts: opts, shards: map[string]*shard{}, owners: map[string]string{}, retired: map[string]string{}}
}

func (m *Memory) HistoryLimit() int { return m.opts.HistoryLimit }

func (m *Memory) Subscribe(l Listener) {
    m.lmu.Lock()
    m.listeners = append(m.listeners, l)
    m.lmu.Unlock()
}

func (m *Memory) shard(vehicleID string, create bool) *shard {
    m.mu.RLock()
    s := m.shards[vehicleID]
    m.mu.RUnlock()
    if s != nil || !create { return s }
    m.mu.Lock()
    defer m.mu.Unlock()
    if s = m.shards[vehicleID]; s == nil {
        s = &shard{route: model.Route{VehicleID: vehicleID}}
        m.shards[vehicleID] = s
    }
    return s
}

// Apply validates m against the vehicle's current route, commits it and
// publishes the resulting delta. A mutation that changes nothing returns a
// nil delta and leaves the version untouched.
func (m *Memory) Apply(ctx context.Context, vehicleID string, mut Mutation) (model.Route, *model.Delta, error) {
    if err := ctx.Err(); err != nil { return model.Route{}, nil, err }
    s := m.shard(vehicleID, mut.Kind != MutStopStatus)
    if s == nil {
        metrics.StoreMutations.WithLabelValues(string(mut.Kind), "not_found").Inc()
        return model.Route{}, nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, vehicleID)
    }
    if mut.At.IsZero() { mut.At = m.opts.Now() }

    s.mu.Lock()
    defer s.mu.Unlock()

    var d *model.Delta
    var err error
    switch mut.Kind {
    case MutReplaceSequence:
        d, err = m.buildReplace(s.route, mut)
    case MutStopStatus:
        d, err = buildStatus(s.route, mut)
    case MutPosition:
        d = buildPosition(s.route, mut)
    default:
        err = fmt.Errorf("unknown mutation kind %q", mut.Kind)
    }
    if err != nil {
        metrics.StoreMutations.WithLabelValues(string(mut.Kind), resultLabel(err)).Inc()
        return s.route.Clone(), nil, err
    }
    if d == nil {
        metrics.StoreMutations.WithLabelValues(string(mut.Kind), "noop").Inc()
        return s.route.Clone(), nil, nil
    }

    tmp := s.route.Clone()
    if _, err := tmp.ApplyDelta(*d); err != nil {
        return s.route.Clone(), nil, err
    }
    if st := deriveStatus(tmp, d.Kind); st != tmp.Status {
        d.RouteStatus = st
    }
    nextRoute := s.route.Clone()
    if _, err := nextRoute.ApplyDelta(*d); err != nil {
        return s.route.Clone(), nil, err
    }
    if err := checkInvariants(nextRoute); err != nil {
        m.opts.Log.Error().Err(err).Str("vehicle", vehicleID).Msg("mutation rejected")
        metrics.StoreMutations.WithLabelValues(string(mut.Kind), "invariant").Inc()
        return s.route.Clone(), nil, err
    }
    if err := m.reown(vehicleID, s.route, nextRoute); err != nil {
        metrics.StoreMutations.WithLabelValues(string(mut.Kind), "stale").Inc()
        return s.route.Clone(), nil, err
    }

    s.route = nextRoute
    s.history = append(s.history, *d)
    if over := len(s.history) - m.opts.HistoryLimit; over > 0 {
        s.history = append([]model.Delta(nil), s.history[over:]...)
    }
    if d.RouteStatus.Finished() {
        m.archiveRoute(nextRoute)
        m.retire(nextRoute)
    }
    metrics.StoreMutations.WithLabelValues(string(mut.Kind), "applied").Inc()
    m.publish(*d, nextRoute)
    out := *d
    return nextRoute.Clone(), &out, nil
}

func resultLabel(err error) string {
    switch err.(type) {
    case *ConflictError:
        return "stale"
    case *TransitionError:
        return "invalid"
    }
    return "error"
}

func (m *Memory) publish(d model.Delta, r model.Route) {
    m.lmu.RLock()
    ls := m.listeners
    m.lmu.RUnlock()
    for _, l := range ls {
        func() {
            defer func() {
                if p := recover(); p != nil {
                    m.opts.Log.Error().Interface("panic", p).Str("vehicle", d.VehicleID).Int64("version", d.Version).Msg("route listener panicked")
                }
            }()
            l(d, r.Clone())
        }()
    }
}

// reown moves stop ownership from the old to the new route. A stop held by
// another vehicle cannot be claimed.
func (m *Memory) reown(vehicleID string, before, after model.Route) error {
    had := map[string]bool{}
    for _, s := range before.Stops { had[s.ID] = true }
    has := map[string]bool{}
    for _, s := range after.Stops { has[s.ID] = true }

    m.ownersMu.Lock()
    defer m.ownersMu.Unlock()
    for id := range has {
        if had[id] { continue }
        if o := m.ownerLocked(id); o != "" && o != vehicleID {
            return &ConflictError{VehicleID: vehicleID, StopID: id, Owner: o}
        }
    }
    for id := range had {
        if !has[id] && m.owners[id] == vehicleID { delete(m.owners, id) }
    }
    for id := range has {
        m.owners[id] = vehicleID
        delete(m.retired, id)
    }
    return nil
}

// retire moves the stops of a finished route out of the live owner map
// into the bounded retired set.
func (m *Memory) retire(r model.Route) {
    m.ownersMu.Lock()
    defer m.ownersMu.Unlock()
    for _, s := range r.Stops {
        if m.owners[s.ID] != r.VehicleID { continue }
        delete(m.owners, s.ID)
        if _, ok := m.retired[s.ID]; !ok { m.retiredQ = append(m.retiredQ, s.ID) }
        m.retired[s.ID] = r.VehicleID
    }
    over := len(m.retiredQ) - m.opts.RetiredLimit
    if over <= 0 { return }
    for _, id := range m.retiredQ[:over] {
        if _, live := m.owners[id]; !live { delete(m.retired, id) }
    }
    m.retiredQ = append([]string(nil), m.retiredQ[over:]...)
}

func (m *Memory) ownerLocked(stopID string) string {
    if o := m.owners[stopID]; o != "" { return o }
    return m.retired[stopID]
}

// Owner returns the vehicle whose route holds stopID, or "". Stops of
// finished routes report their vehicle until evicted from the retired set.
func (m *Memory) Owner(stopID string) string {
    m.ownersMu.Lock()
    defer m.ownersMu.Unlock()
    return m.ownerLocked(stopID)
}

// OwnedStops returns the number of stops held by unfinished routes.
func (m *Memory) OwnedStops() int {
    m.ownersMu.Lock()
    defer m.ownersMu.Unlock()
    return len(m.owners)
}

func (m *Memory) archiveRoute(r model.Route) {
    m.amu.Lock()
    defer m.amu.Unlock()
    m.archive = append(m.archive, r.Clone())
    if over := len(m.archive) - m.opts.ArchiveLimit; over > 0 {
        m.archive = append([]model.Route(nil), m.archive[over:]...)
    }
}

// Archived returns finished routes, oldest first.
func (m *Memory) Archived() []model.Route {
    m.amu.Lock()
    defer m.amu.Unlock()
    out := make([]model.Route, len(m.archive))
    for i, r := range m.archive { out[i] = r.Clone() }
    return out
}

func (m *Memory) Snapshot(vehicleID string) (model.Route, error) {
    s := m.shard(vehicleID, false)
    if s == nil { return model.Route{}, fmt.Errorf("%w: vehicle %s", ErrNotFound, vehicleID) }
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.route.Clone(), nil
}

// Routes returns a copy of every vehicle's route ordered by vehicle ID.
// Each route is internally consistent; vehicles are read one at a time.
func (m *Memory) Routes() []model.Route {
    m.mu.RLock()
    ids := make([]string, 0, len(m.shards))
    for id := range m.shards { ids = append(ids, id) }
    m.mu.RUnlock()
    sort.Strings(ids)
    out := make([]model.Route, 0, len(ids))
    for _, id := range ids {
        s := m.shard(id, false)
        s.mu.Lock()
        out = append(out, s.route.Clone())
        s.mu.Unlock()
    }
    return out
}

// ActiveRoutes excludes routes that completed or aborted.
func (m *Memory) ActiveRoutes() []model.Route {
    var out []model.Route
    for _, r := range m.Routes() {
        if !r.Status.Finished() && r.Version > 0 { out = append(out, r) }
    }
    return out
}

// DeltasSince returns the deltas after version. ok is false when the
// retained history no longer reaches back that far.
func (m *Memory) DeltasSince(vehicleID string, version int64) ([]model.Delta, bool) {
    s := m.shard(vehicleID, false)
    if s == nil { return nil, version == 0 }
    s.mu.Lock()
    defer s.mu.Unlock()
    return deltasSince(s.route, s.history, version)
}

func deltasSince(r model.Route, history []model.Delta, version int64) ([]model.Delta, bool) {
    if version >= r.Version { return nil, true }
    if len(history) == 0 || version < history[0].BaseVersion { return nil, false }
    i := sort.Search(len(history), func(i int) bool { return history[i].Version > version })
    return append([]model.Delta(nil), history[i:]...), true
}

// DeltasFrom selects the deltas after version out of a history slice handed
// to a View callback.
func DeltasFrom(r model.Route, history []model.Delta, version int64) ([]model.Delta, bool) {
    return deltasSince(r, history, version)
}

// View runs fn with the vehicle's route and retained history while holding
// its lock, so no delta can be committed or published in between. fn must
// not modify history. Unknown vehicles get an empty route at version 0.
func (m *Memory) View(vehicleID string, fn func(r model.Route, history []model.Delta)) {
    s := m.shard(vehicleID, true)
    s.mu.Lock()
    defer s.mu.Unlock()
    fn(s.route.Clone(), s.history)
}

func (m *Memory) buildReplace(cur model.Route, mut Mutation) (*model.Delta, error) {
    if mut.ExpectedVersion != AnyVersion && cur.SeqVersion > mut.ExpectedVersion {
        return nil, &ConflictError{VehicleID: cur.VehicleID, Expected: mut.ExpectedVersion, Current: cur.SeqVersion}
    }
    version := cur.Version + 1
    reset := cur.Status.Finished() || cur.Version == 0
    live := map[string]model.RouteStop{}
    var seq []model.RouteStop
    if !reset {
        // completed, failed and pinned stops keep their place at the head
        for _, s := range cur.Stops {
            live[s.ID] = s
            if s.Status.Terminal() || s.Status.Locked() { seq = append(seq, s) }
        }
    }
    headIDs := map[string]bool{}
    for _, s := range seq { headIDs[s.ID] = true }

    var changes []model.StopChange
    seen := map[string]bool{}
    for _, ps := range mut.Stops {
        if headIDs[ps.ID] { continue }
        if seen[ps.ID] {
            return nil, &InvariantError{VehicleID: cur.VehicleID, Detail: "duplicate stop " + ps.ID}
        }
        seen[ps.ID] = true
        rs := ps
        rs.Status = model.StopAssigned
        rs.Rev = version
        rs.CompletedAt = time.Time{}
        if l, ok := live[ps.ID]; ok {
            rs.Stop = l.Stop
            rs.Rev = l.Rev
            if l.Status != model.StopAssigned {
                changes = append(changes, model.StopChange{StopID: ps.ID, From: l.Status, To: model.StopAssigned})
            }
            rs.Status = l.Status
        } else {
            from := ps.Status
            if from == "" || !from.Plannable() { from = model.StopPending }
            if from != model.StopAssigned {
                rs.Status = from
                changes = append(changes, model.StopChange{StopID: ps.ID, From: from, To: model.StopAssigned})
            }
        }
        seq = append(seq, rs)
    }

    if !reset && sameSequence(cur, seq, mut) { return nil, nil }

    // the sequence carries the pre-transition status; StopChanges move it forward
    d := &model.Delta{
        VehicleID:   cur.VehicleID,
        Version:     version,
        BaseVersion: cur.Version,
        Kind:        model.DeltaSequence,
        Reset:       reset,
        Capacity:    mut.Capacity,
        Sequence:    seq,
        EstDistance: mut.EstDistanceM,
        EstDuration: mut.EstDurationSec,
        StopChanges: changes,
        At:          mut.At,
    }
    if reset { d.RouteStatus = model.RouteDraft }
    return d, nil
}

func sameSequence(cur model.Route, seq []model.RouteStop, mut Mutation) bool {
    if len(cur.Stops) != len(seq) || mut.EstDistanceM != cur.EstDistanceM || mut.EstDurationSec != cur.EstDurationSec { return false }
    if mut.Capacity > 0 && mut.Capacity != cur.Capacity { return false }
    for i := range seq {
        a, b := cur.Stops[i], seq[i]
        if a.ID != b.ID || a.Status != b.Status || !a.ETA.Equal(b.ETA) { return false }
    }
    return true
}

func buildStatus(cur model.Route, mut Mutation) (*model.Delta, error) {
    i := cur.StopIndex(mut.StopID)
    if i < 0 {
        if mut.ExpectedVersion != AnyVersion && mut.ExpectedVersion < cur.SeqVersion {
            return nil, &ConflictError{VehicleID: cur.VehicleID, StopID: mut.StopID, Expected: mut.ExpectedVersion, Current: cur.SeqVersion}
        }
        return nil, fmt.Errorf("%w: stop %s on vehicle %s", ErrNotFound, mut.StopID, cur.VehicleID)
    }
    s := cur.Stops[i]
    if s.Status == mut.Status { return nil, nil }
    if mut.ExpectedVersion != AnyVersion && s.Rev > mut.ExpectedVersion {
        return nil, &ConflictError{VehicleID: cur.VehicleID, StopID: s.ID, Expected: mut.ExpectedVersion, Current: s.Rev}
    }
    if !CanTransition(s.Status, mut.Status) {
        return nil, &TransitionError{VehicleID: cur.VehicleID, StopID: s.ID, From: s.Status, To: mut.Status}
    }
    return &model.Delta{
        VehicleID:   cur.VehicleID,
        Version:     cur.Version + 1,
        BaseVersion: cur.Version,
        Kind:        model.DeltaStatus,
        StopChanges: []model.StopChange{{StopID: s.ID, From: s.Status, To: mut.Status}},
        At:          mut.At,
    }, nil
}

// buildPosition discards reports that are not newer than the last one.
func buildPosition(cur model.Route, mut Mutation) *model.Delta {
    if !cur.PositionAt.IsZero() && !mut.At.After(cur.PositionAt) { return nil }
    travelled := cur.TravelledM
    if cur.Position != nil { travelled += geo.Haversine(*cur.Position, mut.Position) }
    p := mut.Position
    return &model.Delta{
        VehicleID:   cur.VehicleID,
        Version:     cur.Version + 1,
        BaseVersion: cur.Version,
        Kind:        model.DeltaPosition,
        Position:    &p,
        TravelledM:  travelled,
        At:          mut.At,
    }
}

func deriveStatus(r model.Route, kind model.DeltaKind) model.RouteStatus {
    if r.Status.Finished() { return r.Status }
    if r.AllTerminal() {
        for _, s := range r.Stops {
            if s.Status == model.StopCompleted { return model.RouteCompleted }
        }
        return model.RouteAborted
    }
    if r.Status == model.RouteActive { return r.Status }
    started := kind == model.DeltaPosition && len(r.Stops) > 0
    for _, s := range r.Stops {
        if s.Status.Locked() || s.Status.Terminal() { started = true }
    }
    if started { return model.RouteActive }
    if r.Status == "" { return model.RouteDraft }
    return r.Status
}

func checkInvariants(r model.Route) error {
    seen := map[string]bool{}
    for _, s := range r.Stops {
        if seen[s.ID] { return &InvariantError{VehicleID: r.VehicleID, Detail: "duplicate stop " + s.ID} }
        seen[s.ID] = true
        if s.Demand < 0 { return &InvariantError{VehicleID: r.VehicleID, Detail: "negative demand on stop " + s.ID} }
        if !s.Status.Valid() { return &InvariantError{VehicleID: r.VehicleID, Detail: "unknown status on stop " + s.ID} }
    }
    if r.Capacity > 0 && r.Load() > r.Capacity {
        return &InvariantError{VehicleID: r.VehicleID, Detail: fmt.Sprintf("load %d exceeds capacity %d", r.Load(), r.Capacity)}
    }
    return nil
}
