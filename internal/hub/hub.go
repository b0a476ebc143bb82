package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
	"routedispatch/internal/store"
)

type Options struct {
	// LagThreshold is the queued message count above which a session is
	// demoted to snapshot+resume.
	LagThreshold      int           `yaml:"lag_threshold"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`

	Log       zerolog.Logger   `yaml:"-"`
	Now       func() time.Time `yaml:"-"`
	Relay     Relay            `yaml:"-"`
	AlertSink func(Alert)      `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		LagThreshold:      256,
		GracePeriod:       2 * time.Minute,
		LivenessTimeout:   30 * time.Second,
		DisconnectTimeout: 2 * time.Minute,
		MonitorInterval:   5 * time.Second,
		RateLimit:         20,
		RateBurst:         40,
	}
}

// Identity is what the transport knows about a connecting client.
type Identity struct {
	Role      Role
	VehicleID string
	ResumeKey string
	// Since holds client-side versions; they take precedence over acks.
	Since map[string]int64
}

// Hub fans route deltas out to sessions and feeds driver reports into the
// route store.
type Hub struct {
	opts   Options
	routes store.Routes

	mu        sync.RWMutex
	sessions  map[string]*Session
	byResume  map[string]*Session
	byVehicle map[string]map[*Session]struct{}
	all       map[*Session]struct{}
	// lost holds vehicles whose driver was last reported stale or
	// disconnected.
	lost map[string]bool
}

func New(routes store.Routes, opts Options) *Hub {
	def := DefaultOptions()
	if opts.LagThreshold <= 0 { opts.LagThreshold = def.LagThreshold }
	if opts.GracePeriod <= 0 { opts.GracePeriod = def.GracePeriod }
	if opts.LivenessTimeout <= 0 { opts.LivenessTimeout = def.LivenessTimeout }
	if opts.DisconnectTimeout <= opts.LivenessTimeout { opts.DisconnectTimeout = 4 * opts.LivenessTimeout }
	if opts.MonitorInterval <= 0 { opts.MonitorInterval = def.MonitorInterval }
	if opts.RateLimit <= 0 { opts.RateLimit = def.RateLimit }
	if opts.RateBurst <= 0 { opts.RateBurst = def.RateBurst }
	if opts.Now == nil { opts.Now = time.Now }
	h := &Hub{
		opts:      opts,
		routes:    routes,
		sessions:  map[string]*Session{},
		byResume:  map[string]*Session{},
		byVehicle: map[string]map[*Session]struct{}{},
		all:       map[*Session]struct{}{},
		lost:      map[string]bool{},
	}
	routes.Subscribe(h.onDelta)
	return h
}

func (h *Hub) Options() Options { return h.opts }

// Attach opens a session, or resumes the detached one named by the resume
// key, and brings it up to date before live delivery starts.
func (h *Hub) Attach(ctx context.Context, id Identity) (*Session, error) {
	if CapabilitiesFor(id.Role) == 0 {
		return nil, fmt.Errorf("%w: unknown role %q", ErrForbidden, id.Role)
	}
	if id.Role == RoleDriver && id.VehicleID == "" {
		return nil, fmt.Errorf("%w: driver without vehicle", ErrForbidden)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := h.opts.Now()

	if s := h.resumable(id); s != nil && h.resume(s, id, now) {
		h.reconnected(s, now)
		return s, nil
	}

	sid := uuid.NewString()
	s := newSession(sid, uuid.NewString(), id.Role, id.VehicleID, rate.NewLimiter(rate.Limit(h.opts.RateLimit), h.opts.RateBurst), h.opts.LagThreshold, now)
	s.attached = true
	s.state = StateConnected
	s.queue = []Message{h.hello(s)}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.byResume[s.ResumeKey] = s
	var replaced []*Session
	if s.Role == RoleDriver {
		for _, o := range h.sessions {
			if o != s && o.Role == RoleDriver && o.VehicleID == s.VehicleID {
				replaced = append(replaced, o)
			}
		}
	}
	h.mu.Unlock()
	for _, o := range replaced {
		h.Close(o)
	}
	metrics.HubSessions.WithLabelValues(string(s.Role)).Inc()
	h.opts.Log.Info().Str("session", s.ID).Str("role", string(s.Role)).Str("vehicle", s.VehicleID).Msg("session attached")
	h.reconnected(s, now)
	if s.Role == RoleDriver {
		h.catchUp(s, s.VehicleID, id.Since[s.VehicleID])
	}
	return s, nil
}

func (h *Hub) resume(s *Session, id Identity, now time.Time) bool {
	s.mu.Lock()
	if s.attached || s.closed {
		s.mu.Unlock()
		return false
	}
	s.attached = true
	s.queue = []Message{h.hello(s)}
	s.state = StateConnected
	s.lastSeen = now
	s.resync = map[string]bool{}
	s.sent = map[string]int64{}
	vehicles := make([]string, 0, len(s.subs)+1)
	for v := range s.subs {
		vehicles = append(vehicles, v)
	}
	if s.Role == RoleDriver {
		vehicles = append(vehicles, s.VehicleID)
	}
	since := map[string]int64{}
	for v, a := range s.acked {
		since[v] = a
	}
	all := s.all
	s.mu.Unlock()
	for v, n := range id.Since {
		since[v] = n
	}
	metrics.HubSessions.WithLabelValues(string(s.Role)).Inc()
	h.opts.Log.Info().Str("session", s.ID).Str("role", string(s.Role)).Msg("session resumed")
	sort.Strings(vehicles)
	for _, v := range vehicles {
		h.catchUp(s, v, since[v])
	}
	if all {
		h.catchUpAll(s, since)
	}
	return true
}

// reconnected reports a driver as recovered when its vehicle was last
// alerted stale or disconnected. Attaching resets the session state without
// going through touch, so the alert is raised here.
func (h *Hub) reconnected(s *Session, now time.Time) {
	if s.Role != RoleDriver {
		return
	}
	h.mu.RLock()
	lost := h.lost[s.VehicleID]
	h.mu.RUnlock()
	if lost {
		h.alert(Alert{VehicleID: s.VehicleID, SessionID: s.ID, State: AlertRecovered, LastSeen: now, At: now})
	}
}

func (h *Hub) hello(s *Session) Message {
	return Message{Kind: KindHello, SessionID: s.ID, ResumeKey: s.ResumeKey, Role: s.Role, VehicleID: s.VehicleID, At: h.opts.Now()}
}

func (h *Hub) resumable(id Identity) *Session {
	if id.ResumeKey == "" {
		return nil
	}
	h.mu.RLock()
	s := h.byResume[id.ResumeKey]
	h.mu.RUnlock()
	if s == nil || s.Role != id.Role || (id.Role == RoleDriver && s.VehicleID != id.VehicleID) {
		return nil
	}
	s.mu.Lock()
	ok := !s.attached && !s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s
}

// Detach marks the session's transport as gone. The session keeps its
// subscriptions and acknowledgements until the grace period runs out.
func (h *Hub) Detach(s *Session) {
	s.mu.Lock()
	was := s.attached
	s.attached = false
	s.queue = nil
	s.detachedAt = h.opts.Now()
	s.mu.Unlock()
	s.wake()
	if was {
		metrics.HubSessions.WithLabelValues(string(s.Role)).Dec()
		h.opts.Log.Info().Str("session", s.ID).Msg("session detached")
	}
}

// Close destroys the session.
func (h *Hub) Close(s *Session) {
	h.Detach(s)
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = map[string]bool{}
	s.mu.Unlock()
	h.mu.Lock()
	delete(h.sessions, s.ID)
	delete(h.byResume, s.ResumeKey)
	delete(h.all, s)
	for v := range subs {
		h.unindex(s, v)
	}
	if s.Role == RoleDriver {
		h.unindex(s, s.VehicleID)
	}
	h.mu.Unlock()
}

func (h *Hub) unindex(s *Session, vehicleID string) {
	if m := h.byVehicle[vehicleID]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(h.byVehicle, vehicleID)
		}
	}
}

// Session returns a live session by ID.
func (h *Hub) Session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// catchUp subscribes s to a vehicle and queues either the deltas after
// since or a snapshot. Both happen under the vehicle lock, so the first
// live delta extends exactly what was queued.
func (h *Hub) catchUp(s *Session, vehicleID string, since int64) {
	h.routes.View(vehicleID, func(r model.Route, history []model.Delta) {
		h.mu.Lock()
		set := h.byVehicle[vehicleID]
		if set == nil {
			set = map[*Session]struct{}{}
			h.byVehicle[vehicleID] = set
		}
		set[s] = struct{}{}
		h.mu.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.Role != RoleDriver || vehicleID != s.VehicleID {
			s.subs[vehicleID] = true
		}
		if !s.attached || s.closed {
			return
		}
		if last, known := s.sent[vehicleID]; known && last == r.Version && !s.resync[vehicleID] {
			return
		}
		var ds []model.Delta
		ok := false
		if since > 0 && since <= r.Version {
			ds, ok = store.DeltasFrom(r, history, since)
		}
		if ok && len(ds) <= h.opts.LagThreshold {
			for i := range ds {
				d := ds[i]
				s.queue = append(s.queue, Message{Kind: KindDelta, VehicleID: vehicleID, Version: d.Version, Delta: &d})
			}
			s.sent[vehicleID] = r.Version
			delete(s.resync, vehicleID)
		} else {
			if since > 0 {
				metrics.HubResyncs.WithLabelValues("history").Inc()
			}
			s.enqueueSnapshotLocked(r)
		}
	})
	s.wake()
}

func (h *Hub) catchUpAll(s *Session, since map[string]int64) {
	h.mu.Lock()
	h.all[s] = struct{}{}
	h.mu.Unlock()
	s.mu.Lock()
	s.all = true
	s.mu.Unlock()
	for _, r := range h.routes.Routes() {
		s.mu.Lock()
		_, known := s.sent[r.VehicleID]
		s.mu.Unlock()
		if !known {
			h.catchUp(s, r.VehicleID, since[r.VehicleID])
		}
	}
}

// onDelta runs under the vehicle lock of d for every committed mutation.
func (h *Hub) onDelta(d model.Delta, r model.Route) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.byVehicle[d.VehicleID])+len(h.all))
	for s := range h.byVehicle[d.VehicleID] {
		targets = append(targets, s)
	}
	for s := range h.all {
		if _, dup := h.byVehicle[d.VehicleID][s]; !dup {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.mu.Lock()
		var others []string
		if s.subscribed(d.VehicleID) {
			others = s.deliverLocked(d, r, h.opts.LagThreshold)
		}
		s.mu.Unlock()
		s.wake()
		for _, v := range others {
			go h.resync(s, v)
		}
	}
	if h.opts.Relay != nil {
		h.opts.Relay.Publish(d.VehicleID, DeltaEvent(d))
	}
}

func (h *Hub) resync(s *Session, vehicleID string) {
	h.routes.View(vehicleID, func(r model.Route, _ []model.Delta) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.resync[vehicleID] && s.attached && !s.closed {
			s.enqueueSnapshotLocked(r)
		}
	})
	s.wake()
}

// Handle processes one inbound message. Rejections are reported back to
// the session as error messages and also returned.
func (h *Hub) Handle(ctx context.Context, s *Session, m Message) error {
	h.touch(s)
	err := h.handle(ctx, s, m)
	if err != nil {
		s.push(errorMessage(m, err))
		h.opts.Log.Debug().Err(err).Str("session", s.ID).Str("kind", string(m.Kind)).Msg("inbound rejected")
	}
	return err
}

func (h *Hub) handle(ctx context.Context, s *Session, m Message) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if !s.caps.Has(required(m.Kind)) {
		return fmt.Errorf("%w: %s may not send %s", ErrForbidden, s.Role, m.Kind)
	}
	switch m.Kind {
	case KindAck:
		s.mu.Lock()
		if m.Version > s.acked[m.VehicleID] && m.Version <= s.sent[m.VehicleID] {
			s.acked[m.VehicleID] = m.Version
		}
		s.mu.Unlock()
		return nil
	case KindSubscribe:
		if m.All {
			h.catchUpAll(s, m.Since)
			return nil
		}
		for _, v := range m.Vehicles {
			h.catchUp(s, v, m.Since[v])
		}
		return nil
	case KindUnsubscribe:
		h.unsubscribe(s, m)
		return nil
	case KindLocationReport:
		loc := *m.Location
		if m.VehicleID == "" {
			m.VehicleID = loc.VehicleID
		}
		vid, err := h.target(s, m.VehicleID)
		if err != nil {
			return err
		}
		r, pd, err := h.routes.Apply(ctx, vid, store.Position(loc.Position, loc.At))
		if err != nil {
			return err
		}
		// a report not newer than the last applied one is dropped whole,
		// including the stop status it carries
		if pd != nil && loc.StopID != "" && loc.Status != "" {
			r, _, err = h.routes.Apply(ctx, vid, store.StopStatus(m.Version, loc.StopID, loc.Status, loc.At))
			if err != nil {
				return err
			}
		}
		s.push(Message{Kind: KindAck, VehicleID: vid, Version: r.Version, StopID: loc.StopID})
		return nil
	case KindStatusReport:
		vid, err := h.target(s, m.VehicleID)
		if err != nil {
			return err
		}
		r, _, err := h.routes.Apply(ctx, vid, store.StopStatus(m.Version, m.StopID, m.Status, m.At))
		if err != nil {
			return err
		}
		s.push(Message{Kind: KindAck, VehicleID: vid, Version: r.Version, StopID: m.StopID})
		return nil
	}
	return fmt.Errorf("%w: unhandled kind %q", ErrInvalidMessage, m.Kind)
}

// target resolves the vehicle an inbound report applies to. Drivers may
// only report for their own vehicle.
func (h *Hub) target(s *Session, vehicleID string) (string, error) {
	if s.Role != RoleDriver {
		if vehicleID == "" {
			return "", fmt.Errorf("%w: vehicleId required", ErrInvalidMessage)
		}
		return vehicleID, nil
	}
	if vehicleID != "" && vehicleID != s.VehicleID {
		return "", fmt.Errorf("%w: driver of %s reporting for %s", ErrForbidden, s.VehicleID, vehicleID)
	}
	return s.VehicleID, nil
}

func (h *Hub) unsubscribe(s *Session, m Message) {
	s.mu.Lock()
	vehicles := m.Vehicles
	if m.All {
		s.all = false
		vehicles = nil
		for v := range s.subs {
			vehicles = append(vehicles, v)
		}
	}
	for _, v := range vehicles {
		delete(s.subs, v)
		if !s.subscribed(v) {
			delete(s.sent, v)
			delete(s.acked, v)
			delete(s.resync, v)
		}
	}
	s.mu.Unlock()
	h.mu.Lock()
	if m.All {
		delete(h.all, s)
	}
	for _, v := range vehicles {
		if !(s.Role == RoleDriver && v == s.VehicleID) {
			h.unindex(s, v)
		}
	}
	h.mu.Unlock()
}

func errorMessage(in Message, err error) Message {
	body := &ErrorBody{Code: errorCode(err), Message: err.Error(), StopID: in.StopID}
	var ce *store.ConflictError
	if errors.As(err, &ce) {
		body.Expected, body.Current = ce.Expected, ce.Current
		if ce.StopID != "" {
			body.StopID = ce.StopID
		}
	}
	return Message{Kind: KindError, VehicleID: in.VehicleID, Version: in.Version, Error: body}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrStaleVersion):
		return "stale_version"
	case errors.Is(err, store.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvariant):
		return "invariant"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	}
	return "internal"
}

// touch records inbound activity. A stale driver comes back to connected.
func (h *Hub) touch(s *Session) {
	now := h.opts.Now()
	s.mu.Lock()
	s.lastSeen = now
	recovered := s.state == StateStale || s.state == StateDisconnected
	if s.attached {
		s.state = StateConnected
	}
	recovered = recovered && s.attached
	s.mu.Unlock()
	if recovered && s.Role == RoleDriver {
		h.alert(Alert{VehicleID: s.VehicleID, SessionID: s.ID, State: AlertRecovered, LastSeen: now, At: now})
	}
}

// Run sweeps session liveness until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.opts.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Sweep(h.opts.Now())
		}
	}
}

// Sweep advances the liveness state machine of every session to now and
// destroys sessions detached for longer than the grace period.
func (h *Hub) Sweep(now time.Time) {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	for _, s := range list {
		s.mu.Lock()
		idle := now.Sub(s.lastSeen)
		var fire AlertState
		if s.Role == RoleDriver {
			switch {
			case s.state != StateDisconnected && idle >= h.opts.DisconnectTimeout:
				s.state = StateDisconnected
				fire = AlertDisconnected
			case s.state == StateConnected && idle >= h.opts.LivenessTimeout:
				s.state = StateStale
				fire = AlertStale
			}
		}
		expired := !s.attached && now.Sub(s.detachedAt) >= h.opts.GracePeriod &&
			(s.Role != RoleDriver || s.state == StateDisconnected)
		last := s.lastSeen
		s.mu.Unlock()

		if fire != "" {
			h.opts.Log.Warn().Str("vehicle", s.VehicleID).Str("session", s.ID).Str("state", string(fire)).Dur("idle", idle).Msg("driver liveness")
			h.alert(Alert{VehicleID: s.VehicleID, SessionID: s.ID, State: fire, LastSeen: last, At: now})
		}
		if expired {
			h.opts.Log.Info().Str("session", s.ID).Msg("session expired")
			h.Close(s)
		}
	}
}

// alert notifies attached dispatchers and the alert sink.
func (h *Hub) alert(a Alert) {
	metrics.HubAlerts.WithLabelValues(string(a.State)).Inc()
	h.mu.Lock()
	if a.VehicleID != "" {
		if a.State == AlertRecovered {
			delete(h.lost, a.VehicleID)
		} else {
			h.lost[a.VehicleID] = true
		}
	}
	var targets []*Session
	for _, s := range h.sessions {
		if s.Role == RoleDispatcher {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()
	for _, s := range targets {
		ac := a
		s.push(Message{Kind: KindAlert, VehicleID: a.VehicleID, Alert: &ac, At: a.At})
	}
	if h.opts.Relay != nil {
		h.opts.Relay.Publish(a.VehicleID, AlertEvent(a))
	}
	if h.opts.AlertSink != nil {
		h.opts.AlertSink(a)
	}
}
