package hub

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

type SessionState string

const (
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateStale        SessionState = "stale"
	StateDisconnected SessionState = "disconnected"
)

// Session is one client's view of the hub. It survives transport drops for
// the grace period so a reconnect can resume from the acknowledged versions.
type Session struct {
	ID        string
	ResumeKey string
	Role      Role
	VehicleID string // set for drivers
	caps      Capability

	limiter *rate.Limiter
	signal  chan struct{}
	lag     int

	mu         sync.Mutex
	queue      []Message
	all        bool
	subs       map[string]bool
	sent       map[string]int64 // last version queued per vehicle
	acked      map[string]int64
	resync     map[string]bool // waiting for a snapshot after overflow
	state      SessionState
	attached   bool
	closed     bool
	lastSeen   time.Time
	detachedAt time.Time
}

func newSession(id, resume string, role Role, vehicleID string, lim *rate.Limiter, lag int, now time.Time) *Session {
	return &Session{
		ID: id, ResumeKey: resume, Role: role, VehicleID: vehicleID,
		caps:     CapabilitiesFor(role),
		limiter:  lim,
		lag:      lag,
		signal:   make(chan struct{}, 1),
		subs:     map[string]bool{},
		sent:     map[string]int64{},
		acked:    map[string]int64{},
		resync:   map[string]bool{},
		state:    StateConnecting,
		lastSeen: now,
	}
}

func (s *Session) Capabilities() Capability { return s.caps }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acked returns the last acknowledged version of a vehicle.
func (s *Session) Acked(vehicleID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[vehicleID]
}

// Pending returns the number of queued outbound messages.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next blocks until an outbound message is available, the session is
// detached (ErrConnectionLost) or ctx is done.
func (s *Session) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if !s.attached || s.closed {
			s.mu.Unlock()
			return Message{}, ErrConnectionLost
		}
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			metrics.HubMessagesOut.WithLabelValues(string(m.Kind)).Inc()
			return m, nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.signal:
		}
	}
}

func (s *Session) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// push queues a control message. Caller must not hold s.mu.
func (s *Session) push(m Message) {
	s.mu.Lock()
	if s.attached && !s.closed {
		s.queue = append(s.queue, m)
		s.trimControlLocked()
	}
	s.mu.Unlock()
	s.wake()
}

// trimControlLocked keeps the queue within the lag threshold by dropping
// the oldest acks, errors and alerts. Route messages are left to the
// snapshot fallback in deliverLocked.
func (s *Session) trimControlLocked() {
	over := len(s.queue) - s.lag
	if s.lag <= 0 || over <= 0 {
		return
	}
	kept := s.queue[:0]
	for _, m := range s.queue {
		if over > 0 && (m.Kind == KindAck || m.Kind == KindError || m.Kind == KindAlert) {
			over--
			metrics.HubControlDropped.WithLabelValues(string(m.Kind)).Inc()
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = Message{}
	}
	s.queue = kept
}

func (s *Session) subscribed(vehicleID string) bool {
	return s.all || s.subs[vehicleID] || (s.Role == RoleDriver && s.VehicleID == vehicleID)
}

func snapshotMessage(r model.Route) Message {
	rc := r.Clone()
	return Message{Kind: KindSnapshot, VehicleID: r.VehicleID, Version: r.Version, Route: &rc}
}

// enqueueSnapshotLocked replaces whatever the session knew about the vehicle
// with its full current state. Caller holds s.mu and the vehicle lock.
func (s *Session) enqueueSnapshotLocked(r model.Route) {
	s.queue = append(s.queue, snapshotMessage(r))
	s.sent[r.VehicleID] = r.Version
	delete(s.resync, r.VehicleID)
}

// deliverLocked queues d, falling back to a snapshot when the session has
// no base to apply it to. It returns the vehicles that need an asynchronous
// snapshot because their queued deltas were dropped. Caller holds s.mu and
// the lock of d's vehicle.
func (s *Session) deliverLocked(d model.Delta, r model.Route, lag int) []string {
	if !s.attached || s.closed || s.resync[d.VehicleID] {
		return nil
	}
	last, known := s.sent[d.VehicleID]
	switch {
	case known && d.Version <= last:
		return nil
	case known && d.BaseVersion == last:
		dc := d
		s.queue = append(s.queue, Message{Kind: KindDelta, VehicleID: d.VehicleID, Version: d.Version, Delta: &dc})
		s.sent[d.VehicleID] = d.Version
	default:
		if known {
			metrics.HubResyncs.WithLabelValues("gap").Inc()
		}
		s.enqueueSnapshotLocked(r)
	}
	if lag <= 0 || len(s.queue) <= lag {
		return nil
	}
	return s.overflowLocked(r)
}

// overflowLocked drops the queue of a lagging session. The current vehicle
// gets its snapshot right away; the others are marked for resync.
func (s *Session) overflowLocked(r model.Route) []string {
	metrics.HubResyncs.WithLabelValues("lag").Inc()
	seen := map[string]bool{}
	var others []string
	for _, m := range s.queue {
		if m.VehicleID == "" || m.VehicleID == r.VehicleID || seen[m.VehicleID] {
			continue
		}
		if m.Kind == KindDelta || m.Kind == KindSnapshot {
			seen[m.VehicleID] = true
			others = append(others, m.VehicleID)
		}
	}
	s.queue = nil
	s.enqueueSnapshotLocked(r)
	for _, v := range others {
		s.resync[v] = true
	}
	return others
}
