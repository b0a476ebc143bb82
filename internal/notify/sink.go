// Package notify carries terminal stop and route events to external
// collaborators. The core only builds records; sinks do the I/O.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"routedispatch/internal/model"
)

type Sink interface {
	Emit(ctx context.Context, n model.Notification) error
}

// FromDelta builds the notifications for terminal transitions carried by d.
func FromDelta(d model.Delta, before model.RouteStatus) []model.Notification {
	var out []model.Notification
	for _, ch := range d.StopChanges {
		if !ch.To.Terminal() {
			continue
		}
		out = append(out, model.Notification{
			ID:         uuid.NewString(),
			Kind:       model.NotifyStop,
			VehicleID:  d.VehicleID,
			StopID:     ch.StopID,
			FromStatus: string(ch.From),
			ToStatus:   string(ch.To),
			Timestamp:  d.At,
			Version:    d.Version,
		})
	}
	if d.RouteStatus.Finished() {
		out = append(out, model.Notification{
			ID:         uuid.NewString(),
			Kind:       model.NotifyRoute,
			VehicleID:  d.VehicleID,
			FromStatus: string(before),
			ToStatus:   string(d.RouteStatus),
			Timestamp:  d.At,
			Version:    d.Version,
		})
	}
	return out
}

// Memory keeps notifications in process. Used in tests and dev mode.
type Memory struct {
	mu    sync.Mutex
	items []model.Notification
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Emit(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	m.items = append(m.items, n)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Items() []model.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Notification(nil), m.items...)
}

// Fanout emits to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to the structured log. It is the fallback
// when no external sink is configured.
type LogSink struct {
	Log zerolog.Logger
}

func (l LogSink) Emit(_ context.Context, n model.Notification) error {
	l.Log.Info().
		Str("kind", string(n.Kind)).
		Str("vehicle", n.VehicleID).
		Str("stop", n.StopID).
		Str("from", n.FromStatus).
		Str("to", n.ToStatus).
		Int64("version", n.Version).
		Msg("notification")
	return nil
}
