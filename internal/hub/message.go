package hub

import (
	"errors"
	"fmt"
	"time"

	"routedispatch/internal/model"
)

var (
	// ErrConnectionLost is returned by Session.Next once the session is
	// detached. The client reconnects with its resume key to continue.
	ErrConnectionLost = errors.New("connection lost")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidMessage = errors.New("invalid message")
	ErrRateLimited    = errors.New("rate limited")
)

type Kind string

const (
	KindHello          Kind = "hello"
	KindSnapshot       Kind = "snapshot"
	KindDelta          Kind = "delta"
	KindLocationReport Kind = "location_report"
	KindStatusReport   Kind = "status_report"
	KindAck            Kind = "ack"
	KindSubscribe      Kind = "subscribe"
	KindUnsubscribe    Kind = "unsubscribe"
	KindAlert          Kind = "alert"
	KindError          Kind = "error"
)

// Message is the single envelope exchanged with clients. Which fields are
// set depends on Kind; Validate checks inbound messages.
type Message struct {
	Kind      Kind   `json:"kind"`
	VehicleID string `json:"vehicleId,omitempty"`
	// Version is the route version of an outbound message, or the client's
	// last known version on an inbound one.
	Version int64 `json:"version"`

	Route *model.Route `json:"route,omitempty"`
	Delta *model.Delta `json:"delta,omitempty"`

	Location *model.LocationEvent `json:"location,omitempty"`
	StopID   string               `json:"stopId,omitempty"`
	Status   model.StopStatus     `json:"status,omitempty"`

	Vehicles []string         `json:"vehicles,omitempty"`
	All      bool             `json:"all,omitempty"`
	Since    map[string]int64 `json:"since,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	ResumeKey string `json:"resumeKey,omitempty"`
	Role      Role   `json:"role,omitempty"`

	Alert *Alert     `json:"alert,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
	At    time.Time  `json:"at,omitempty"`
}

type ErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	StopID   string `json:"stopId,omitempty"`
	Expected int64  `json:"expected,omitempty"`
	Current  int64  `json:"current,omitempty"`
}

// Validate checks that an inbound message carries what its kind needs.
func (m Message) Validate() error {
	switch m.Kind {
	case KindLocationReport:
		if m.Location == nil {
			return fmt.Errorf("%w: location_report without location", ErrInvalidMessage)
		}
		if m.Location.Status != "" && !m.Location.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, m.Location.Status)
		}
		if m.Location.Status != "" && m.Location.StopID == "" {
			return fmt.Errorf("%w: status without stopId", ErrInvalidMessage)
		}
	case KindStatusReport:
		if m.StopID == "" || !m.Status.Valid() {
			return fmt.Errorf("%w: status_report needs stopId and a known status", ErrInvalidMessage)
		}
	case KindAck:
		if m.VehicleID == "" || m.Version < 0 {
			return fmt.Errorf("%w: ack needs vehicleId and version", ErrInvalidMessage)
		}
	case KindSubscribe:
		if !m.All && len(m.Vehicles) == 0 {
			return fmt.Errorf("%w: subscribe needs vehicles or all", ErrInvalidMessage)
		}
	case KindUnsubscribe:
		if !m.All && len(m.Vehicles) == 0 {
			return fmt.Errorf("%w: unsubscribe needs vehicles or all", ErrInvalidMessage)
		}
	case KindHello, KindSnapshot, KindDelta, KindAlert, KindError:
		return fmt.Errorf("%w: %s is server-sent", ErrInvalidMessage, m.Kind)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

type Role string

const (
	RoleDriver     Role = "driver"
	RoleDispatcher Role = "dispatcher"
	RoleObserver   Role = "observer"
)

// Capability is a bit set of inbound message kinds a session may send.
type Capability uint8

const (
	CapReportLocation Capability = 1 << iota
	CapReportStatus
	CapSubscribe
	CapAck
)

// CapabilitiesFor resolves the fixed capability set of a role. Unknown roles
// get none.
func CapabilitiesFor(r Role) Capability {
	switch r {
	case RoleDriver:
		return CapReportLocation | CapReportStatus | CapAck
	case RoleDispatcher:
		return CapReportStatus | CapSubscribe | CapAck
	case RoleObserver:
		return CapSubscribe | CapAck
	}
	return 0
}

func (c Capability) Has(x Capability) bool { return c&x == x }

func required(k Kind) Capability {
	switch k {
	case KindLocationReport:
		return CapReportLocation
	case KindStatusReport:
		return CapReportStatus
	case KindSubscribe, KindUnsubscribe:
		return CapSubscribe
	case KindAck:
		return CapAck
	}
	return 0
}

type AlertState string

const (
	AlertStale        AlertState = "stale"
	AlertDisconnected AlertState = "disconnected"
	AlertRecovered    AlertState = "recovered"
)

// Alert reports a change in a driver session's liveness.
type Alert struct {
	VehicleID string     `json:"vehicleId"`
	SessionID string     `json:"sessionId"`
	State     AlertState `json:"state"`
	LastSeen  time.Time  `json:"lastSeen"`
	At        time.Time  `json:"at"`
}
