// Package call implements the peer-to-peer call session controller: local
// media acquisition, the per-call WebRTC peer connection, the call lifecycle
// state machine, and the presence poller used while ringing an offline peer.
// It talks to the outside world through the Signaler and SessionAPI
// interfaces only; the concrete signal client and REST client are wired up
// in internal/app.
package call

import (
	"context"
	"errors"
	"strings"

	"github.com/clinicport/callcore/internal/signal"
)

// Signaler is the surface the call package needs from the signaling layer.
// *signal.Client satisfies it.
type Signaler interface {
	On(event string, fn signal.Handler) (off func())
	Emit(to, event string, payload any) error
	IsConnected() bool
}

// Record mirrors the server's persisted call session. The node consumes it
// over the REST API and must not import the server's storage layer.
type Record struct {
	ID            string `json:"id"`
	Caller        string `json:"caller"`
	Receiver      string `json:"receiver"`
	Status        string `json:"status"`
	StartedAt     int64  `json:"startedAt,omitempty"`
	EndedAt       int64  `json:"endedAt,omitempty"`
	Duration      int    `json:"duration,omitempty"`
	AppointmentID string `json:"appointmentId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// Persisted statuses, as the server spells them.
const (
	StatusInitiated = "initiated"
	StatusRinging   = "ringing"
	StatusActive    = "active"
	StatusEnded     = "ended"
	StatusMissed    = "missed"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// TerminalStatus reports whether a persisted status admits no further change.
func TerminalStatus(status string) bool {
	switch status {
	case StatusEnded, StatusMissed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// SessionAPI is the call session persistence API consumed by the controller
// and the presence poller.
type SessionAPI interface {
	Create(ctx context.Context, caller, receiver, appointmentID string) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	UpdateStatus(ctx context.Context, id, status string, duration int) (*Record, error)
	End(ctx context.Context, id string, duration int) (*Record, error)
}

// State is the local lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateRinging
	StateConnecting
	StateActive
	StateEnded
	StateRejected
	StateCancelled
	StateMissed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	case StateMissed:
		return "missed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the session is finished.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateCancelled, StateMissed, StateError:
		return true
	}
	return false
}

// Error taxonomy. Soft failures (negotiation races, offline peers, stale
// events) are recovered locally and never surface; what does reach the
// caller is a hard failure.
var (
	ErrPermissionDenied     = errors.New("media permission denied")
	ErrDeviceUnavailable    = errors.New("media device unavailable")
	ErrSignalingUnavailable = errors.New("signaling channel unavailable")
	ErrNegotiationRace      = errors.New("negotiation not stable")
	ErrConnectivityFailed   = errors.New("peer connectivity failed")
	ErrCallInProgress       = errors.New("a call is already in progress")
	ErrNoActiveCall         = errors.New("no active call")
	ErrNoLocalPreview       = errors.New("no local camera preview available")
	ErrSessionClosed        = errors.New("call session closed")
)

// peerOffline reports whether a call:error payload means the target user is
// simply not connected. The structured code is authoritative; the substring
// match on the free-text message covers servers that predate the code field.
func peerOffline(p *signal.ErrorPayload) bool {
	if p.Code != "" {
		return p.Code == signal.CodePeerOffline
	}
	msg := strings.ToLower(p.Message)
	return strings.Contains(msg, "offline") || strings.Contains(msg, "not connected")
}

// Event is one controller notification delivered to UI subscribers.
type Event struct {
	Type     string `json:"type"` // "incoming" | "state" | "remote-media" | "waiting" | "local-media"
	CallID   string `json:"call_id,omitempty"`
	Peer     string `json:"peer,omitempty"`
	State    string `json:"state,omitempty"`
	Kind     string `json:"kind,omitempty"` // "audio" | "video"
	Live     bool   `json:"live,omitempty"`
	Waiting  bool   `json:"waiting,omitempty"`
	Elapsed  int    `json:"elapsed,omitempty"`  // ringing seconds, cosmetic
	Duration int    `json:"duration,omitempty"` // call seconds, on ended
	Message  string `json:"message,omitempty"`
}
