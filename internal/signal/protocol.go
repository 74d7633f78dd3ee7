// Package signal implements the out-of-band call signaling layer: the wire
// protocol, the WebSocket client used by call nodes, and the hub server that
// routes envelopes between users and persists call session records.
package signal

import "encoding/json"

// Event names produced by a node.
const (
	EventInitiate  = "call:initiate"
	EventAccept    = "call:accept"
	EventReject    = "call:reject"
	EventCancel    = "call:cancel"
	EventEnd       = "call:end"
	EventOffer     = "webrtc:offer"
	EventAnswer    = "webrtc:answer"
	EventCandidate = "webrtc:ice-candidate"
)

// Event names consumed by a node. The hub rewrites the imperative forms on
// delivery: call:initiate arrives as call:incoming, call:accept as
// call:accepted, and so on. webrtc:* events pass through unchanged.
const (
	EventIncoming  = "call:incoming"
	EventAccepted  = "call:accepted"
	EventRejected  = "call:rejected"
	EventCancelled = "call:cancelled"
	EventEnded     = "call:ended"
	EventError     = "call:error"
)

// Structured error codes carried on call:error payloads. Code is authoritative
// when present; the free-text Message is a fallback for older servers.
const (
	CodePeerOffline = "peer_offline"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

// Envelope is one signaling message. To is set by the sender and stripped by
// the hub; From is set by the hub on delivery.
type Envelope struct {
	Event   string          `json:"event"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type InitiatePayload struct {
	CallID        string `json:"callId"`
	ReceiverID    string `json:"receiverId"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

type IncomingPayload struct {
	CallID        string `json:"callId"`
	Caller        string `json:"caller"`
	CallerName    string `json:"callerName,omitempty"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

// NoticePayload covers call:accept(ed), call:reject(ed), call:cancel(led).
type NoticePayload struct {
	CallID string `json:"callId"`
}

type EndedPayload struct {
	CallID   string `json:"callId"`
	Duration int    `json:"duration,omitempty"` // seconds
}

type ErrorPayload struct {
	CallID  string `json:"callId,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SDPPayload carries webrtc:offer and webrtc:answer. The description blob is
// opaque to the signaling layer.
type SDPPayload struct {
	CallID      string          `json:"callId"`
	TargetID    string          `json:"targetUserId,omitempty"`
	Description json.RawMessage `json:"description"`
}

type CandidatePayload struct {
	CallID    string          `json:"callId"`
	TargetID  string          `json:"targetUserId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// deliveredEvent maps an inbound imperative event name to the notice name the
// target node consumes. Unknown events route through unchanged.
func deliveredEvent(event string) string {
	switch event {
	case EventInitiate:
		return EventIncoming
	case EventAccept:
		return EventAccepted
	case EventReject:
		return EventRejected
	case EventCancel:
		return EventCancelled
	case EventEnd:
		return EventEnded
	default:
		return event
	}
}
