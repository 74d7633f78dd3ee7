package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/clinicport/callcore/internal/signal"
	"github.com/clinicport/callcore/internal/util"
)

// IncomingCall is handed to subscribers when a peer rings this node.
type IncomingCall struct {
	CallID        string
	Caller        string
	AppointmentID string
}

// Manager owns at most one live session at a time and binds the signaling
// handlers exactly once. Handlers resolve the current session when they fire,
// not when they are registered — after a hangup-then-redial, late events from
// the dead call must not be delivered to the new one, and the per-session id
// guard inside each handler drops them.
type Manager struct {
	sig    Signaler
	api    SessionAPI
	media  *Media
	selfID string
	ice    []string

	mkLink func(label string) (link, error)

	mu  sync.RWMutex
	cur *Session

	subMu sync.RWMutex
	subs  map[chan Event]struct{}
	hist  *util.Ring[Event]

	offs     []func()
	closeOne sync.Once
}

func NewManager(sig Signaler, api SessionAPI, media *Media, selfID string, iceServers []string) *Manager {
	m := &Manager{
		sig:    sig,
		api:    api,
		media:  media,
		selfID: selfID,
		ice:    iceServers,
		subs:   make(map[chan Event]struct{}),
		hist:   util.NewRing[Event](64),
	}
	m.mkLink = func(label string) (link, error) {
		return NewPeerConn(label, m.ice, m.media)
	}
	m.bind()
	return m
}

func (m *Manager) bind() {
	on := func(event string, fn func(*Session, *signal.Envelope)) {
		off := m.sig.On(event, func(env *signal.Envelope) {
			if s := m.Current(); s != nil {
				fn(s, env)
			}
		})
		m.offs = append(m.offs, off)
	}

	m.offs = append(m.offs, m.sig.On(signal.EventIncoming, m.handleIncoming))
	on(signal.EventAccepted, (*Session).handleAccepted)
	on(signal.EventRejected, (*Session).handleRejected)
	on(signal.EventCancelled, (*Session).handleCancelled)
	on(signal.EventEnded, (*Session).handleEnded)
	on(signal.EventError, (*Session).handleError)
	on(signal.EventOffer, (*Session).handleOffer)
	on(signal.EventAnswer, (*Session).handleAnswer)
	on(signal.EventCandidate, (*Session).handleCandidate)
}

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) deps() sessionDeps {
	return sessionDeps{
		sig:     m.sig,
		api:     m.api,
		media:   m.media,
		selfID:  m.selfID,
		newLink: m.mkLink,
		notify:  m.publish,
	}
}

// PlaceCall starts an outbound call. If the previous session just reached a
// terminal state, its teardown is awaited first so media and connectivity from
// the old call are fully released before the new one acquires them.
func (m *Manager) PlaceCall(ctx context.Context, receiverID, appointmentID string) (*Session, error) {
	m.mu.Lock()
	if m.cur != nil {
		if !m.cur.State().Terminal() {
			m.mu.Unlock()
			return nil, ErrCallInProgress
		}
		prev := m.cur
		m.mu.Unlock()
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}

	s := newOutboundSession(m.deps(), receiverID, appointmentID)
	m.cur = s
	m.mu.Unlock()

	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// handleIncoming mounts a fresh inbound session. A node already in a call
// declines the second ring immediately.
func (m *Manager) handleIncoming(env *signal.Envelope) {
	p, err := decodeIncoming(env)
	if err != nil {
		log.Printf("CALL: bad incoming payload: %v", err)
		return
	}

	var prev *Session
	m.mu.Lock()
	if m.cur != nil {
		if !m.cur.State().Terminal() {
			m.mu.Unlock()
			log.Printf("CALL [%s]: busy — declining incoming call from %s", p.CallID, p.Caller)
			if err := m.sig.Emit(p.Caller, signal.EventReject, &signal.NoticePayload{CallID: p.CallID}); err != nil {
				log.Printf("CALL [%s]: send busy reject: %v", p.CallID, err)
			}
			return
		}
		prev = m.cur
	}
	s := newInboundSession(m.deps(), p.CallID, p.Caller, p.AppointmentID)
	m.cur = s
	m.mu.Unlock()

	// The previous session's teardown releases the media tracks; mounting
	// before it finishes could attach tracks that are about to be stopped.
	if prev != nil {
		select {
		case <-prev.Done():
		case <-time.After(3 * time.Second):
			log.Printf("CALL [%s]: previous session teardown is slow — mounting anyway", p.CallID)
		}
	}

	log.Printf("CALL [%s]: incoming from %s", p.CallID, p.Caller)
	if err := s.mount(); err != nil {
		log.Printf("CALL [%s]: mount incoming: %v", p.CallID, err)
	}
}

// Accept answers the current incoming call.
func (m *Manager) Accept(ctx context.Context) error {
	s := m.Current()
	if s == nil || s.State().Terminal() {
		return ErrNoActiveCall
	}
	return s.Accept(ctx)
}

// Reject declines the current incoming call.
func (m *Manager) Reject(ctx context.Context) error {
	s := m.Current()
	if s == nil || s.State().Terminal() {
		return ErrNoActiveCall
	}
	return s.Reject(ctx)
}

// Hangup ends or cancels the current call.
func (m *Manager) Hangup(ctx context.Context) error {
	s := m.Current()
	if s == nil || s.State().Terminal() {
		return ErrNoActiveCall
	}
	return s.Hangup(ctx)
}

// ToggleAudio flips the outgoing microphone. Returns the new muted state.
func (m *Manager) ToggleAudio() (bool, error) {
	s := m.Current()
	if s == nil || s.State().Terminal() {
		return false, ErrNoActiveCall
	}
	return s.ToggleAudio(), nil
}

// ToggleVideo flips the outgoing camera. Returns the new disabled state.
func (m *Manager) ToggleVideo() (bool, error) {
	s := m.Current()
	if s == nil || s.State().Terminal() {
		return false, ErrNoActiveCall
	}
	return s.ToggleVideo(), nil
}

// Subscribe returns a channel of controller events and a cancel func. Slow
// subscribers drop events rather than stall the call path.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.hist.Add(ev)
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// History returns the most recent controller events, oldest first. The event
// stream endpoint replays it on connect so a frontend that reconnects does not
// miss the ring or a terminal transition that happened while it was away.
func (m *Manager) History() []Event {
	return m.hist.Recent()
}

// SubscribeLocalMedia taps the local camera preview as a live WebM stream.
// Available whenever media is acquired, call or no call.
func (m *Manager) SubscribeLocalMedia() (<-chan []byte, func(), error) {
	if m.media == nil {
		return nil, nil, ErrNoLocalPreview
	}
	return m.media.SubscribeLocal()
}

// SubscribeRemoteMedia taps the current call's remote feed as a live WebM
// stream.
func (m *Manager) SubscribeRemoteMedia() (<-chan []byte, func(), error) {
	s := m.Current()
	if s == nil || s.State().Terminal() {
		return nil, nil, ErrNoActiveCall
	}
	return s.SubscribeRemoteMedia()
}

// Status is a point-in-time snapshot for the HTTP API.
type Status struct {
	State         string `json:"state"`
	CallID        string `json:"call_id,omitempty"`
	Peer          string `json:"peer,omitempty"`
	Initiator     bool   `json:"initiator,omitempty"`
	Waiting       bool   `json:"waiting,omitempty"`
	Elapsed       int    `json:"elapsed,omitempty"`
	Duration      int    `json:"duration,omitempty"`
	AudioOn       bool   `json:"audio_on"`
	VideoOn       bool   `json:"video_on"`
	SignalingUp   bool   `json:"signaling_up"`
	MediaAcquired bool   `json:"media_acquired"`
	Error         string `json:"error,omitempty"`
}

func (m *Manager) Status() Status {
	st := Status{
		State:       StateIdle.String(),
		SignalingUp: m.sig.IsConnected(),
	}
	if m.media != nil {
		st.MediaAcquired = m.media.Acquired()
	}
	s := m.Current()
	if s == nil {
		return st
	}
	waiting, elapsed := s.Waiting()
	st.State = s.State().String()
	st.CallID = s.ID()
	st.Peer = s.PeerID()
	st.Initiator = s.IsInitiator()
	st.Waiting = waiting
	st.Elapsed = elapsed
	st.Duration = s.Duration()
	st.AudioOn = s.AudioEnabled()
	st.VideoOn = s.VideoEnabled()
	st.Error = s.Err()
	return st
}

// Close unbinds the signaling handlers and ends any live call.
func (m *Manager) Close() {
	m.closeOne.Do(func() {
		for _, off := range m.offs {
			off()
		}
		if s := m.Current(); s != nil && !s.State().Terminal() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Hangup(ctx); err != nil {
				log.Printf("CALL: hangup on close: %v", err)
			}
			cancel()
		}
		m.subMu.Lock()
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	})
}

func decodeIncoming(env *signal.Envelope) (*signal.IncomingPayload, error) {
	var p signal.IncomingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	if p.Caller == "" {
		p.Caller = env.From
	}
	return &p, nil
}
