package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/clinicport/callcore/internal/signal"
)

// settleDelay is the pause between receiving call:accepted and creating the
// offer, giving the accepting side time to finish mounting its media pipeline
// before the SDP arrives.
const settleDelay = 500 * time.Millisecond

// link is the connectivity surface the session drives. *PeerConn satisfies it;
// tests substitute a fake.
type link interface {
	AttachLocal() error
	CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	ApplyRemoteDescription(desc webrtc.SessionDescription) error
	CreateAnswer(ctx context.Context) (*webrtc.SessionDescription, error)
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	OnRemoteTrack(fn func(kind string, st RemoteTrackState))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEStateChange(fn func(webrtc.ICEConnectionState))
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	ConnectionState() webrtc.PeerConnectionState
	SubscribeMedia() (<-chan []byte, func())
	setOutgoing(kind webrtc.RTPCodecType, track webrtc.TrackLocal) bool
	Close() error
}

// sessionDeps is everything a session borrows from its manager.
type sessionDeps struct {
	sig     Signaler
	api     SessionAPI
	media   *Media
	selfID  string
	newLink func(label string) (link, error)
	notify  func(Event)
}

// Session is one call attempt from first intent to terminal state. A session
// is never reused: a new call gets a new Session, a new link, and fresh state.
type Session struct {
	sessionDeps

	mu            sync.Mutex
	id            string // persisted session id; the guard every handler checks
	peerID        string
	appointmentID string
	isInitiator   bool
	state         State
	pc            link
	startedAt     time.Time
	startedOnce   bool
	duration      int // seconds, set on ended
	errMsg        string

	audioOn bool
	videoOn bool

	waitActive  bool
	waitElapsed int
	waitStop    chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newOutboundSession(deps sessionDeps, receiverID, appointmentID string) *Session {
	return &Session{
		sessionDeps:   deps,
		peerID:        receiverID,
		appointmentID: appointmentID,
		isInitiator:   true,
		state:         StateIdle,
		audioOn:       true,
		videoOn:       true,
		done:          make(chan struct{}),
	}
}

func newInboundSession(deps sessionDeps, callID, caller, appointmentID string) *Session {
	return &Session{
		sessionDeps:   deps,
		id:            callID,
		peerID:        caller,
		appointmentID: appointmentID,
		isInitiator:   false,
		state:         StateRinging,
		audioOn:       true,
		videoOn:       true,
		done:          make(chan struct{}),
	}
}

// Accessors.

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) IsInitiator() bool {
	return s.isInitiator
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Duration returns elapsed call seconds: live while active, frozen once ended.
func (s *Session) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duration > 0 {
		return s.duration
	}
	if s.startedOnce && s.state == StateActive {
		return int(time.Since(s.startedAt).Seconds())
	}
	return s.duration
}

// Done is closed exactly once, after teardown completes. The manager waits on
// it before admitting the next call.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// SubscribeRemoteMedia taps the remote feed as a live WebM stream.
func (s *Session) SubscribeRemoteMedia() (<-chan []byte, func(), error) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return nil, nil, ErrNoActiveCall
	}
	ch, cancel := pc.SubscribeMedia()
	return ch, cancel, nil
}

// matchesID is the per-handler session guard: signaling events whose callId
// does not name this session are stale leftovers from a previous call and are
// dropped without logging an error.
func (s *Session) matchesID(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return callID != "" && callID == s.id
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = st
	id, peer, dur, msg := s.id, s.peerID, s.duration, s.errMsg
	s.mu.Unlock()

	log.Printf("CALL [%s]: state → %s", id, st)
	s.publish(Event{Type: "state", CallID: id, Peer: peer, State: st.String(), Duration: dur, Message: msg})
}

func (s *Session) publish(ev Event) {
	if s.notify != nil {
		s.notify(ev)
	}
}

// start runs the outbound call flow: acquire media, build connectivity with
// transceivers but no tracks yet, create the persisted record, attach local
// tracks, announce the call, then ring with the presence poller running.
func (s *Session) start(ctx context.Context) error {
	s.setState(StateInitiating)

	if err := s.media.Acquire(); err != nil {
		s.fail(err)
		return err
	}

	pc, err := s.newLink(s.peerID)
	if err != nil {
		s.fail(fmt.Errorf("create connection: %w", err))
		return err
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	s.wireLink(pc)

	rec, err := s.api.Create(ctx, s.selfID, s.peerID, s.appointmentID)
	if err != nil {
		s.fail(fmt.Errorf("create call session: %w", err))
		return err
	}
	s.mu.Lock()
	s.id = rec.ID
	s.mu.Unlock()

	if err := pc.AttachLocal(); err != nil {
		log.Printf("CALL [%s]: attach local tracks: %v", rec.ID, err)
	}

	err = s.sig.Emit(s.peerID, signal.EventInitiate, &signal.InitiatePayload{
		CallID:        rec.ID,
		ReceiverID:    s.peerID,
		AppointmentID: s.appointmentID,
	})
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
		s.fail(wrapped)
		return wrapped
	}

	s.setState(StateRinging)
	s.startWaiting()
	return nil
}

// mount builds the inbound side's connectivity before accept/offer arrive, so
// early ICE candidates have somewhere to buffer. Local tracks attach only if
// media is already captured; otherwise the pre-offer attach in CreateAnswer's
// path picks them up.
func (s *Session) mount() error {
	pc, err := s.newLink(s.peerID)
	if err != nil {
		s.fail(fmt.Errorf("create connection: %w", err))
		return err
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	s.wireLink(pc)

	if s.media != nil && s.media.Acquired() {
		if err := pc.AttachLocal(); err != nil {
			log.Printf("CALL [%s]: attach local tracks: %v", s.ID(), err)
		}
	}
	s.publish(Event{Type: "incoming", CallID: s.ID(), Peer: s.PeerID(), State: StateRinging.String()})
	return nil
}

func (s *Session) wireLink(pc link) {
	pc.OnRemoteTrack(s.onRemoteTrack)
	pc.OnConnectionStateChange(s.onConnState)
	pc.OnICEStateChange(s.onICEState)
	pc.OnICECandidate(s.onLocalCandidate)
}

// Accept answers an incoming call: capture media, attach, and tell the caller.
// The state stays Ringing until the offer arrives.
func (s *Session) Accept(ctx context.Context) error {
	if s.isInitiator {
		return errors.New("cannot accept an outbound call")
	}
	if st := s.State(); st != StateRinging {
		return fmt.Errorf("cannot accept in state %s", st)
	}

	if err := s.media.Acquire(); err != nil {
		s.fail(err)
		return err
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc != nil {
		if err := pc.AttachLocal(); err != nil {
			log.Printf("CALL [%s]: attach local tracks: %v", s.ID(), err)
		}
	}

	if _, err := s.api.UpdateStatus(ctx, s.ID(), StatusActive, -1); err != nil {
		log.Printf("CALL [%s]: mark active: %v", s.ID(), err)
	}

	err := s.sig.Emit(s.PeerID(), signal.EventAccept, &signal.NoticePayload{CallID: s.ID()})
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
		s.fail(wrapped)
		return wrapped
	}
	return nil
}

// Reject declines an incoming call and finishes the session.
func (s *Session) Reject(ctx context.Context) error {
	if s.isInitiator {
		return errors.New("cannot reject an outbound call")
	}
	if _, err := s.api.UpdateStatus(ctx, s.ID(), StatusRejected, -1); err != nil {
		log.Printf("CALL [%s]: mark rejected: %v", s.ID(), err)
	}
	if err := s.sig.Emit(s.PeerID(), signal.EventReject, &signal.NoticePayload{CallID: s.ID()}); err != nil {
		log.Printf("CALL [%s]: send reject: %v", s.ID(), err)
	}
	s.finish(StateRejected, 0)
	return nil
}

// Hangup ends the call from this side. Before the call went active the
// initiator's hangup is a cancel; afterwards it is a normal end carrying the
// call duration for the record.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	id := s.id
	peer := s.peerID
	started := s.startedOnce
	var dur int
	if started {
		dur = int(time.Since(s.startedAt).Seconds())
	}
	s.mu.Unlock()

	if st.Terminal() {
		return nil
	}

	if s.isInitiator && !started && (st == StateInitiating || st == StateRinging) {
		// The hub settles the record on cancel delivery (cancelled when the
		// receiver saw it, missed when they never did); the REST update is
		// only the fallback for a dead signaling channel.
		if err := s.sig.Emit(peer, signal.EventCancel, &signal.NoticePayload{CallID: id}); err != nil {
			log.Printf("CALL [%s]: send cancel: %v", id, err)
			if id != "" {
				if _, err := s.api.UpdateStatus(ctx, id, StatusCancelled, -1); err != nil {
					log.Printf("CALL [%s]: mark cancelled: %v", id, err)
				}
			}
		}
		s.finish(StateCancelled, 0)
		return nil
	}

	if err := s.sig.Emit(peer, signal.EventEnd, &signal.EndedPayload{CallID: id, Duration: dur}); err != nil {
		log.Printf("CALL [%s]: send end: %v", id, err)
	}
	if id != "" {
		if _, err := s.api.End(ctx, id, dur); err != nil {
			log.Printf("CALL [%s]: end session record: %v", id, err)
		}
	}
	s.finish(StateEnded, dur)
	return nil
}

// Signaling handlers. Every one of them re-checks the session id carried in
// the payload before acting.

func (s *Session) handleAccepted(env *signal.Envelope) {
	var p signal.NoticePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("CALL: bad accepted payload: %v", err)
		return
	}
	if !s.matchesID(p.CallID) || !s.isInitiator {
		return
	}
	if st := s.State(); st != StateRinging && st != StateInitiating {
		// Duplicate accept after negotiation already started.
		return
	}

	s.stopWaiting()
	s.setState(StateConnecting)
	go s.negotiate()
}

// negotiate waits out the settle delay and sends the offer. A negotiation race
// is logged and abandoned; the next trigger (an inbound offer, a reconnect)
// moves the call forward instead.
func (s *Session) negotiate() {
	select {
	case <-s.done:
		return
	case <-time.After(settleDelay):
	}

	s.mu.Lock()
	pc := s.pc
	id := s.id
	peer := s.peerID
	s.mu.Unlock()
	if pc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		if errors.Is(err, ErrNegotiationRace) || errors.Is(err, ErrSessionClosed) {
			log.Printf("CALL [%s]: offer abandoned: %v", id, err)
			return
		}
		s.fail(fmt.Errorf("create offer: %w", err))
		return
	}

	desc, err := json.Marshal(offer)
	if err != nil {
		s.fail(err)
		return
	}
	err = s.sig.Emit(peer, signal.EventOffer, &signal.SDPPayload{
		CallID:      id,
		TargetID:    peer,
		Description: desc,
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrSignalingUnavailable, err))
	}
}

func (s *Session) handleRejected(env *signal.Envelope) {
	var p signal.NoticePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !s.matchesID(p.CallID) {
		return
	}
	s.finish(StateRejected, 0)
}

func (s *Session) handleCancelled(env *signal.Envelope) {
	var p signal.NoticePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !s.matchesID(p.CallID) {
		return
	}
	s.finish(StateCancelled, 0)
}

func (s *Session) handleEnded(env *signal.Envelope) {
	var p signal.EndedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !s.matchesID(p.CallID) {
		return
	}
	s.finish(StateEnded, p.Duration)
}

// handleError routes hub-reported failures. "Peer offline" while ringing is
// not fatal: the receiver may simply not have the portal open yet, so the
// session keeps ringing and lets the presence poller watch for them. Anything
// else is a hard signaling failure.
func (s *Session) handleError(env *signal.Envelope) {
	var p signal.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !s.matchesID(p.CallID) {
		return
	}

	if peerOffline(&p) {
		if s.isInitiator {
			if st := s.State(); st == StateRinging || st == StateInitiating {
				log.Printf("CALL [%s]: peer offline — continuing to wait", s.ID())
				s.startWaiting()
				return
			}
		}
		s.fail(fmt.Errorf("%w: peer went offline", ErrConnectivityFailed))
		return
	}

	s.fail(fmt.Errorf("%w: %s", ErrSignalingUnavailable, p.Message))
}

// handleOffer is the receiver's negotiation path: install the remote offer,
// make sure local tracks are attached, answer.
func (s *Session) handleOffer(env *signal.Envelope) {
	var p signal.SDPPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("CALL: bad offer payload: %v", err)
		return
	}
	if !s.matchesID(p.CallID) {
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(p.Description, &desc); err != nil {
		log.Printf("CALL [%s]: bad offer description: %v", s.ID(), err)
		return
	}

	s.mu.Lock()
	pc := s.pc
	peer := s.peerID
	id := s.id
	s.mu.Unlock()
	if pc == nil {
		return
	}

	// A renegotiation offer mid-call must not knock the state back.
	if s.State() == StateRinging {
		s.setState(StateConnecting)
	}

	if err := pc.ApplyRemoteDescription(desc); err != nil {
		s.fail(fmt.Errorf("apply offer: %w", err))
		return
	}
	if err := pc.AttachLocal(); err != nil {
		log.Printf("CALL [%s]: attach before answer: %v", id, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		s.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		s.fail(err)
		return
	}
	err = s.sig.Emit(peer, signal.EventAnswer, &signal.SDPPayload{
		CallID:      id,
		TargetID:    peer,
		Description: raw,
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrSignalingUnavailable, err))
	}
}

func (s *Session) handleAnswer(env *signal.Envelope) {
	var p signal.SDPPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !s.matchesID(p.CallID) {
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(p.Description, &desc); err != nil {
		log.Printf("CALL [%s]: bad answer description: %v", s.ID(), err)
		return
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.ApplyRemoteDescription(desc); err != nil {
		s.fail(fmt.Errorf("apply answer: %w", err))
	}
}

func (s *Session) handleCandidate(env *signal.Envelope) {
	var p signal.CandidatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !s.matchesID(p.CallID) {
		return
	}

	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &c); err != nil {
		log.Printf("CALL [%s]: bad candidate: %v", s.ID(), err)
		return
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddRemoteCandidate(c); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.ID(), err)
	}
}

// Link callbacks.

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	id := s.id
	peer := s.peerID
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal || id == "" {
		return
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	err = s.sig.Emit(peer, signal.EventCandidate, &signal.CandidatePayload{
		CallID:    id,
		TargetID:  peer,
		Candidate: raw,
	})
	if err != nil {
		log.Printf("CALL [%s]: send candidate: %v", id, err)
	}
}

func (s *Session) onRemoteTrack(kind string, st RemoteTrackState) {
	if st.Active() {
		s.markActive()
	}
	s.publish(Event{
		Type:   "remote-media",
		CallID: s.ID(),
		Kind:   kind,
		Live:   st.Active(),
	})
}

func (s *Session) onConnState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.markActive()
	case webrtc.PeerConnectionStateFailed:
		s.fail(ErrConnectivityFailed)
	case webrtc.PeerConnectionStateDisconnected:
		// Transient with the long ICE timeouts configured; failed is the
		// verdict that matters.
		log.Printf("CALL [%s]: transport disconnected — waiting for recovery", s.ID())
	}
}

func (s *Session) onICEState(st webrtc.ICEConnectionState) {
	if st == webrtc.ICEConnectionStateFailed {
		s.fail(ErrConnectivityFailed)
	}
}

// markActive promotes the session to Active exactly once, stamping the wall
// clock the duration is measured from.
func (s *Session) markActive() {
	s.mu.Lock()
	if s.startedOnce || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.startedOnce = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.stopWaiting()
	s.setState(StateActive)
}

// finish moves the session to a terminal state and tears everything down.
// Safe to call from any path; the first caller wins.
func (s *Session) finish(st State, duration int) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if duration == 0 && s.startedOnce {
		duration = int(time.Since(s.startedAt).Seconds())
	}
	s.duration = duration
	s.mu.Unlock()

	s.setState(st)
	s.teardown()
}

// fail is finish for hard errors: the session lands in StateError with the
// message attached, and the record is closed best-effort so the peer's poller
// sees a terminal status.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.errMsg = err.Error()
	id := s.id
	started := s.startedOnce
	var dur int
	if started {
		dur = int(time.Since(s.startedAt).Seconds())
		s.duration = dur
	}
	s.mu.Unlock()

	log.Printf("CALL [%s]: failed: %v", id, err)
	if id != "" && started {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, apiErr := s.api.End(ctx, id, dur); apiErr != nil {
			log.Printf("CALL [%s]: close record after failure: %v", id, apiErr)
		}
		cancel()
	}

	s.setState(StateError)
	s.teardown()
}

// teardown releases connectivity and media unconditionally. Runs on every
// terminal transition, exactly once.
func (s *Session) teardown() {
	s.doneOnce.Do(func() {
		s.stopWaiting()

		s.mu.Lock()
		pc := s.pc
		s.pc = nil
		id := s.id
		s.mu.Unlock()

		if pc != nil {
			if err := pc.Close(); err != nil {
				log.Printf("CALL [%s]: close connection: %v", id, err)
			}
		}
		if s.media != nil {
			s.media.Release()
		}
		close(s.done)
	})
}
