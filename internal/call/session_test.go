package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/clinicport/callcore/internal/signal"
)

func mkEnv(payload any) *signal.Envelope {
	raw, _ := json.Marshal(payload)
	return &signal.Envelope{Payload: raw}
}

func startOutbound(t *testing.T) (*Session, *fakeSignaler, *fakeAPI, *fakeLink) {
	t.Helper()
	sig := newFakeSignaler()
	api := newFakeAPI()
	lk := &fakeLink{}

	s := newOutboundSession(testDeps(sig, api, lk), "patient-7", "appt-42")
	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s, sig, api, lk
}

func TestOutboundStartRingsAndWaits(t *testing.T) {
	s, sig, _, lk := startOutbound(t)

	if got := s.State(); got != StateRinging {
		t.Fatalf("state = %s, want ringing", got)
	}
	if s.ID() == "" {
		t.Fatal("session has no id after start")
	}
	if waiting, _ := s.Waiting(); !waiting {
		t.Fatal("not in waiting sub-state while ringing")
	}
	if !lk.attached {
		t.Fatal("local tracks not attached before announcing the call")
	}

	e := sig.waitSent(t, signal.EventInitiate, time.Second)
	if e.to != "patient-7" {
		t.Errorf("initiate sent to %q, want patient-7", e.to)
	}
	var p signal.InitiatePayload
	if err := json.Unmarshal(e.payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.CallID != s.ID() || p.AppointmentID != "appt-42" {
		t.Errorf("initiate payload = %+v", p)
	}
}

func TestStaleAcceptedIsDropped(t *testing.T) {
	s, sig, _, _ := startOutbound(t)

	s.handleAccepted(mkEnv(&signal.NoticePayload{CallID: "some-old-call"}))

	if got := s.State(); got != StateRinging {
		t.Fatalf("state = %s after stale accepted, want ringing", got)
	}
	time.Sleep(700 * time.Millisecond)
	if es := sig.sent(signal.EventOffer); len(es) != 0 {
		t.Fatal("offer sent for a stale accepted event")
	}
}

func TestAcceptedTriggersOffer(t *testing.T) {
	s, sig, _, _ := startOutbound(t)

	s.handleAccepted(mkEnv(&signal.NoticePayload{CallID: s.ID()}))

	if got := s.State(); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
	if waiting, _ := s.Waiting(); waiting {
		t.Fatal("still waiting after accept")
	}

	e := sig.waitSent(t, signal.EventOffer, 2*time.Second)
	var p signal.SDPPayload
	if err := json.Unmarshal(e.payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.CallID != s.ID() {
		t.Errorf("offer callId = %q, want %q", p.CallID, s.ID())
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(p.Description, &desc); err != nil {
		t.Fatalf("offer description: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		t.Errorf("description type = %s, want offer", desc.Type)
	}
}

func TestNegotiationRaceIsAbandonedNotFatal(t *testing.T) {
	sig := newFakeSignaler()
	api := newFakeAPI()
	lk := &fakeLink{offerErr: ErrNegotiationRace}

	s := newOutboundSession(testDeps(sig, api, lk), "patient-7", "")
	if err := s.start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.handleAccepted(mkEnv(&signal.NoticePayload{CallID: s.ID()}))

	time.Sleep(800 * time.Millisecond)
	if got := s.State(); got != StateConnecting {
		t.Fatalf("state = %s after negotiation race, want connecting", got)
	}
	if es := sig.sent(signal.EventOffer); len(es) != 0 {
		t.Fatal("offer emitted despite race")
	}
}

func TestPeerOfflineKeepsRinging(t *testing.T) {
	s, _, _, _ := startOutbound(t)

	s.handleError(mkEnv(&signal.ErrorPayload{
		CallID:  s.ID(),
		Code:    signal.CodePeerOffline,
		Message: "user offline / not connected",
	}))

	if got := s.State(); got != StateRinging {
		t.Fatalf("state = %s after peer_offline, want ringing", got)
	}
	if waiting, _ := s.Waiting(); !waiting {
		t.Fatal("waiting sub-state dropped on peer_offline")
	}
}

func TestHardSignalErrorFails(t *testing.T) {
	s, _, _, lk := startOutbound(t)

	s.handleError(mkEnv(&signal.ErrorPayload{
		CallID:  s.ID(),
		Code:    signal.CodeInternal,
		Message: "hub exploded",
	}))

	waitState(t, s, StateError, time.Second)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after failure")
	}
	if !lk.isClosed() {
		t.Fatal("link not closed on failure")
	}
}

func TestRemoteRejectedEndsSession(t *testing.T) {
	s, _, _, lk := startOutbound(t)

	s.handleRejected(mkEnv(&signal.NoticePayload{CallID: s.ID()}))

	waitState(t, s, StateRejected, time.Second)
	if !lk.isClosed() {
		t.Fatal("link left open after reject")
	}
	if waiting, _ := s.Waiting(); waiting {
		t.Fatal("still waiting after reject")
	}
}

func TestHangupBeforeActiveCancels(t *testing.T) {
	s, sig, api, _ := startOutbound(t)

	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	if got := s.State(); got != StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
	sig.waitSent(t, signal.EventCancel, time.Second)
	// The hub settles the record on cancel delivery; no direct update here.
	if got := api.statusOf(s.ID()); got != StatusInitiated {
		t.Fatalf("record status = %q, want initiated (left to the hub)", got)
	}
}

func TestHangupCancelFallsBackWhenSignalingDown(t *testing.T) {
	s, sig, api, _ := startOutbound(t)

	sig.mu.Lock()
	sig.down = true
	sig.mu.Unlock()

	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if got := s.State(); got != StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
	if got := api.statusOf(s.ID()); got != StatusCancelled {
		t.Fatalf("record status = %q, want cancelled via REST fallback", got)
	}
}

func TestHangupActiveEndsWithDuration(t *testing.T) {
	s, sig, api, _ := startOutbound(t)
	s.markActive()

	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	if got := s.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
	sig.waitSent(t, signal.EventEnd, time.Second)
	if got := api.statusOf(s.ID()); got != StatusEnded {
		t.Fatalf("record status = %q, want ended", got)
	}
}

func TestMarkActivePromotesOnce(t *testing.T) {
	s, _, _, _ := startOutbound(t)

	s.markActive()
	started := func() time.Time {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.startedAt
	}()
	s.markActive()
	s.markActive()

	s.mu.Lock()
	again := s.startedAt
	s.mu.Unlock()
	if !started.Equal(again) {
		t.Fatal("startedAt restamped by repeated markActive")
	}
	if waiting, _ := s.Waiting(); waiting {
		t.Fatal("waiting survived activation")
	}
}

func TestRemoteEndedCarriesDuration(t *testing.T) {
	s, _, _, _ := startOutbound(t)
	s.markActive()

	s.handleEnded(mkEnv(&signal.EndedPayload{CallID: s.ID(), Duration: 93}))

	waitState(t, s, StateEnded, time.Second)
	if got := s.Duration(); got != 93 {
		t.Fatalf("duration = %d, want 93", got)
	}
}

func TestConnectivityFailureIsFatal(t *testing.T) {
	s, _, _, _ := startOutbound(t)
	s.markActive()

	s.onConnState(webrtc.PeerConnectionStateFailed)

	waitState(t, s, StateError, time.Second)
}

func TestDisconnectedIsTransient(t *testing.T) {
	s, _, _, _ := startOutbound(t)
	s.markActive()

	s.onConnState(webrtc.PeerConnectionStateDisconnected)

	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s after disconnected, want active (transient)", got)
	}
}

func TestInboundOfferAnswerFlow(t *testing.T) {
	sig := newFakeSignaler()
	api := newFakeAPI()
	lk := &fakeLink{}

	rec, _ := api.Create(context.Background(), "dr-jones", "patient-7", "")
	deps := testDeps(sig, api, lk)
	deps.selfID = "patient-7"

	s := newInboundSession(deps, rec.ID, "dr-jones", "")
	if err := s.mount(); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if got := s.State(); got != StateRinging {
		t.Fatalf("state = %s, want ringing", got)
	}

	if err := s.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	sig.waitSent(t, signal.EventAccept, time.Second)
	if got := api.statusOf(rec.ID); got != StatusActive {
		t.Fatalf("record status = %q after accept, want active", got)
	}

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"})
	s.handleOffer(mkEnv(&signal.SDPPayload{CallID: rec.ID, Description: offer}))

	if got := s.State(); got != StateConnecting {
		t.Fatalf("state = %s after offer, want connecting", got)
	}
	if len(lk.remoteApplied) != 1 {
		t.Fatalf("remote descriptions applied = %d, want 1", len(lk.remoteApplied))
	}
	sig.waitSent(t, signal.EventAnswer, time.Second)

	s.onConnState(webrtc.PeerConnectionStateConnected)
	waitState(t, s, StateActive, time.Second)
}

func TestInboundReject(t *testing.T) {
	sig := newFakeSignaler()
	api := newFakeAPI()
	lk := &fakeLink{}

	rec, _ := api.Create(context.Background(), "dr-jones", "patient-7", "")
	deps := testDeps(sig, api, lk)
	deps.selfID = "patient-7"

	s := newInboundSession(deps, rec.ID, "dr-jones", "")
	if err := s.mount(); err != nil {
		t.Fatal(err)
	}
	if err := s.Reject(context.Background()); err != nil {
		t.Fatalf("reject: %v", err)
	}

	sig.waitSent(t, signal.EventReject, time.Second)
	if got := s.State(); got != StateRejected {
		t.Fatalf("state = %s, want rejected", got)
	}
	if got := api.statusOf(rec.ID); got != StatusRejected {
		t.Fatalf("record status = %q, want rejected", got)
	}
}

func TestStaleCandidateDropped(t *testing.T) {
	s, _, _, lk := startOutbound(t)

	raw, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	s.handleCandidate(mkEnv(&signal.CandidatePayload{CallID: "other-call", Candidate: raw}))
	if len(lk.candidates) != 0 {
		t.Fatal("candidate for another session was applied")
	}

	s.handleCandidate(mkEnv(&signal.CandidatePayload{CallID: s.ID(), Candidate: raw}))
	if len(lk.candidates) != 1 {
		t.Fatal("candidate for this session was not applied")
	}
}

func TestSignalingDownFailsStart(t *testing.T) {
	sig := newFakeSignaler()
	sig.down = true
	api := newFakeAPI()
	lk := &fakeLink{}

	s := newOutboundSession(testDeps(sig, api, lk), "patient-7", "")
	err := s.start(context.Background())
	if err == nil {
		t.Fatal("start succeeded with signaling down")
	}
	if got := s.State(); got != StateError {
		t.Fatalf("state = %s, want error", got)
	}
}

func TestToggleFlagsWithoutTracks(t *testing.T) {
	s, _, _, _ := startOutbound(t)

	if !s.VideoEnabled() || !s.AudioEnabled() {
		t.Fatal("media flags should start enabled")
	}

	if disabled := s.ToggleVideo(); !disabled {
		t.Fatal("first video toggle should report disabled")
	}
	if s.VideoEnabled() {
		t.Fatal("video flag still enabled after toggle")
	}
	if disabled := s.ToggleVideo(); disabled {
		t.Fatal("second video toggle should report enabled")
	}

	if muted := s.ToggleAudio(); !muted {
		t.Fatal("first audio toggle should report muted")
	}
	if s.AudioEnabled() {
		t.Fatal("audio flag still enabled after toggle")
	}
}
