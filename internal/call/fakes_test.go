package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/clinicport/callcore/internal/signal"
)

// fakeSignaler records emitted envelopes and lets tests inject inbound ones.
type fakeSignaler struct {
	mu       sync.Mutex
	down     bool
	emitted  []emitted
	handlers map[string][]signal.Handler
}

type emitted struct {
	to      string
	event   string
	payload json.RawMessage
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string][]signal.Handler)}
}

func (f *fakeSignaler) On(event string, fn signal.Handler) (off func()) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSignaler) Emit(to, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return signal.ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.emitted = append(f.emitted, emitted{to: to, event: event, payload: raw})
	return nil
}

func (f *fakeSignaler) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

// deliver fires registered handlers as if the hub pushed an envelope.
func (f *fakeSignaler) deliver(event, from string, payload any) {
	raw, _ := json.Marshal(payload)
	env := &signal.Envelope{Event: event, From: from, Payload: raw}
	f.mu.Lock()
	hs := append([]signal.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (f *fakeSignaler) sent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// waitSent polls until at least one envelope of the given event was emitted.
func (f *fakeSignaler) waitSent(t *testing.T, event string, timeout time.Duration) emitted {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if es := f.sent(event); len(es) > 0 {
			return es[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s emitted within %s", event, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeAPI is an in-memory SessionAPI.
type fakeAPI struct {
	mu      sync.Mutex
	nextID  int
	records map[string]*Record
	updates []string // "id:status" in order, for assertions
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{records: make(map[string]*Record)}
}

func (f *fakeAPI) Create(_ context.Context, caller, receiver, appointmentID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec := &Record{
		ID:            fmt.Sprintf("call-%d", f.nextID),
		Caller:        caller,
		Receiver:      receiver,
		Status:        StatusInitiated,
		AppointmentID: appointmentID,
		CreatedAt:     time.Now().UnixMilli(),
	}
	f.records[rec.ID] = rec
	return cloneRecord(rec), nil
}

func (f *fakeAPI) Get(_ context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return cloneRecord(rec), nil
}

func (f *fakeAPI) UpdateStatus(_ context.Context, id, status string, duration int) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	rec.Status = status
	if duration >= 0 {
		rec.Duration = duration
	}
	f.updates = append(f.updates, id+":"+status)
	return cloneRecord(rec), nil
}

func (f *fakeAPI) End(ctx context.Context, id string, duration int) (*Record, error) {
	return f.UpdateStatus(ctx, id, StatusEnded, duration)
}

func (f *fakeAPI) statusOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		return rec.Status
	}
	return ""
}

func cloneRecord(r *Record) *Record {
	c := *r
	return &c
}

// fakeLink satisfies link without touching pion internals.
type fakeLink struct {
	mu            sync.Mutex
	attached      bool
	closed        bool
	remoteApplied []webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	replaced      []string // "kind:on" / "kind:off"

	offerErr error // returned once, then cleared

	onRemoteTrack func(kind string, st RemoteTrackState)
	onConnState   func(webrtc.PeerConnectionState)
	onICEState    func(webrtc.ICEConnectionState)
	onCandidate   func(webrtc.ICECandidateInit)
}

func (f *fakeLink) AttachLocal() error {
	f.mu.Lock()
	f.attached = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) CreateOffer(context.Context) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		err := f.offerErr
		f.offerErr = nil
		return nil, err
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (f *fakeLink) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	f.remoteApplied = append(f.remoteApplied, desc)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) CreateAnswer(context.Context) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (f *fakeLink) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) OnRemoteTrack(fn func(string, RemoteTrackState)) { f.onRemoteTrack = fn }
func (f *fakeLink) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onConnState = fn
}
func (f *fakeLink) OnICEStateChange(fn func(webrtc.ICEConnectionState)) { f.onICEState = fn }
func (f *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit))    { f.onCandidate = fn }

func (f *fakeLink) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (f *fakeLink) SubscribeMedia() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	return ch, func() {}
}

func (f *fakeLink) setOutgoing(kind webrtc.RTPCodecType, track webrtc.TrackLocal) bool {
	state := "off"
	if track != nil {
		state = "on"
	}
	f.mu.Lock()
	f.replaced = append(f.replaced, kind.String()+":"+state)
	f.mu.Unlock()
	return true
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// testDeps builds sessionDeps on fakes. Capture is disabled so tests run on
// any platform without hardware.
func testDeps(sig *fakeSignaler, api *fakeAPI, lk *fakeLink) sessionDeps {
	return sessionDeps{
		sig:     sig,
		api:     api,
		media:   NewMedia(MediaConfig{Disabled: true}),
		selfID:  "dr-jones",
		newLink: func(string) (link, error) { return lk, nil },
	}
}

// waitState polls a session until it reaches want.
func waitState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if s.State() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
