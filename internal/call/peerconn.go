package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	// offerRetryDelay is how long to wait before the single retry when offer
	// creation finds the signaling state non-stable (a remote negotiation is
	// in flight).
	offerRetryDelay = 500 * time.Millisecond

	// remoteStallAfter is the RTP gap after which a remote track counts as
	// muted; pliInterval paces the picture-loss nudge on remote video.
	remoteStallAfter = 2 * time.Second
	pliInterval      = 3 * time.Second
)

// RemoteTrackState is the observable condition of one inbound track. The
// three signals are orthogonal: a track can be enabled but muted, or unmuted
// but not yet carrying packets. Only all three together count as an active
// remote feed.
type RemoteTrackState struct {
	Enabled bool `json:"enabled"`
	Muted   bool `json:"muted"`
	Live    bool `json:"live"`
}

func (s RemoteTrackState) Active() bool {
	return s.Enabled && !s.Muted && s.Live
}

// PeerConn owns the per-call connectivity object. One is created per call
// attempt and never reused.
type PeerConn struct {
	callID string
	pc     *webrtc.PeerConnection
	media  *Media
	stream *mediaStream

	mu       sync.Mutex
	closed   bool
	attached bool
	pending  []webrtc.ICECandidateInit

	onRemoteTrack func(kind string, st RemoteTrackState)
	onConnState   func(webrtc.PeerConnectionState)
	onICEState    func(webrtc.ICEConnectionState)
	onCandidate   func(webrtc.ICECandidateInit)

	done chan struct{}
}

// NewPeerConn builds the WebRTC API with the codecs the local media encodes
// with, creates the peer connection, and negotiates exactly one audio and one
// video transceiver in sendrecv mode — before any track is attached, so the
// produced offer/answer always carries matching media lines.
func NewPeerConn(callID string, iceServers []string, media *Media) (*PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if media != nil {
		if err := media.PopulateEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is far too
	// short for relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &PeerConn{
		callID: callID,
		pc:     pc,
		media:  media,
		stream: newMediaStream(callID, true),
		done:   make(chan struct{}),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(p.handleRemoteTrack)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state → %s", callID, st)
		p.mu.Lock()
		fn := p.onConnState
		p.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Printf("CALL [%s]: ICE state → %s", callID, st)
		p.mu.Lock()
		fn := p.onICEState
		p.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})

	return p, nil
}

// Observation hooks. Set before signaling begins.

func (p *PeerConn) OnRemoteTrack(fn func(kind string, st RemoteTrackState)) {
	p.mu.Lock()
	p.onRemoteTrack = fn
	p.mu.Unlock()
}

func (p *PeerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConnState = fn
	p.mu.Unlock()
}

func (p *PeerConn) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICEState = fn
	p.mu.Unlock()
}

func (p *PeerConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// AttachLocal adds each captured local track as a sender. No-op when tracks
// are already attached or there is nothing to send.
func (p *PeerConn) AttachLocal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSessionClosed
	}
	if p.attached {
		return nil
	}
	if p.media == nil {
		p.attached = true
		return nil
	}
	for _, track := range p.media.Tracks() {
		if _, err := p.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add local %s track: %w", track.Kind(), err)
		}
	}
	p.attached = true
	return nil
}

// hasSender reports whether any transceiver carries an outgoing track.
func (p *PeerConn) hasSender() bool {
	for _, tr := range p.pc.GetTransceivers() {
		if s := tr.Sender(); s != nil && s.Track() != nil {
			return true
		}
	}
	return false
}

// CreateOffer produces and installs the local session description. Offers are
// only legal while negotiation is stable; when it is not (the remote side has
// a negotiation in flight), the call is deferred once by offerRetryDelay and
// retried. A second collision returns ErrNegotiationRace — the next
// negotiation trigger retries, nothing is surfaced to the user.
func (p *PeerConn) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		log.Printf("CALL [%s]: offer deferred — signaling state %s", p.callID, p.pc.SignalingState())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrSessionClosed
		case <-time.After(offerRetryDelay):
		}
		if p.pc.SignalingState() != webrtc.SignalingStateStable {
			return nil, ErrNegotiationRace
		}
	}

	// Local tracks may still be detached if acquisition raced with call
	// acceptance; attach before offering so the m-lines carry senders.
	if !p.hasSender() {
		if err := p.AttachLocal(); err != nil {
			log.Printf("CALL [%s]: attach before offer: %v", p.callID, err)
		}
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

// ApplyRemoteDescription installs the remote offer/answer and flushes any
// candidates that arrived before it.
func (p *PeerConn) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: flush candidate: %v", p.callID, err)
		}
	}
	return nil
}

// CreateAnswer produces and installs the local answer to a received offer.
func (p *PeerConn) CreateAnswer(ctx context.Context) (*webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

// AddRemoteCandidate feeds one remote ICE candidate into the connection.
// Candidates arriving before the remote description are buffered; candidates
// arriving after close are expected (teardown races the last trickles) and
// dropped with a log line, never an error.
func (p *PeerConn) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Printf("CALL [%s]: candidate after close, ignored", p.callID)
		return nil
	}
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// SubscribeMedia taps the remote feed as a live WebM stream for the browser's
// MSE player. Subscribers joining mid-call get the init segment and the last
// keyframe cluster replayed.
func (p *PeerConn) SubscribeMedia() (<-chan []byte, func()) {
	return p.stream.Subscribe()
}

func (p *PeerConn) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PeerConn) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close releases the connectivity object. Local tracks are owned by Media and
// stopped by the session teardown, not here. Idempotent.
func (p *PeerConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	return p.pc.Close()
}

// handleRemoteTrack runs per inbound track: it reads RTP to detect liveness,
// nudges remote video with PLI so a re-enabled camera recovers quickly,
// reports state changes through the OnRemoteTrack hook, and feeds the payload
// into the WebM stream for the browser.
func (p *PeerConn) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	log.Printf("CALL [%s]: remote %s track %s", p.callID, kind, track.ID())

	var lastPacket atomic.Int64

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.pliLoop(uint32(track.SSRC()))
	}
	go p.watchRemoteStall(kind, &lastPacket)

	var asm vp8Assembler
	st := RemoteTrackState{Enabled: true}
	for {
		var pkt *rtp.Packet
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			// Track ended: the remote side stopped or replaced it.
			st = RemoteTrackState{Enabled: false}
			p.notifyRemote(kind, st)
			return
		}
		lastPacket.Store(time.Now().UnixMilli())
		if !st.Live || st.Muted {
			if !st.Live {
				log.Printf("CALL [%s]: remote %s flowing (ssrc=%d pt=%d)",
					p.callID, kind, pkt.SSRC, pkt.PayloadType)
			}
			st.Live = true
			st.Muted = false
			p.notifyRemote(kind, st)
		}

		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			if frame, key, ok := asm.push(pkt); ok {
				p.stream.pushVideo(int64(pkt.Timestamp)/(vp8ClockRate/1000), key, frame)
			}
		case webrtc.RTPCodecTypeAudio:
			if len(pkt.Payload) > 0 {
				// The payload buffer is reused by the reader; the stream queues
				// audio, so it needs its own copy.
				data := append([]byte(nil), pkt.Payload...)
				p.stream.pushAudio(int64(pkt.Timestamp)/(opusClockRate/1000), data)
			}
		}
	}
}

// watchRemoteStall flips the track to muted when RTP stops flowing — a peer
// that nulled its sender produces no packets at all, which is exactly how
// "camera off" is observable on this side.
func (p *PeerConn) watchRemoteStall(kind string, lastPacket *atomic.Int64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	muted := false
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			last := lastPacket.Load()
			if last == 0 {
				continue
			}
			stalled := time.Since(time.UnixMilli(last)) > remoteStallAfter
			if stalled && !muted {
				muted = true
				p.notifyRemote(kind, RemoteTrackState{Enabled: true, Muted: true, Live: true})
			} else if !stalled && muted {
				muted = false
				p.notifyRemote(kind, RemoteTrackState{Enabled: true, Live: true})
			}
		}
	}
}

func (p *PeerConn) pliLoop(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}

func (p *PeerConn) notifyRemote(kind string, st RemoteTrackState) {
	p.mu.Lock()
	fn := p.onRemoteTrack
	p.mu.Unlock()
	if fn != nil {
		fn(kind, st)
	}
}
