package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// setOutgoing replaces the outgoing track on the transceiver of the given
// kind: nil to go dark, the real track to resume. The lookup walks the
// transceiver list rather than the current senders, because a sender whose
// track was previously nulled does not show up in a naive sender-only scan.
//
// Replacing the sender track is what lets the remote peer observe "camera
// off" as an absent/ended track instead of receiving black frames; flipping
// only the local enabled flag would keep transmitting silence.
//
// Returns false when no matching transceiver/sender exists — the caller falls
// back to flag-only toggling.
func (p *PeerConn) setOutgoing(kind webrtc.RTPCodecType, track webrtc.TrackLocal) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	for _, tr := range p.pc.GetTransceivers() {
		if tr.Kind() != kind {
			continue
		}
		sender := tr.Sender()
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			log.Printf("CALL [%s]: replace %s track: %v", p.callID, kind, err)
			return false
		}
		return true
	}

	log.Printf("CALL [%s]: no %s transceiver for toggle — falling back to flag-only", p.callID, kind)
	return false
}

// SetVideoEnabled turns the outgoing camera feed on or off.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.setMediaEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

// SetAudioEnabled turns the outgoing microphone feed on or off.
func (s *Session) SetAudioEnabled(enabled bool) {
	s.setMediaEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// ToggleVideo flips outgoing video. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	next := !s.videoOn
	s.mu.Unlock()
	s.SetVideoEnabled(next)
	return !next
}

// ToggleAudio flips outgoing audio. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	next := !s.audioOn
	s.mu.Unlock()
	s.SetAudioEnabled(next)
	return !next
}

func (s *Session) setMediaEnabled(kind webrtc.RTPCodecType, enabled bool) {
	var track Track
	if s.media != nil {
		switch kind {
		case webrtc.RTPCodecTypeVideo:
			track = s.media.VideoTrack()
		case webrtc.RTPCodecTypeAudio:
			track = s.media.AudioTrack()
		}
	}

	s.mu.Lock()
	pc := s.pc
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		s.videoOn = enabled
	case webrtc.RTPCodecTypeAudio:
		s.audioOn = enabled
	}
	s.mu.Unlock()

	if pc == nil || track == nil {
		log.Printf("CALL [%s]: %s enabled=%v (flag only)", s.ID(), kind, enabled)
		return
	}

	var outgoing webrtc.TrackLocal
	if enabled {
		outgoing = track
	}
	if pc.setOutgoing(kind, outgoing) {
		log.Printf("CALL [%s]: %s enabled=%v (sender track replaced)", s.ID(), kind, enabled)
	}
}

// VideoEnabled reports the local outgoing video flag.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

// AudioEnabled reports the local outgoing audio flag.
func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}
