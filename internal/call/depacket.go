package call

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// RTP clock rates fixed by the negotiated codecs.
const (
	vp8ClockRate  = 90000
	opusClockRate = 48000
)

// vp8Assembler rebuilds complete VP8 frames from depacketized RTP. All packets
// of one frame share a timestamp; the marker bit closes the frame.
type vp8Assembler struct {
	buf      []byte
	ts       uint32
	keyframe bool
	started  bool
}

// push feeds one RTP packet. When the packet completes a frame it returns the
// frame bytes, the keyframe flag and true. The returned slice is reused and
// only valid until the next call.
func (a *vp8Assembler) push(pkt *rtp.Packet) ([]byte, bool, bool) {
	var vp8 codecs.VP8Packet
	payload, err := vp8.Unmarshal(pkt.Payload)
	if err != nil || len(payload) == 0 {
		return nil, false, false
	}

	if a.started && pkt.Timestamp != a.ts {
		// The previous frame's marker was lost; drop the partial frame.
		a.started = false
	}
	if !a.started {
		if vp8.S != 1 || vp8.PID != 0 {
			return nil, false, false // mid-frame continuation without a start
		}
		a.started = true
		a.ts = pkt.Timestamp
		// P flag clear on the first payload byte marks a keyframe.
		a.keyframe = payload[0]&0x01 == 0
		a.buf = a.buf[:0]
	}
	a.buf = append(a.buf, payload...)

	if !pkt.Marker {
		return nil, false, false
	}
	a.started = false
	return a.buf, a.keyframe, true
}
