package call

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// vp8Keyframe builds a minimal VP8 keyframe payload: P flag clear, start code
// present, dimensions encoded little-endian.
func vp8Keyframe(w, h int) []byte {
	f := make([]byte, 16)
	f[3], f[4], f[5] = 0x9D, 0x01, 0x2A
	binary.LittleEndian.PutUint16(f[6:8], uint16(w))
	binary.LittleEndian.PutUint16(f[8:10], uint16(h))
	return f
}

func vp8Delta() []byte {
	return []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
}

func TestEbmlVintWidths(t *testing.T) {
	cases := []struct {
		v     uint64
		width int
		mark  byte
	}{
		{0, 1, 0x80},
		{0x7E, 1, 0x80},
		{0x7F, 2, 0x40},
		{0x3FFE, 2, 0x40},
		{0x3FFF, 3, 0x20},
		{0x1FFFFF, 4, 0x10},
	}
	for _, c := range cases {
		got := ebmlVint(c.v)
		if len(got) != c.width {
			t.Errorf("vint(%#x) width = %d, want %d", c.v, len(got), c.width)
		}
		if got[0]&c.mark == 0 {
			t.Errorf("vint(%#x) first byte %#x missing marker %#x", c.v, got[0], c.mark)
		}
	}
}

func TestWebmInitSegment(t *testing.T) {
	seg := webmInit(640, 480, true)
	if !bytes.HasPrefix(seg, idEBML) {
		t.Fatalf("init segment does not start with the EBML magic: % x", seg[:8])
	}
	for _, want := range []string{"webm", "V_VP8", "A_OPUS", "callcore"} {
		if !bytes.Contains(seg, []byte(want)) {
			t.Errorf("init segment missing %q", want)
		}
	}

	noAudio := webmInit(640, 480, false)
	if bytes.Contains(noAudio, []byte("A_OPUS")) {
		t.Error("video-only init segment declares an audio track")
	}
}

func TestWebmBlockLayout(t *testing.T) {
	key := webmBlock(1, 0, true, []byte{0xBB})
	want := []byte{0xA3, 0x85, 0x81, 0x00, 0x00, 0x80, 0xBB}
	if !bytes.Equal(key, want) {
		t.Errorf("video keyframe block = % x, want % x", key, want)
	}

	audio := webmBlock(2, 5, false, []byte{0xAA})
	want = []byte{0xA3, 0x85, 0x82, 0x00, 0x05, 0x00, 0xAA}
	if !bytes.Equal(audio, want) {
		t.Errorf("audio block = % x, want % x", audio, want)
	}
}

func TestStreamStartsOnFirstKeyframe(t *testing.T) {
	ms := newMediaStream("test", false)
	ch, cancel := ms.Subscribe()
	defer cancel()

	// Delta frames before the first keyframe carry no dimensions and are
	// dropped.
	ms.pushVideo(0, false, vp8Delta())
	if len(ch) != 0 {
		t.Fatal("stream emitted before the first keyframe")
	}

	ms.pushVideo(33, true, vp8Keyframe(320, 240))
	if len(ch) != 2 {
		t.Fatalf("got %d messages after keyframe, want init + cluster", len(ch))
	}
	init := <-ch
	if !bytes.HasPrefix(init, idEBML) {
		t.Errorf("first message is not the init segment: % x", init[:8])
	}
	cluster := <-ch
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Errorf("second message is not a cluster: % x", cluster[:8])
	}
}

func TestStreamNormalizesTimestamps(t *testing.T) {
	ms := newMediaStream("test", false)
	ch, cancel := ms.Subscribe()
	defer cancel()

	// RTP clocks start at a random offset; the first frame must land at t=0.
	ms.pushVideo(987654, true, vp8Keyframe(320, 240))
	<-ch // init segment
	cluster := <-ch
	// Cluster body: 4 id bytes, 1 size byte, then Timecode(0).
	if !bytes.HasPrefix(cluster[5:], []byte{0xE7, 0x81, 0x00}) {
		t.Errorf("first cluster timecode not normalized to 0: % x", cluster[:10])
	}
}

func TestLateSubscriberGetsKeyframeReplay(t *testing.T) {
	ms := newMediaStream("test", true)
	ms.pushVideo(0, true, vp8Keyframe(320, 240))
	ms.pushVideo(33, false, vp8Delta())

	ch, cancel := ms.Subscribe()
	defer cancel()
	if len(ch) != 2 {
		t.Fatalf("late subscriber got %d messages, want init + keyframe cluster", len(ch))
	}
	init := <-ch
	if !bytes.HasPrefix(init, idEBML) {
		t.Errorf("replay did not start with the init segment")
	}
	cluster := <-ch
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Errorf("replay did not include the last keyframe cluster")
	}
}

func TestAudioDrainsIntoNextVideoCluster(t *testing.T) {
	ms := newMediaStream("test", true)
	ms.pushVideo(0, true, vp8Keyframe(320, 240))
	ch, cancel := ms.Subscribe()
	defer cancel()
	for len(ch) > 0 {
		<-ch
	}

	ms.pushAudio(10, []byte{0x01, 0x02})
	if len(ch) != 0 {
		t.Fatal("audio flushed a cluster on its own")
	}
	ms.pushVideo(33, false, vp8Delta())
	cluster := <-ch
	// The audio block (track 2) precedes the video block in the cluster.
	if !bytes.Contains(cluster, []byte{0xA3, 0x86, 0x82}) {
		t.Errorf("cluster carries no audio block: % x", cluster)
	}
}

// scriptedFrames feeds canned frames then fails, ending the pump.
type scriptedFrames struct {
	frames [][]byte
	i      int
}

func (s *scriptedFrames) ReadFrame() ([]byte, func(), error) {
	if s.i >= len(s.frames) {
		return nil, nil, errors.New("source closed")
	}
	f := s.frames[s.i]
	s.i++
	return f, nil, nil
}

func (s *scriptedFrames) Close() error { return nil }

func TestPreviewPumpFeedsStream(t *testing.T) {
	stream := newMediaStream("preview", false)
	ch, cancel := stream.Subscribe()
	defer cancel()

	previewPump(&scriptedFrames{frames: [][]byte{
		vp8Keyframe(320, 240),
		vp8Delta(),
	}}, stream)

	if len(ch) < 3 {
		t.Fatalf("got %d messages, want init + 2 clusters", len(ch))
	}
	if first := <-ch; !bytes.HasPrefix(first, idEBML) {
		t.Errorf("preview stream did not open with the init segment")
	}
}
