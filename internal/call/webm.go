package call

// Live WebM muxing for the browser-facing media endpoints. The portal frontend
// plays local preview and remote video through Media Source Extensions, so the
// node turns encoded VP8/Opus frames into a WebM byte stream: one init segment
// (EBML header + Info + Tracks) followed by self-contained clusters, each
// delivered as a single binary WebSocket message.

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
	"sync"
)

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
// Four bytes covers any element this stream produces.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize marks the streaming Segment whose length is unknown at write time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes one element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

// Element IDs used by the stream.
var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data WebM requires for Opus tracks
// (mono, 48 kHz).
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain
	0x00, // channel mapping family
}

// webmInit builds the initialisation segment: EBML header, streaming Segment
// start, Info, and the track table — VP8 on track 1, Opus on track 2 when
// withAudio is set.
func webmInit(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	header := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, header))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	info := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("callcore")),
		ebmlElem(idWrtApp, []byte("callcore")),
	)
	buf.Write(ebmlElem(idInfo, info))

	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)),
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, ebmlConcat(
			ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
			ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
		)),
	)
	tracks := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, ebmlConcat(
				ebmlElem(idSampFreq, freq),
				ebmlElem(idChannels, ebmlUint(1)),
			)),
		)
		tracks = ebmlConcat(tracks, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracks))
	return buf.Bytes()
}

// webmCluster wraps pre-encoded SimpleBlocks in a Cluster with an absolute
// timecode. Known size, so MSE never has to scan for the next cluster start.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	body := ebmlConcat(ebmlElem(idTimecode, ebmlUint(uint64(clusterMs))), blocks)
	return ebmlElem(idCluster, body)
}

// webmBlock encodes one SimpleBlock: track 1 is video, track 2 audio; relMs is
// the signed 16-bit timecode relative to the cluster start.
func webmBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+3+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// mediaStream fans a live WebM stream out to subscribers. One exists per media
// source: the local preview and each call's remote feed. Frame producers call
// pushVideo / pushAudio; the HTTP layer subscribes.
type mediaStream struct {
	mu    sync.Mutex
	label string

	withAudio bool
	dimKnown  bool
	videoW    uint16
	videoH    uint16

	// Nil until the first keyframe fixes the video dimensions.
	initSeg []byte

	// Last keyframe cluster, replayed to late subscribers so their decoder
	// starts from a clean reference frame instead of mid-stream P-frames.
	lastKeyCluster []byte

	clusterStartMs int64
	clusterIsKey   bool
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	// Audio queued between video frames; each video cluster drains it so no
	// audio is lost at low camera frame rates.
	audioQ []queuedAudio

	subs map[chan []byte]struct{}

	// VP8 and Opus RTP clocks start at independent random offsets; the first
	// frame of each track is normalized to t=0 so cluster timecodes stay small.
	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool
}

type queuedAudio struct {
	tsMs int64
	data []byte
}

func newMediaStream(label string, withAudio bool) *mediaStream {
	return &mediaStream{
		label:     label,
		withAudio: withAudio,
		subs:      make(map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel of binary WebM messages and a cancel func. When
// the stream is already running, the init segment and the last keyframe
// cluster are replayed first so playback can start immediately.
func (ms *mediaStream) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	ms.mu.Lock()
	if ms.initSeg != nil {
		ch <- ms.initSeg
		if ms.lastKeyCluster != nil {
			ch <- ms.lastKeyCluster
		}
	}
	ms.subs[ch] = struct{}{}
	n := len(ms.subs)
	ms.mu.Unlock()

	log.Printf("MEDIA [%s]: stream subscriber added (total=%d)", ms.label, n)
	return ch, func() {
		ms.mu.Lock()
		if _, ok := ms.subs[ch]; ok {
			delete(ms.subs, ch)
			close(ch)
		}
		ms.mu.Unlock()
	}
}

// pushVideo feeds one complete encoded VP8 frame. Every frame flushes as its
// own cluster, with any queued audio drained in front of the video block.
func (ms *mediaStream) pushVideo(timecodeMs int64, keyframe bool, data []byte) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.baseVideoSet {
		ms.baseVideoMs = timecodeMs
		ms.baseVideoSet = true
	}
	tsMs := timecodeMs - ms.baseVideoMs

	// The VP8 keyframe header carries the pixel dimensions the init segment
	// needs; nothing can be emitted before the first keyframe anyway.
	if !ms.dimKnown && keyframe && len(data) >= 10 {
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			ms.videoW = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			ms.videoH = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			ms.videoW, ms.videoH = 640, 480
		}
		ms.dimKnown = true
	}

	if ms.initSeg == nil {
		if !ms.dimKnown || !keyframe {
			return
		}
		ms.initSeg = webmInit(ms.videoW, ms.videoH, ms.withAudio)
		log.Printf("MEDIA [%s]: stream started — VP8 %dx%d audio=%v",
			ms.label, ms.videoW, ms.videoH, ms.withAudio)
		ms.broadcastLocked(ms.initSeg)
	}

	if keyframe && ms.clusterOpen {
		ms.flushLocked()
	}

	if !ms.clusterOpen {
		// Anchor at the earliest queued audio frame so audio blocks never get
		// a large negative relative timecode.
		ms.clusterStartMs = tsMs
		if len(ms.audioQ) > 0 && ms.audioQ[0].tsMs < tsMs {
			ms.clusterStartMs = ms.audioQ[0].tsMs
		}
		ms.clusterOpen = true
		ms.clusterIsKey = keyframe
		ms.clusterBlocks.Reset()

		for _, a := range ms.audioQ {
			rel := a.tsMs - ms.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			ms.clusterBlocks.Write(webmBlock(2, int16(rel), false, a.data))
		}
		ms.audioQ = ms.audioQ[:0]
	}

	ms.clusterBlocks.Write(webmBlock(1, int16(tsMs-ms.clusterStartMs), keyframe, data))
	ms.flushLocked()
}

// pushAudio feeds one Opus frame. Audio is queued until the next video frame
// opens a cluster and drains it.
func (ms *mediaStream) pushAudio(timecodeMs int64, data []byte) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.baseAudioSet {
		ms.baseAudioMs = timecodeMs
		ms.baseAudioSet = true
	}
	ms.audioQ = append(ms.audioQ, queuedAudio{timecodeMs - ms.baseAudioMs, data})
}

func (ms *mediaStream) flushLocked() {
	if !ms.clusterOpen || ms.clusterBlocks.Len() == 0 {
		ms.clusterOpen = false
		return
	}
	cluster := webmCluster(ms.clusterStartMs, ms.clusterBlocks.Bytes())
	if ms.clusterIsKey {
		ms.lastKeyCluster = cluster
	}
	ms.clusterOpen = false
	ms.clusterIsKey = false
	ms.clusterBlocks.Reset()
	ms.broadcastLocked(cluster)
}

// broadcastLocked sends to every subscriber, dropping frames for slow ones.
func (ms *mediaStream) broadcastLocked(data []byte) {
	for ch := range ms.subs {
		select {
		case ch <- data:
		default:
		}
	}
}
