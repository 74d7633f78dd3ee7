package call

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Track is one captured local media track. mediadevices tracks satisfy it.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// FrameSource yields encoded VP8 frames of the local camera for the browser
// self-view. ReadFrame blocks until the next frame; Close ends the source.
// Only available while video capture is held.
type FrameSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// MediaConfig controls local capture.
type MediaConfig struct {
	// Disabled skips capture entirely; calls proceed receive-only.
	Disabled bool

	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

// Media owns the local camera/microphone tracks for the lifetime of the node.
// Acquire is idempotent: once tracks are captured they are reused for every
// call until Release, so the hardware is only opened (and any permission
// prompt shown) once.
type Media struct {
	cfg MediaConfig

	mu       sync.Mutex
	acquired bool
	video    Track
	audio    Track
	selfView FrameSource
	preview  *mediaStream
	populate func(*webrtc.MediaEngine) error
	closeFn  func()
}

func NewMedia(cfg MediaConfig) *Media {
	return &Media{cfg: cfg}
}

// Acquire captures local tracks if not already captured. Returns
// ErrPermissionDenied or ErrDeviceUnavailable (wrapped) on hardware failure.
func (m *Media) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.acquired {
		return nil
	}
	if m.cfg.Disabled {
		m.acquired = true
		m.populate = nil
		log.Printf("MEDIA: capture disabled by config — receive-only")
		return nil
	}

	video, audio, selfView, populate, closeFn, err := acquireLocal(m.cfg)
	if err != nil {
		return err
	}
	m.video, m.audio = video, audio
	m.selfView = selfView
	m.populate = populate
	m.closeFn = closeFn
	m.acquired = true

	// The self-view runs a second VP8 encoder off the broadcast raw frames,
	// independent of the per-call senders, so the preview works before and
	// between calls.
	if selfView != nil {
		m.preview = newMediaStream("preview", false)
		go previewPump(selfView, m.preview)
	}

	kinds := ""
	if video != nil {
		kinds += " video"
	}
	if audio != nil {
		kinds += " audio"
	}
	log.Printf("MEDIA: local tracks acquired (%s)", kinds)
	return nil
}

// Acquired reports whether tracks are currently held.
func (m *Media) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Tracks returns the captured tracks. Empty when disabled or not acquired.
func (m *Media) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Track
	if m.video != nil {
		out = append(out, m.video)
	}
	if m.audio != nil {
		out = append(out, m.audio)
	}
	return out
}

func (m *Media) VideoTrack() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

func (m *Media) AudioTrack() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// PopulateEngine registers the codecs the captured tracks encode with, or the
// default codec set when nothing was captured. Must run before the WebRTC API
// for a peer connection is built.
func (m *Media) PopulateEngine(me *webrtc.MediaEngine) error {
	m.mu.Lock()
	populate := m.populate
	m.mu.Unlock()

	if populate != nil {
		return populate(me)
	}
	return me.RegisterDefaultCodecs()
}

// SubscribeLocal taps the local camera preview as a live WebM stream.
func (m *Media) SubscribeLocal() (<-chan []byte, func(), error) {
	m.mu.Lock()
	preview := m.preview
	m.mu.Unlock()
	if preview == nil {
		return nil, nil, ErrNoLocalPreview
	}
	ch, cancel := preview.Subscribe()
	return ch, cancel, nil
}

// previewPump drains the self-view encoder into the preview stream. Exits when
// Release closes the source.
func previewPump(src FrameSource, stream *mediaStream) {
	start := time.Now()
	for {
		data, release, err := src.ReadFrame()
		if err != nil {
			return
		}
		keyframe := len(data) > 0 && data[0]&0x01 == 0
		stream.pushVideo(time.Since(start).Milliseconds(), keyframe, data)
		if release != nil {
			release()
		}
	}
}

// Release stops all tracks and forgets them. The next Acquire reopens the
// hardware. Idempotent.
func (m *Media) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.acquired {
		return
	}
	if m.selfView != nil {
		_ = m.selfView.Close()
	}
	if m.closeFn != nil {
		m.closeFn()
	}
	m.video, m.audio = nil, nil
	m.selfView = nil
	m.preview = nil
	m.populate = nil
	m.closeFn = nil
	m.acquired = false
	log.Printf("MEDIA: local tracks released")
}
