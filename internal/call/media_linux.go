//go:build linux && cgo

package call

import (
	"fmt"
	"log"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// vp8SelfView adapts a mediadevices VP8 encoded reader to FrameSource.
// mediadevices broadcasts raw frames to every consumer, so this encoder runs
// in parallel to the one feeding the RTP senders.
type vp8SelfView struct{ r mediadevices.EncodedReadCloser }

func (s *vp8SelfView) ReadFrame() ([]byte, func(), error) {
	buf, release, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, release, nil
}

func (s *vp8SelfView) Close() error { return s.r.Close() }

// acquireLocal captures camera/mic via pion/mediadevices (V4L2 + malgo).
// GetUserMedia fails as a unit if either track can't be opened, so we try
// video+audio first, then video-only, then audio-only — a missing or busy
// microphone must not prevent the camera from working and vice versa.
func acquireLocal(cfg MediaConfig) (video, audio Track, selfView FrameSource, populate func(*webrtc.MediaEngine) error, closeFn func(), err error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	populate = func(me *webrtc.MediaEngine) error {
		codecSelector.Populate(me)
		return nil
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: no media devices found", ErrDeviceUnavailable)
	}
	for _, d := range devices {
		log.Printf("MEDIA: device — kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: cfg.MaxWidth}
				c.Height = prop.IntRanged{Max: cfg.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		brokenVideo := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				video = track
				// Independent VP8 reader for the browser self-view. A broken
				// encoder here (malformed MJPEG frames slipping through) would
				// also poison the RTP sender, so skip the whole attempt.
				r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
				if err != nil {
					log.Printf("MEDIA: video track broken, skipping attempt (%s): %v", a.label, err)
					lastErr = err
					brokenVideo = true
					continue
				}
				selfView = &vp8SelfView{r: r}
			case webrtc.RTPCodecTypeAudio:
				audio = track
			}
		}
		if brokenVideo {
			for _, t := range tracks {
				t.Close()
			}
			video, audio, selfView = nil, nil, nil
			continue
		}

		log.Printf("MEDIA: captured (%s) — %d tracks", a.label, len(tracks))
		closeFn = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return video, audio, selfView, populate, closeFn, nil
	}

	return nil, nil, nil, nil, nil, classifyCaptureErr(lastErr)
}

// classifyCaptureErr maps a capture failure onto the package error taxonomy.
func classifyCaptureErr(err error) error {
	if err == nil {
		return ErrDeviceUnavailable
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
