//go:build !linux || !cgo

package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// acquireLocal is a no-capture stub on non-Linux platforms. Camera/mic capture
// via pion/mediadevices requires platform drivers (V4L2/malgo on Linux); calls
// on other platforms proceed receive-only with the default codec set.
func acquireLocal(MediaConfig) (video, audio Track, selfView FrameSource, populate func(*webrtc.MediaEngine) error, closeFn func(), err error) {
	log.Printf("MEDIA: no local capture on this platform — receive-only")
	return nil, nil, nil, nil, nil, nil
}
