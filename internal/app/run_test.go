package app

import (
	"testing"

	"github.com/clinicport/callcore/internal/config"
)

func TestNewNodeMediaAcquiresUpFront(t *testing.T) {
	cfg := config.Default()
	cfg.Media.Disabled = true

	media := newNodeMedia(cfg)
	defer media.Release()

	// Devices open at node start, not lazily on the first call.
	if !media.Acquired() {
		t.Fatal("media not acquired after node setup")
	}
}
