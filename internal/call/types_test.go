package call

import (
	"testing"

	"github.com/clinicport/callcore/internal/signal"
)

func TestPeerOffline(t *testing.T) {
	cases := []struct {
		name string
		p    signal.ErrorPayload
		want bool
	}{
		{"structured code", signal.ErrorPayload{Code: signal.CodePeerOffline, Message: "whatever"}, true},
		{"other code wins over message", signal.ErrorPayload{Code: signal.CodeInternal, Message: "user offline"}, false},
		{"message fallback offline", signal.ErrorPayload{Message: "User is OFFLINE right now"}, true},
		{"message fallback not connected", signal.ErrorPayload{Message: "target not connected"}, true},
		{"unrelated message", signal.ErrorPayload{Message: "database timeout"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := peerOffline(&tc.p); got != tc.want {
				t.Errorf("peerOffline(%+v) = %v, want %v", tc.p, got, tc.want)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateEnded, StateRejected, StateCancelled, StateMissed, StateError}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	live := []State{StateIdle, StateInitiating, StateRinging, StateConnecting, StateActive}
	for _, st := range live {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}

func TestRemoteTrackStateActive(t *testing.T) {
	cases := []struct {
		st   RemoteTrackState
		want bool
	}{
		{RemoteTrackState{Enabled: true, Muted: false, Live: true}, true},
		{RemoteTrackState{Enabled: true, Muted: true, Live: true}, false},
		{RemoteTrackState{Enabled: true, Muted: false, Live: false}, false},
		{RemoteTrackState{Enabled: false, Muted: false, Live: true}, false},
	}
	for _, tc := range cases {
		if got := tc.st.Active(); got != tc.want {
			t.Errorf("Active(%+v) = %v, want %v", tc.st, got, tc.want)
		}
	}
}
