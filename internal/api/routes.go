// Package api serves the node-local HTTP surface the portal frontend talks
// to: call control endpoints plus a server-sent-events stream of controller
// notifications. It binds to loopback only.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/clinicport/callcore/internal/call"
)

// mediaUpgrader serves the binary WebM streams. Loopback only, same trust
// model as the rest of the node API.
var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Register registers the call API endpoints on mux.
func Register(mux *http.ServeMux, mgr *call.Manager) {
	// GET /api/call/status — point-in-time controller snapshot.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mgr.Status())
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ReceiverID    string `json:"receiver_id"`
		AppointmentID string `json:"appointment_id"`
	}) {
		if req.ReceiverID == "" {
			http.Error(w, "missing receiver_id", http.StatusBadRequest)
			return
		}
		s, err := mgr.PlaceCall(r.Context(), req.ReceiverID, req.AppointmentID)
		if err != nil {
			writeCallError(w, "start call failed", err)
			return
		}
		writeJSON(w, map[string]string{"status": "started", "call_id": s.ID()})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.Accept(r.Context()); err != nil {
			writeCallError(w, "accept failed", err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.Reject(r.Context()); err != nil {
			writeCallError(w, "reject failed", err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.Hangup(r.Context()); err != nil {
			writeCallError(w, "hangup failed", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := mgr.ToggleAudio()
		if err != nil {
			writeCallError(w, "toggle audio failed", err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := mgr.ToggleVideo()
		if err != nil {
			writeCallError(w, "toggle video failed", err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/media/local — local camera preview as a WebM stream.
	// GET /api/call/media/remote — the current call's remote feed.
	handleMediaWS(mux, "/api/call/media/local", mgr.SubscribeLocalMedia)
	handleMediaWS(mux, "/api/call/media/remote", mgr.SubscribeRemoteMedia)

	// GET /api/call/events — SSE stream of controller events. Recent history
	// is replayed first so a reconnecting frontend catches up on the ring or
	// terminal transition it missed; the occasional duplicate is harmless.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch, cancel := mgr.Subscribe()
		defer cancel()

		for _, ev := range mgr.History() {
			writeSSE(w, ev)
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
			}
		}
	})
}

// handleMediaWS registers a WebSocket endpoint streaming binary WebM messages
// from sub. The browser's MSE player is write-only; inbound messages are
// drained just to notice the close.
func handleMediaWS(mux *http.ServeMux, pattern string, sub func() (<-chan []byte, func(), error)) {
	handleGet(mux, pattern, func(w http.ResponseWriter, r *http.Request) {
		ch, cancel, err := sub()
		if err != nil {
			writeCallError(w, "media stream unavailable", err)
			return
		}

		conn, err := mediaUpgrader.Upgrade(w, r, nil)
		if err != nil {
			cancel()
			return
		}
		defer conn.Close()
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			}
		}
	})
}

// writeCallError maps controller errors onto HTTP statuses: busy and
// no-active-call are caller mistakes, a missing preview is a 404, the rest
// are internal failures.
func writeCallError(w http.ResponseWriter, prefix string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallInProgress):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNoActiveCall):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrNoLocalPreview):
		status = http.StatusNotFound
	}
	http.Error(w, fmt.Sprintf("%s: %v", prefix, err), status)
}
