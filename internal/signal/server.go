package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinicport/callcore/internal/store"
	"github.com/clinicport/callcore/internal/util"
)

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Nodes connect from localhost or the clinic LAN; auth is the
	// transport layer's concern, not the hub's.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hubClient is one connected node. Writes go through send so only the writer
// goroutine touches the connection. send is closed exactly once, under mu, and
// every producer goes through trySend — a bare send could race shutdown and
// panic on the closed channel.
type hubClient struct {
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex
	send   chan *Envelope
	closed bool
}

// trySend queues env for the writer goroutine. Returns false when the client
// is shut down or its queue is full; the envelope is dropped either way.
func (c *hubClient) trySend(env *Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue and the connection. Idempotent; safe to call
// from both the read loop cleanup and a reconnect replacement.
func (c *hubClient) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Server is the signaling hub: it routes envelopes between connected users and
// serves the call session REST API backed by db.
type Server struct {
	addr string
	db   *store.DB

	mu      sync.RWMutex
	clients map[string]*hubClient

	httpSrv *http.Server
	ln      net.Listener
}

func NewServer(addr string, db *store.DB) *Server {
	return &Server{
		addr:    addr,
		db:      db,
		clients: make(map[string]*hubClient),
	}
}

// Start begins listening. The server stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("SIGNALSRV: serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}()

	log.Printf("SIGNALSRV: listening on %s", ln.Addr())
	return nil
}

// URL returns the server's HTTP base URL.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

// ── WebSocket hub ────────────────────────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		http.Error(w, "missing user query parameter", http.StatusBadRequest)
		return
	}

	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("SIGNALSRV: upgrade for %s: %v", userID, err)
		return
	}

	c := &hubClient{userID: userID, conn: conn, send: make(chan *Envelope, 64)}

	s.mu.Lock()
	if old, ok := s.clients[userID]; ok {
		// A reconnect replaces the previous registration.
		old.shutdown()
	}
	s.clients[userID] = c
	s.mu.Unlock()
	log.Printf("SIGNALSRV: %s connected", userID)

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) writeLoop(c *hubClient) {
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(c *hubClient) {
	defer func() {
		s.mu.Lock()
		if s.clients[c.userID] == c {
			delete(s.clients, c.userID)
		}
		s.mu.Unlock()
		c.shutdown()
		log.Printf("SIGNALSRV: %s disconnected", c.userID)
	}()

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		s.route(c, &env)
	}
}

// route delivers one envelope to its target, rewriting the event name to the
// notice form the receiving node consumes. An unreachable target yields a
// call:error with the structured peer_offline code back to the sender.
func (s *Server) route(from *hubClient, env *Envelope) {
	callID := extractCallID(env.Payload)

	if env.To == "" {
		s.replyError(from, callID, CodeBadRequest, "envelope has no target user")
		return
	}

	s.mu.RLock()
	target, ok := s.clients[env.To]
	s.mu.RUnlock()
	if !ok {
		log.Printf("SIGNALSRV: %s → %s (%s): user offline", from.userID, env.To, env.Event)
		if env.Event == EventCancel {
			// The receiver never saw the ring; for their call history this
			// is a missed call, not a cancelled one.
			s.markCall(callID, store.StatusMissed)
			return
		}
		s.replyError(from, callID, CodePeerOffline, "user offline / not connected")
		return
	}

	out := &Envelope{Event: deliveredEvent(env.Event), From: from.userID, Payload: env.Payload}
	if !target.trySend(out) {
		// Target disconnected between the lookup and the send, or its queue
		// is full. Drop rather than stall the hub.
		log.Printf("SIGNALSRV: %s unreachable, dropped %s", env.To, out.Event)
		return
	}

	// Delivery advances the record: the receiver has been notified of the
	// ring, or of the caller giving up.
	switch env.Event {
	case EventInitiate:
		s.markCall(callID, store.StatusRinging)
	case EventCancel:
		s.markCall(callID, store.StatusCancelled)
	}
}

func (s *Server) markCall(callID, status string) {
	if s.db == nil || callID == "" {
		return
	}
	if _, err := s.db.UpdateStatus(callID, status, -1); err != nil {
		log.Printf("SIGNALSRV: mark %s %s: %v", callID, status, err)
	}
}

func (s *Server) replyError(to *hubClient, callID, code, message string) {
	raw, _ := json.Marshal(ErrorPayload{CallID: callID, Code: code, Message: message})
	to.trySend(&Envelope{Event: EventError, Payload: raw})
}

func extractCallID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.CallID
}

// ── Call session REST API ────────────────────────────────────────────────────

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Caller        string `json:"caller"`
		Receiver      string `json:"receiver"`
		AppointmentID string `json:"appointmentId"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.db.CreateCall(req.Caller, req.Receiver, req.AppointmentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, action, _ := strings.Cut(tail, "/")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.db.GetCall(id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rec)

	case action == "" && r.Method == http.MethodPatch:
		var req struct {
			Status   string `json:"status"`
			Duration *int   `json:"duration"`
		}
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		duration := -1
		if req.Duration != nil {
			duration = *req.Duration
		}
		rec, err := s.db.UpdateStatus(id, req.Status, duration)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, rec)

	case action == "end" && r.Method == http.MethodPost:
		var req struct {
			Duration *int `json:"duration"`
		}
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		duration := -1
		if req.Duration != nil {
			duration = *req.Duration
		}
		rec, err := s.db.EndCall(id, duration)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, rec)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, store.ErrBadTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
