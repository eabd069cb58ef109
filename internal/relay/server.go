// Package relay implements the signaling relay: a websocket hub that
// registers clients by user id and forwards call-control and negotiation
// events between exactly two parties. The relay keeps no call state beyond
// the live connection table — a client that disconnects must join again.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/peerline/peerline/internal/record"
	"github.com/peerline/peerline/internal/util"
)

const (
	writeTimeout = 10 * time.Second
	diagCapacity = 256
)

// envelope mirrors the client wire frame. The relay only inspects the event
// name and the routing fields; payloads otherwise pass through verbatim.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// routePayload is the subset of sdp/candidate payloads the relay reads and
// rewrites: target on the way in, from on the way out.
type routePayload struct {
	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`
}

// forwardAs maps an inbound call-control event to the name it is delivered
// under on the counterpart's side.
var forwardAs = map[string]string{
	"call:start":  "call:incoming",
	"call:accept": "call:accepted",
	"call:reject": "call:rejected",
	"call:end":    "call:ended",
}

// Server is the relay process. Construct with New, then Start.
type Server struct {
	addr      string
	adminHash []byte // bcrypt hash of the admin password; nil disables /admin

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	diag *util.RingBuffer[string]

	httpSrv *http.Server
	ln      net.Listener
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// New creates a relay that will listen on addr. adminPassword guards the
// /admin status endpoint via HTTP basic auth; empty disables it.
func New(addr, adminPassword string) *Server {
	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		diag:    util.NewRingBuffer[string](diagCapacity),
	}
	if adminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("RELAY: admin password hash failed, /admin disabled: %v", err)
		} else {
			s.adminHash = hash
		}
	}
	return s
}

// Start binds the listener and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin", s.handleAdmin)

	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("RELAY: serve error: %v", err)
		}
	}()

	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// URL returns the websocket endpoint, valid after Start.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s/ws", s.ln.Addr())
}

// handleWS upgrades the connection and runs the per-client loop. The first
// frame must be user:join; everything after is routed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	userID, err := s.awaitJoin(conn)
	if err != nil {
		log.Printf("RELAY: rejecting connection: %v", err)
		conn.Close()
		return
	}

	c := &client{id: userID, conn: conn}
	s.register(c)
	defer s.unregister(c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("RELAY: bad frame from %s: %v", userID, err)
			continue
		}
		if env.Event == "disconnect" {
			return
		}
		s.route(c, env)
	}
}

func (s *Server) awaitJoin(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read join: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode join: %w", err)
	}
	if env.Event != "user:join" {
		return "", fmt.Errorf("first frame is %q, want user:join", env.Event)
	}
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil || p.UserID == "" {
		return "", fmt.Errorf("join without user id")
	}
	return p.UserID, nil
}

// register adds c to the routing table, replacing (and closing) any
// previous connection for the same user id.
func (s *Server) register(c *client) {
	s.mu.Lock()
	old := s.clients[c.id]
	s.clients[c.id] = c
	s.mu.Unlock()

	if old != nil {
		old.conn.Close()
		log.Printf("RELAY: %s rejoined, dropped previous connection", c.id)
	}
	log.Printf("RELAY: %s joined (%d online)", c.id, s.online())
}

// unregister removes c and tells everyone else the user went offline.
// A client that was already replaced by a rejoin is left alone.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if s.clients[c.id] != c {
		s.mu.Unlock()
		c.conn.Close()
		return
	}
	delete(s.clients, c.id)
	others := make([]*client, 0, len(s.clients))
	for _, o := range s.clients {
		others = append(others, o)
	}
	s.mu.Unlock()

	c.conn.Close()
	log.Printf("RELAY: %s left (%d online)", c.id, s.online())

	offline, _ := json.Marshal(map[string]string{"userId": c.id})
	data, _ := json.Marshal(envelope{Event: "user:offline", Data: offline})
	for _, o := range others {
		_ = o.send(data)
	}
}

func (s *Server) online() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// route forwards one event from sender to its single recipient.
func (s *Server) route(sender *client, env envelope) {
	switch env.Event {
	case "call:start", "call:accept", "call:reject", "call:end":
		s.routeCallControl(sender, env)
	case "sdp-offer", "sdp-answer", "ice-candidate":
		s.routeNegotiation(sender, env)
	default:
		log.Printf("RELAY: ignoring event %q from %s", env.Event, sender.id)
	}
}

// routeCallControl delivers a call-control event to the record's
// counterpart under its paired inbound name, payload verbatim.
func (s *Server) routeCallControl(sender *client, env envelope) {
	var rec record.Call
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		log.Printf("RELAY: bad %s payload from %s: %v", env.Event, sender.id, err)
		return
	}
	target := rec.Peer(sender.id)
	if target == "" {
		log.Printf("RELAY: %s from %s names no counterpart (call %s)", env.Event, sender.id, rec.ID)
		return
	}
	s.deliver(sender.id, target, envelope{Event: forwardAs[env.Event], Data: env.Data})
}

// routeNegotiation rewrites {target, ...} to {from, ...} and forwards.
func (s *Server) routeNegotiation(sender *client, env envelope) {
	var rp routePayload
	if err := json.Unmarshal(env.Data, &rp); err != nil || rp.Target == "" {
		log.Printf("RELAY: %s from %s without target", env.Event, sender.id)
		return
	}

	// Rewrite routing fields, preserving the rest of the payload.
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return
	}
	delete(payload, "target")
	payload["from"], _ = json.Marshal(sender.id)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.deliver(sender.id, rp.Target, envelope{Event: env.Event, Data: data})
}

func (s *Server) deliver(from, target string, env envelope) {
	s.mu.RLock()
	dst := s.clients[target]
	s.mu.RUnlock()

	if dst == nil {
		s.diag.Push(fmt.Sprintf("%s drop %s %s→%s (offline)", time.Now().Format(time.RFC3339), env.Event, from, target))
		log.Printf("RELAY: drop %s for offline user %s", env.Event, target)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := dst.send(data); err != nil {
		log.Printf("RELAY: deliver %s to %s failed: %v", env.Event, target, err)
		return
	}
	s.diag.Push(fmt.Sprintf("%s %s %s→%s", time.Now().Format(time.RFC3339), env.Event, from, target))
}

// handleAdmin reports connected clients and recent routing activity.
// Guarded by basic auth against the configured admin password.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if s.adminHash == nil {
		http.Error(w, "admin disabled", http.StatusForbidden)
		return
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || bcrypt.CompareHashAndPassword(s.adminHash, []byte(pass)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="peerline-relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"clients": ids,
		"recent":  s.diag.Snapshot(),
	})
}
