// Package api is the local HTTP control surface of the client daemon. A UI
// (or curl) drives calls through it; call events stream out over SSE.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/peerline/peerline/internal/call"
	"github.com/peerline/peerline/internal/record"
)

// Server serves the control API for one call manager.
type Server struct {
	mgr  *call.Manager
	http *http.Server
}

func NewServer(addr string, mgr *call.Manager) *Server {
	s := &Server{mgr: mgr}

	mux := http.NewServeMux()
	s.register(mux)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens and serves until ctx is canceled. Blocks.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.http.Addr, err)
	}
	log.Printf("API: control surface on http://%s", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) register(mux *http.ServeMux) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		self := s.mgr.Self()
		writeJSON(w, map[string]string{"userId": self.ID, "displayName": self.Name})
	})

	// GET /api/call/status — current state, flags, record and media counters.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		st, flags, cur := s.mgr.Status()
		view := statusView{State: st.String(), Flags: flags, Call: cur}
		if rem, ok := s.mgr.RemoteMedia(); ok {
			view.Media = &mediaView{
				Peer:    rem.PeerID(),
				Tracks:  len(rem.Tracks()),
				Packets: rem.Packets(),
			}
		}
		writeJSON(w, view)
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ReceiverID string `json:"receiver_id"`
		CallType   string `json:"call_type"`
	}) {
		if req.ReceiverID == "" {
			http.Error(w, "missing receiver_id", http.StatusBadRequest)
			return
		}
		t := record.CallType(req.CallType)
		if req.CallType == "" {
			t = record.TypeVideo
		}
		callID, err := s.mgr.StartCall(r.Context(), req.ReceiverID, t)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "started", "call_id": callID})
	})

	// POST /api/call/accept — blocks until the remote stream is up.
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		stream, err := s.mgr.AcceptCall(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ongoing", "peer": stream.PeerID()})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := s.mgr.RejectCall(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := s.mgr.EndCall(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// GET /api/call/events — SSE stream of call lifecycle events.
	handleGet(mux, "/api/call/events", s.serveEvents)
}

type statusView struct {
	State string       `json:"state"`
	Flags call.Flags   `json:"flags"`
	Call  *record.Call `json:"call,omitempty"`
	Media *mediaView   `json:"media,omitempty"`
}

// mediaView reports the inbound media of the ongoing call.
type mediaView struct {
	Peer    string `json:"peer"`
	Tracks  int    `json:"tracks"`
	Packets int64  `json:"packets"`
}

// writeCallError maps facade sentinels onto HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, call.ErrNoActiveCall):
		code = http.StatusNotFound
	case errors.Is(err, call.ErrMediaAccess):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, call.ErrRemoteStreamTimeout):
		code = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), code)
}

// event is one SSE frame payload.
type event struct {
	Type string       `json:"type"` // incoming | accepted | ended
	Call *record.Call `json:"call"`
	Err  string       `json:"error,omitempty"`
}

// serveEvents streams call events until the client disconnects. Each
// registered listener pushes into a per-connection buffered channel; a slow
// consumer drops events rather than blocking the call layer.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan event, 16)
	push := func(ev event) {
		select {
		case events <- ev:
		default:
		}
	}

	offIncoming := s.mgr.OnIncoming(func(c record.Call) {
		push(event{Type: "incoming", Call: &c})
	})
	defer offIncoming()
	offAccepted := s.mgr.OnAccepted(func(c record.Call, _ call.MediaStream) {
		push(event{Type: "accepted", Call: &c})
	})
	defer offAccepted()
	offEnded := s.mgr.OnEnded(func(c record.Call, err error) {
		ev := event{Type: "ended", Call: &c}
		if err != nil {
			ev.Err = err.Error()
		}
		push(ev)
	})
	defer offEnded()

	// Keepalive comments stop proxies from timing the stream out.
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}
