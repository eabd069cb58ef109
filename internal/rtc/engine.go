// Package rtc owns the per-peer WebRTC connections: the registry mapping
// peer id to connection and remote stream, and the negotiation engine that
// drives the offer/answer/candidate exchange over the signaling transport.
package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/signal"
)

// Options wires an Engine to its collaborators.
type Options struct {
	// ICEServers for new peer connections (STUN/TURN discovery servers).
	ICEServers []webrtc.ICEServer

	// API builds peer connections with the capturer's codecs. Nil uses the
	// pion default API.
	API *webrtc.API

	// Send ships a negotiation message to the remote side.
	Send func(signal.Message) error

	// OnRemoteStream fires exactly once per connection, when the first
	// remote track arrives.
	OnRemoteStream func(peerID string, s *RemoteStream)

	// OnPeerClosed fires when a connection reaches a terminal network state
	// and is torn down without an explicit close. Not fired for ClosePeer.
	OnPeerClosed func(peerID string, err error)
}

// Engine is the connection registry and negotiation engine. One entry per
// remote peer; re-requesting a peer returns the same connection for the
// lifetime of the call.
type Engine struct {
	opts Options
	cfg  webrtc.Configuration

	mu      sync.Mutex
	entries map[string]*entry
	local   *LocalMedia

	buf *candidateBuffer
}

type entry struct {
	peerID     string
	pc         *webrtc.PeerConnection
	stream     *RemoteStream
	remoteSet  bool
	streamOnce sync.Once
}

// NewEngine creates an engine. Send must be set; the callbacks may be nil.
func NewEngine(opts Options) *Engine {
	return &Engine{
		opts:    opts,
		cfg:     webrtc.Configuration{ICEServers: opts.ICEServers},
		entries: make(map[string]*entry),
		buf:     newCandidateBuffer(candidateTTL),
	}
}

// AttachLocal sets the capture whose tracks are added to connections built
// from now on. Must be called before negotiation begins for the tracks to
// make it into the SDP. The engine does not own the media — the caller does.
func (e *Engine) AttachLocal(m *LocalMedia) {
	e.mu.Lock()
	e.local = m
	e.mu.Unlock()
}

// DetachLocal clears the attached capture.
func (e *Engine) DetachLocal() {
	e.mu.Lock()
	e.local = nil
	e.mu.Unlock()
}

// lookup returns the remote stream for peerID, if a connection exists.
func (e *Engine) lookup(peerID string) (*RemoteStream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[peerID]
	if !ok {
		return nil, false
	}
	return ent.stream, true
}

// getOrCreate returns the entry for peerID, building and wiring a new peer
// connection if none exists.
func (e *Engine) getOrCreate(peerID string) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.entries[peerID]; ok {
		return ent, nil
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if e.opts.API != nil {
		pc, err = e.opts.API.NewPeerConnection(e.cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(e.cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection for %s: %w", peerID, err)
	}

	ent := &entry{
		peerID: peerID,
		pc:     pc,
		stream: newRemoteStream(peerID),
	}

	if e.local != nil {
		for _, t := range e.local.Tracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				log.Printf("RTC [%s]: AddTrack error: %v", peerID, err)
				continue
			}
			// Drain sender RTCP so interceptors keep running.
			go drainSender(sender)
		}
	} else {
		addRecvOnlyTransceivers(peerID, pc)
	}

	// Pion invokes this only after the local description is committed, so
	// candidates are never shipped ahead of the description they depend on.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		if err := e.opts.Send(signal.Message{
			Kind:      signal.KindCandidate,
			Target:    peerID,
			Candidate: &cand,
		}); err != nil {
			log.Printf("RTC [%s]: send candidate: %v", peerID, err)
		}
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("RTC [%s]: remote %s track %s", peerID, t.Kind(), t.ID())
		ent.stream.addTrack(t)
		ent.streamOnce.Do(func() {
			if e.opts.OnRemoteStream != nil {
				e.opts.OnRemoteStream(peerID, ent.stream)
			}
		})
		go ent.stream.drain(t, pc)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection state %s", peerID, st)
		switch st {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			e.teardown(ent, fmt.Errorf("rtc: connection to %s %s", peerID, st))
		}
	})

	e.entries[peerID] = ent
	log.Printf("RTC [%s]: connection created", peerID)
	return ent, nil
}

// teardown removes ent if it is still the registered connection and fires
// OnPeerClosed. Entries already removed by ClosePeer are ignored, which is
// what makes explicit close and state-change teardown race-safe.
func (e *Engine) teardown(ent *entry, cause error) {
	e.mu.Lock()
	cur, ok := e.entries[ent.peerID]
	if !ok || cur != ent {
		e.mu.Unlock()
		return
	}
	delete(e.entries, ent.peerID)
	e.mu.Unlock()

	ent.stream.Close()
	_ = ent.pc.Close()
	if e.opts.OnPeerClosed != nil {
		e.opts.OnPeerClosed(ent.peerID, cause)
	}
}

// Offer starts negotiation with peerID as the caller.
func (e *Engine) Offer(ctx context.Context, peerID string) error {
	ent, err := e.getOrCreate(peerID)
	if err != nil {
		return err
	}

	offer, err := ent.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("rtc: create offer for %s: %w", peerID, err)
	}
	if err := ent.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("rtc: set local offer for %s: %w", peerID, err)
	}
	if err := e.opts.Send(signal.Message{Kind: signal.KindOffer, Target: peerID, SDP: &offer}); err != nil {
		return fmt.Errorf("rtc: send offer to %s: %w", peerID, err)
	}
	log.Printf("RTC [%s]: offer sent", peerID)
	return nil
}

// HandleOffer answers an inbound offer from peerID.
func (e *Engine) HandleOffer(ctx context.Context, peerID string, sdp webrtc.SessionDescription) error {
	ent, err := e.getOrCreate(peerID)
	if err != nil {
		return err
	}

	if err := ent.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("rtc: set remote offer from %s: %w", peerID, err)
	}
	e.markRemoteSet(ent)

	answer, err := ent.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("rtc: create answer for %s: %w", peerID, err)
	}
	if err := ent.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("rtc: set local answer for %s: %w", peerID, err)
	}
	if err := e.opts.Send(signal.Message{Kind: signal.KindAnswer, Target: peerID, SDP: &answer}); err != nil {
		return fmt.Errorf("rtc: send answer to %s: %w", peerID, err)
	}
	log.Printf("RTC [%s]: answer sent", peerID)
	return nil
}

// HandleAnswer applies the remote answer on the caller side.
func (e *Engine) HandleAnswer(ctx context.Context, peerID string, sdp webrtc.SessionDescription) error {
	e.mu.Lock()
	ent, ok := e.entries[peerID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("rtc: answer from %s but no connection", peerID)
	}

	if err := ent.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("rtc: set remote answer from %s: %w", peerID, err)
	}
	e.markRemoteSet(ent)
	return nil
}

// markRemoteSet flags the entry and applies any candidates that arrived
// before the remote description, in their original arrival order.
func (e *Engine) markRemoteSet(ent *entry) {
	e.mu.Lock()
	ent.remoteSet = true
	e.mu.Unlock()

	for _, cand := range e.buf.drain(ent.peerID) {
		if err := ent.pc.AddICECandidate(cand); err != nil {
			log.Printf("RTC [%s]: buffered candidate rejected: %v", ent.peerID, err)
		}
	}
}

// HandleCandidate applies a remote candidate, buffering it when it arrives
// ahead of the connection or its remote description. Relay reordering makes
// early candidates normal, not a protocol violation.
func (e *Engine) HandleCandidate(peerID string, cand webrtc.ICECandidateInit) error {
	e.mu.Lock()
	ent, ok := e.entries[peerID]
	ready := ok && ent.remoteSet
	e.mu.Unlock()

	if !ready {
		e.buf.add(peerID, cand)
		return nil
	}
	if err := ent.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("rtc: add candidate from %s: %w", peerID, err)
	}
	return nil
}

// ClosePeer releases the connection and remote stream for peerID.
// Idempotent; does not fire OnPeerClosed.
func (e *Engine) ClosePeer(peerID string) {
	e.mu.Lock()
	ent, ok := e.entries[peerID]
	if ok {
		delete(e.entries, peerID)
	}
	e.mu.Unlock()
	e.buf.forget(peerID)

	if !ok {
		return
	}
	ent.stream.Close()
	_ = ent.pc.Close()
	log.Printf("RTC [%s]: connection closed", peerID)
}

// CloseAll tears down every connection and drops any buffered candidates, so
// a stale candidate cannot leak into the next call's fresh connection.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	ents := e.entries
	e.entries = make(map[string]*entry)
	e.mu.Unlock()
	e.buf.clear()

	for _, ent := range ents {
		ent.stream.Close()
		_ = ent.pc.Close()
	}
}

// drainSender reads RTCP from an outbound sender so its interceptors run.
func drainSender(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// addRecvOnlyTransceivers ensures offers and answers carry valid audio and
// video m-lines even when no local capture is attached.
func addRecvOnlyTransceivers(peerID string, pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", peerID, kind, err)
		}
	}
}
