// Package call owns the session's single call slot: at most one call is
// current at any time, whatever its direction. The Manager is the facade the
// control surface talks to. It drives signaling, media capture and WebRTC
// negotiation, persists every status change, and fans call events out to any
// number of listeners.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/identity"
	"github.com/peerline/peerline/internal/record"
	"github.com/peerline/peerline/internal/rtc"
	"github.com/peerline/peerline/internal/signal"
	"github.com/peerline/peerline/internal/store"
)

// Timing bundles the call timers. Zero values fall back to defaults, so a
// partially filled config stays usable.
type Timing struct {
	// Ring is how long an incoming call rings before it is marked missed.
	// The outgoing side waits slightly longer so the callee's missed
	// notification wins the race.
	Ring time.Duration

	// Accept is how long AcceptCall waits for the remote stream after the
	// answer is sent.
	Accept time.Duration

	// DisconnectGrace is how long a signaling outage is tolerated
	// mid-call before the call is torn down.
	DisconnectGrace time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Ring:            40 * time.Second,
		Accept:          20 * time.Second,
		DisconnectGrace: 10 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.Ring <= 0 {
		t.Ring = d.Ring
	}
	if t.Accept <= 0 {
		t.Accept = d.Accept
	}
	if t.DisconnectGrace <= 0 {
		t.DisconnectGrace = d.DisconnectGrace
	}
	return t
}

// MediaStream is the remote media handle surfaced to listeners. Ready is
// closed when the first remote track arrives; Tracks and Packets report what
// has been received so far.
type MediaStream interface {
	PeerID() string
	Ready() <-chan struct{}
	Tracks() []*webrtc.TrackRemote
	Packets() int64
	Close()
}

// Connector runs WebRTC negotiation against remote peers. Implemented by
// *rtc.Engine; the indirection keeps the state machine testable without real
// peer connections.
type Connector interface {
	Offer(ctx context.Context, peerID string) error
	HandleOffer(ctx context.Context, peerID string, sdp webrtc.SessionDescription) error
	HandleAnswer(ctx context.Context, peerID string, sdp webrtc.SessionDescription) error
	HandleCandidate(peerID string, cand webrtc.ICECandidateInit) error
	AttachLocal(m *rtc.LocalMedia)
	DetachLocal()
	ClosePeer(peerID string)
	CloseAll()
}

// ConnectorCallbacks are the upcalls a Connector makes into the Manager.
type ConnectorCallbacks struct {
	RemoteStream func(peerID string, s MediaStream)
	PeerClosed   func(peerID string, err error)
}

// Options wires a Manager to its collaborators.
type Options struct {
	Self      identity.Identity
	Transport signal.Transport
	Capturer  rtc.Capturer
	Store     store.RecordStore
	Timing    Timing

	// NewConnector builds the negotiation engine with the manager's
	// callbacks already bound.
	NewConnector func(cb ConnectorCallbacks) Connector
}

// Manager is the call facade. All exported methods are safe for concurrent
// use.
type Manager struct {
	// selfMu guards self, which Initialize may rewrite when the transport
	// resolves its own routing id.
	selfMu sync.Mutex
	self   identity.Identity

	tr   signal.Transport
	capt rtc.Capturer
	rec  store.RecordStore
	conn Connector

	machine machine

	timingMu sync.Mutex
	timing   Timing

	// mu guards the per-call resources below. Never held across blocking
	// work (media capture, signaling sends).
	mu          sync.Mutex
	callCtx     context.Context
	callCancel  context.CancelFunc
	media       *rtc.LocalMedia
	remote      MediaStream
	ringTimer   *time.Timer
	graceTimer  *time.Timer
	storeCancel func()
	streamCh    chan MediaStream

	listeners listenerSet

	runMu       sync.Mutex
	started     bool
	subCancel   func()
	stateCancel func()
	dispatchWG  sync.WaitGroup
}

// NewManager wires the manager and its connector. Initialize must be called
// before any call operation.
func NewManager(opts Options) (*Manager, error) {
	// The p2p backend derives the routing id from its key file, so an empty
	// Self.ID is allowed here and resolved at Initialize.
	if opts.Self.ID != "" {
		if err := opts.Self.Validate(); err != nil {
			return nil, fmt.Errorf("call: %w", err)
		}
	}
	if opts.Transport == nil || opts.Capturer == nil || opts.Store == nil || opts.NewConnector == nil {
		return nil, errors.New("call: missing collaborator in Options")
	}
	m := &Manager{
		self:   opts.Self,
		tr:     opts.Transport,
		capt:   opts.Capturer,
		rec:    opts.Store,
		timing: opts.Timing.withDefaults(),
	}
	m.conn = opts.NewConnector(ConnectorCallbacks{
		RemoteStream: m.handleRemoteStream,
		PeerClosed:   m.handlePeerClosed,
	})
	return m, nil
}

// UpdateTiming applies new timer values to calls started after this point.
// Timers already armed keep their old durations.
func (m *Manager) UpdateTiming(t Timing) {
	m.timingMu.Lock()
	m.timing = t.withDefaults()
	m.timingMu.Unlock()
}

func (m *Manager) currentTiming() Timing {
	m.timingMu.Lock()
	defer m.timingMu.Unlock()
	return m.timing
}

// Self returns the local identity. Stable once Initialize has completed.
func (m *Manager) Self() identity.Identity {
	m.selfMu.Lock()
	defer m.selfMu.Unlock()
	return m.self
}

func (m *Manager) selfID() string {
	m.selfMu.Lock()
	defer m.selfMu.Unlock()
	return m.self.ID
}

// Initialize connects the signaling transport, reconciles any record left
// active by a previous run, and starts the dispatch loop. Calling it again
// tears the previous session down first.
func (m *Manager) Initialize(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		m.stopLocked()
	}

	self := m.Self()
	if err := m.tr.Connect(ctx, self); err != nil {
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	if id := m.tr.SelfID(); id != "" {
		self.ID = id
	}
	if err := self.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	m.selfMu.Lock()
	m.self = self
	m.selfMu.Unlock()

	// A record stuck in a non-terminal status means the previous run died
	// mid-call. Close it out so history stays consistent.
	if stale, ok, err := m.rec.LatestActive(ctx, self.ID); err != nil {
		log.Printf("CALL: stale record lookup failed: %v", err)
	} else if ok {
		status := record.StatusEnded
		if stale.ReceiverID == self.ID && stale.Status == record.StatusPending {
			status = record.StatusMissed
		}
		stale.Status = status
		if err := m.rec.Write(ctx, stale); err != nil {
			log.Printf("CALL: failed to reconcile stale record %s: %v", stale.ID, err)
		} else {
			log.Printf("CALL: reconciled stale record %s → %s", stale.ID, status)
		}
	}

	ch, cancel := m.tr.Subscribe()
	m.subCancel = cancel
	m.stateCancel = m.tr.OnStateChange(m.handleTransportState)
	m.dispatchWG.Add(1)
	go m.dispatch(ch)

	m.started = true
	log.Printf("CALL: initialized as %s (%s)", self.Name, self.ID)
	return nil
}

// Close ends any active call, stops the dispatch loop and closes the
// transport. The record store is left open for its owner to close.
func (m *Manager) Close() error {
	m.finish(record.StatusEnded, nil, true)

	m.runMu.Lock()
	m.stopLocked()
	m.runMu.Unlock()

	return m.tr.Close()
}

func (m *Manager) stopLocked() {
	if !m.started {
		return
	}
	if m.subCancel != nil {
		m.subCancel()
		m.subCancel = nil
	}
	if m.stateCancel != nil {
		m.stateCancel()
		m.stateCancel = nil
	}
	m.dispatchWG.Wait()
	m.started = false
}

// Status returns the current state, its flag view and a copy of the current
// record (nil when idle).
func (m *Manager) Status() (State, Flags, *record.Call) {
	st, cur := m.machine.snapshot()
	return st, st.Flags(), cur
}

// RemoteMedia returns the current call's remote stream, once it has arrived.
func (m *Manager) RemoteMedia() (MediaStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		return nil, false
	}
	return m.remote, true
}

// OnIncoming registers a listener for incoming calls. The returned func
// unregisters it.
func (m *Manager) OnIncoming(fn func(record.Call)) func() {
	return m.listeners.addIncoming(fn)
}

// OnAccepted registers a listener fired when a call reaches ongoing and the
// remote stream is available.
func (m *Manager) OnAccepted(fn func(record.Call, MediaStream)) func() {
	return m.listeners.addAccepted(fn)
}

// OnEnded registers a listener fired exactly once per call when it reaches a
// terminal status, whichever side or timer caused it. cause is nil for a
// normal hangup.
func (m *Manager) OnEnded(fn func(record.Call, error)) func() {
	return m.listeners.addEnded(fn)
}

// StartCall places an outgoing call to receiverID. Media is acquired before
// anything is signaled or persisted, so a capture failure leaves no trace.
// Returns the call id.
func (m *Manager) StartCall(ctx context.Context, receiverID string, t record.CallType) (string, error) {
	self := m.Self()
	if receiverID == "" || receiverID == self.ID {
		return "", fmt.Errorf("call: invalid receiver %q", receiverID)
	}
	if !t.Valid() {
		return "", fmt.Errorf("call: invalid call type %q", t)
	}

	rec := record.New(self, receiverID, t)
	if err := m.machine.startOutgoing(rec); err != nil {
		return "", err
	}
	callCtx := m.armCall()

	media, err := m.capt.Acquire(callCtx, t)
	if err != nil {
		m.abandon()
		if callCtx.Err() != nil {
			return "", callCtx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	m.mu.Lock()
	if m.callCtx != callCtx {
		// EndCall raced the capture.
		m.mu.Unlock()
		media.Close()
		return "", context.Canceled
	}
	m.media = media
	m.mu.Unlock()
	m.conn.AttachLocal(media)

	if err := m.rec.Write(ctx, rec); err != nil {
		log.Printf("CALL [%s]: record write failed: %v", rec.ID, err)
	}
	m.watchRecord(rec.ID)

	if err := m.tr.Send(signal.Message{Kind: signal.KindCallStart, Call: &rec}); err != nil {
		m.finish(record.StatusEnded, err, false)
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	// The callee's ring timer is authoritative for missed calls; this one
	// only covers a callee that never saw the invite.
	timing := m.currentTiming()
	m.armRingTimer(timing.Ring+5*time.Second, func() {
		if st, cur := m.machine.snapshot(); st == StatePendingOutgoing && cur != nil && cur.ID == rec.ID {
			log.Printf("CALL [%s]: no answer from %s", rec.ID, receiverID)
			m.finish(record.StatusEnded, nil, true)
		}
	})

	log.Printf("CALL [%s]: started %s → %s (%s)", rec.ID, self.ID, receiverID, t)
	return rec.ID, nil
}

// AcceptCall answers the pending incoming call and blocks until the remote
// stream arrives or the accept window expires.
func (m *Manager) AcceptCall(ctx context.Context) (MediaStream, error) {
	st, cur := m.machine.snapshot()
	if st != StatePendingIncoming || cur == nil {
		return nil, ErrNoActiveCall
	}

	m.mu.Lock()
	callCtx := m.callCtx
	m.mu.Unlock()
	if callCtx == nil {
		return nil, ErrNoActiveCall
	}

	media, err := m.capt.Acquire(callCtx, cur.Type)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, callCtx.Err()
		}
		// Can't answer without media. Treat it like a reject so the
		// caller is not left ringing.
		m.finish(record.StatusRejected, err, true)
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	rec, err := m.machine.accept()
	if err != nil {
		media.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.callCtx != callCtx {
		m.mu.Unlock()
		media.Close()
		return nil, ErrNoActiveCall
	}
	m.media = media
	m.stopRingTimerLocked()
	streamCh := m.streamCh
	m.mu.Unlock()
	m.conn.AttachLocal(media)

	if err := m.rec.Write(ctx, rec); err != nil {
		log.Printf("CALL [%s]: record write failed: %v", rec.ID, err)
	}
	if err := m.tr.Send(signal.Message{Kind: signal.KindCallAccept, Call: &rec}); err != nil {
		m.finish(record.StatusEnded, err, false)
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	log.Printf("CALL [%s]: accepted from %s", rec.ID, rec.CallerID)

	timing := m.currentTiming()
	select {
	case s := <-streamCh:
		return s, nil
	case <-callCtx.Done():
		return nil, ErrNoActiveCall
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timing.Accept):
		m.finish(record.StatusEnded, ErrRemoteStreamTimeout, true)
		return nil, ErrRemoteStreamTimeout
	}
}

// RejectCall declines the pending incoming call. A no-op in any other state.
func (m *Manager) RejectCall(ctx context.Context) error {
	st, _ := m.machine.snapshot()
	if st != StatePendingIncoming {
		return nil
	}
	m.finish(record.StatusRejected, nil, true)
	return nil
}

// EndCall hangs up the current call, whatever its state. Idempotent: a
// second call is a no-op.
func (m *Manager) EndCall(ctx context.Context) error {
	m.finish(record.StatusEnded, nil, true)
	return nil
}

// armCall installs a fresh per-call context and stream channel. The context
// is canceled on every teardown path.
func (m *Manager) armCall() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.callCtx = ctx
	m.callCancel = cancel
	m.streamCh = make(chan MediaStream, 1)
	m.mu.Unlock()
	return ctx
}

// abandon rolls back a call that never got past setup. No record was
// persisted and nothing was signaled, so no listener fires.
func (m *Manager) abandon() {
	if _, ok := m.machine.finish(record.StatusEnded); !ok {
		return
	}
	m.mu.Lock()
	cancel := m.callCancel
	m.callCtx, m.callCancel, m.streamCh = nil, nil, nil
	m.stopRingTimerLocked()
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) armRingTimer(d time.Duration, fn func()) {
	m.mu.Lock()
	m.stopRingTimerLocked()
	m.ringTimer = time.AfterFunc(d, fn)
	m.mu.Unlock()
}

func (m *Manager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// watchRecord subscribes to store writes for callID so a terminal status
// written by another component (or another process sharing the store) tears
// this call down too.
func (m *Manager) watchRecord(callID string) {
	cancel := m.rec.Subscribe(
		func(c record.Call) bool { return c.ID == callID },
		func(c record.Call) {
			if !c.Status.Terminal() || !m.machine.is(callID) {
				return
			}
			log.Printf("CALL [%s]: terminal status %s observed in store", callID, c.Status)
			m.finish(c.Status, nil, false)
		},
	)
	m.mu.Lock()
	if m.storeCancel != nil {
		m.storeCancel()
	}
	m.storeCancel = cancel
	m.mu.Unlock()
}

// finish is the single teardown path. It applies status to the current
// record, persists it, releases media and connections, optionally notifies
// the remote side, and fires OnEnded exactly once. Safe to call from any
// goroutine; a second call finds the machine idle and returns.
func (m *Manager) finish(status record.Status, cause error, notifyRemote bool) {
	final, ok := m.machine.finish(status)
	if !ok {
		return
	}

	m.mu.Lock()
	cancel := m.callCancel
	media := m.media
	remote := m.remote
	storeCancel := m.storeCancel
	m.stopRingTimerLocked()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.callCtx, m.callCancel = nil, nil
	m.media, m.remote = nil, nil
	m.storeCancel = nil
	m.streamCh = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if storeCancel != nil {
		storeCancel()
	}

	m.conn.DetachLocal()
	m.conn.CloseAll()
	if remote != nil {
		remote.Close()
	}
	if media != nil {
		media.Close()
	}

	if err := m.rec.Write(context.Background(), final); err != nil {
		log.Printf("CALL [%s]: final record write failed: %v", final.ID, err)
	}

	if notifyRemote {
		kind := signal.KindCallEnd
		if status == record.StatusRejected {
			kind = signal.KindCallReject
		}
		if err := m.tr.Send(signal.Message{Kind: kind, Call: &final}); err != nil {
			log.Printf("CALL [%s]: %s send failed: %v", final.ID, kind, err)
		}
	}

	if cause != nil {
		log.Printf("CALL [%s]: finished %s: %v", final.ID, status, cause)
	} else {
		log.Printf("CALL [%s]: finished %s", final.ID, status)
	}
	m.listeners.fireEnded(final, cause)
}

// dispatch routes inbound signaling to the state machine and the connector.
// Runs until the transport subscription closes.
func (m *Manager) dispatch(ch <-chan signal.Message) {
	defer m.dispatchWG.Done()
	for msg := range ch {
		switch msg.Kind {
		case signal.KindCallIncoming:
			if msg.Call != nil {
				m.handleIncoming(*msg.Call)
			}
		case signal.KindCallAccepted:
			if msg.Call != nil {
				m.handleRemoteAccepted(*msg.Call)
			}
		case signal.KindCallRejected:
			if msg.Call != nil {
				m.handleRemoteTerminal(msg.Call.ID, record.StatusRejected)
			}
		case signal.KindCallEnded:
			if msg.Call != nil {
				status := record.StatusEnded
				if msg.Call.Status.Terminal() {
					status = msg.Call.Status
				}
				m.handleRemoteTerminal(msg.Call.ID, status)
			}
		case signal.KindOffer:
			m.handleOffer(msg)
		case signal.KindAnswer:
			m.handleAnswer(msg)
		case signal.KindCandidate:
			m.handleCandidate(msg)
		case signal.KindUserOffline:
			m.handleUserOffline(msg.UserID)
		}
	}
}

func (m *Manager) handleIncoming(rec record.Call) {
	if rec.ReceiverID != m.selfID() {
		log.Printf("CALL [%s]: invite addressed to %s, ignoring", rec.ID, rec.ReceiverID)
		return
	}
	if err := m.machine.startIncoming(rec); err != nil {
		// Busy: decline without touching the current call.
		log.Printf("CALL [%s]: busy, auto-rejecting %s", rec.ID, rec.CallerID)
		rec.Status = record.StatusRejected
		if err := m.tr.Send(signal.Message{Kind: signal.KindCallReject, Call: &rec}); err != nil {
			log.Printf("CALL [%s]: busy reject send failed: %v", rec.ID, err)
		}
		return
	}

	m.armCall()
	if err := m.rec.Write(context.Background(), rec); err != nil {
		log.Printf("CALL [%s]: record write failed: %v", rec.ID, err)
	}
	m.watchRecord(rec.ID)

	timing := m.currentTiming()
	m.armRingTimer(timing.Ring, func() {
		if st, cur := m.machine.snapshot(); st == StatePendingIncoming && cur != nil && cur.ID == rec.ID {
			log.Printf("CALL [%s]: missed (rang %s)", rec.ID, timing.Ring)
			m.finish(record.StatusMissed, nil, true)
		}
	})

	log.Printf("CALL [%s]: incoming from %s (%s)", rec.ID, rec.CallerID, rec.Type)
	m.listeners.fireIncoming(rec)
}

// handleRemoteAccepted runs on the caller when the callee picks up. The
// caller side is the offerer.
func (m *Manager) handleRemoteAccepted(rec record.Call) {
	cur, ok := m.machine.remoteAccepted(rec.ID)
	if !ok {
		return
	}
	m.mu.Lock()
	m.stopRingTimerLocked()
	callCtx := m.callCtx
	m.mu.Unlock()

	if err := m.rec.Write(context.Background(), cur); err != nil {
		log.Printf("CALL [%s]: record write failed: %v", cur.ID, err)
	}
	log.Printf("CALL [%s]: accepted by %s, sending offer", cur.ID, cur.ReceiverID)

	go func() {
		if callCtx == nil || callCtx.Err() != nil {
			return
		}
		if err := m.conn.Offer(callCtx, cur.Peer(m.selfID())); err != nil {
			log.Printf("CALL [%s]: offer failed: %v", cur.ID, err)
			m.finish(record.StatusEnded, fmt.Errorf("%w: %v", ErrNegotiation, err), true)
		}
	}()
}

func (m *Manager) handleRemoteTerminal(callID string, status record.Status) {
	if !m.machine.is(callID) {
		return
	}
	log.Printf("CALL [%s]: remote reported %s", callID, status)
	m.finish(status, nil, false)
}

func (m *Manager) handleOffer(msg signal.Message) {
	if msg.SDP == nil || !m.isCurrentPeer(msg.From) {
		return
	}
	m.mu.Lock()
	callCtx := m.callCtx
	m.mu.Unlock()
	if callCtx == nil {
		return
	}
	if err := m.conn.HandleOffer(callCtx, msg.From, *msg.SDP); err != nil {
		log.Printf("CALL: answering %s failed: %v", msg.From, err)
		m.finish(record.StatusEnded, fmt.Errorf("%w: %v", ErrNegotiation, err), true)
	}
}

func (m *Manager) handleAnswer(msg signal.Message) {
	if msg.SDP == nil || !m.isCurrentPeer(msg.From) {
		return
	}
	m.mu.Lock()
	callCtx := m.callCtx
	m.mu.Unlock()
	if callCtx == nil {
		return
	}
	if err := m.conn.HandleAnswer(callCtx, msg.From, *msg.SDP); err != nil {
		log.Printf("CALL: answer from %s failed: %v", msg.From, err)
		m.finish(record.StatusEnded, fmt.Errorf("%w: %v", ErrNegotiation, err), true)
	}
}

func (m *Manager) handleCandidate(msg signal.Message) {
	if msg.Candidate == nil || !m.isCurrentPeer(msg.From) {
		return
	}
	if err := m.conn.HandleCandidate(msg.From, *msg.Candidate); err != nil {
		// A single bad candidate does not kill the call.
		log.Printf("CALL: candidate from %s dropped: %v", msg.From, err)
	}
}

func (m *Manager) handleUserOffline(userID string) {
	if userID == "" || !m.isCurrentPeer(userID) {
		return
	}
	log.Printf("CALL: peer %s went offline", userID)
	m.finish(record.StatusEnded, nil, false)
}

func (m *Manager) isCurrentPeer(peerID string) bool {
	if peerID == "" {
		return false
	}
	_, cur := m.machine.snapshot()
	return cur != nil && cur.Peer(m.selfID()) == peerID
}

// handleRemoteStream is the connector upcall for the first remote track.
func (m *Manager) handleRemoteStream(peerID string, s MediaStream) {
	st, cur := m.machine.snapshot()
	if st != StateOngoing || cur == nil || cur.Peer(m.selfID()) != peerID {
		s.Close()
		return
	}

	m.mu.Lock()
	m.remote = s
	streamCh := m.streamCh
	m.mu.Unlock()

	if streamCh != nil {
		select {
		case streamCh <- s:
		default:
		}
	}
	log.Printf("CALL [%s]: remote stream up from %s", cur.ID, peerID)
	m.listeners.fireAccepted(*cur, s)
}

// handlePeerClosed is the connector upcall for a connection that died
// without an explicit hangup.
func (m *Manager) handlePeerClosed(peerID string, err error) {
	if !m.isCurrentPeer(peerID) {
		return
	}
	log.Printf("CALL: connection to %s closed: %v", peerID, err)
	m.finish(record.StatusEnded, err, true)
}

// handleTransportState arms the disconnect grace timer on loss and disarms
// it on recovery. Only an active call cares.
func (m *Manager) handleTransportState(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if connected {
		if m.graceTimer != nil {
			m.graceTimer.Stop()
			m.graceTimer = nil
			log.Printf("CALL: signaling recovered within grace period")
		}
		return
	}
	if st, _ := m.machine.snapshot(); st == StateIdle {
		return
	}
	if m.graceTimer != nil {
		return
	}
	grace := m.currentTiming().DisconnectGrace
	log.Printf("CALL: signaling lost, call survives %s", grace)
	m.graceTimer = time.AfterFunc(grace, func() {
		if st, _ := m.machine.snapshot(); st == StateIdle {
			return
		}
		m.finish(record.StatusEnded, ErrTransport, false)
	})
}
