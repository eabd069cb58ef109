package rtc

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested on received video tracks.
const pliInterval = 3 * time.Second

// RemoteStream is the inbound media of one peer connection. It becomes ready
// when the first remote track arrives; later tracks join the same stream.
type RemoteStream struct {
	peerID string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	packets atomic.Int64
	lastSeq atomic.Uint32
}

func newRemoteStream(peerID string) *RemoteStream {
	return &RemoteStream{
		peerID: peerID,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *RemoteStream) PeerID() string { return s.peerID }

// Ready is closed once the first remote track has arrived.
func (s *RemoteStream) Ready() <-chan struct{} { return s.ready }

// Tracks returns the remote tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Packets returns the number of RTP packets drained across all tracks.
func (s *RemoteStream) Packets() int64 { return s.packets.Load() }

// Close stops the drain loops. Idempotent.
func (s *RemoteStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// addTrack registers t and marks the stream ready. Returns true if this was
// the first track.
func (s *RemoteStream) addTrack(t *webrtc.TrackRemote) bool {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()

	first := false
	s.readyOnce.Do(func() {
		first = true
		close(s.ready)
	})
	return first
}

// drain pumps RTP off the track so the jitter buffers keep moving, and asks
// for keyframes on video tracks. Runs until the track errors or the stream
// closes.
func (s *RemoteStream) drain(t *webrtc.TrackRemote, pc *webrtc.PeerConnection) {
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		go s.requestKeyframes(t, pc)
	}

	var (
		pkt *rtp.Packet
		err error
	)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		pkt, _, err = t.ReadRTP()
		if err != nil {
			return
		}
		s.packets.Add(1)
		s.lastSeq.Store(uint32(pkt.SequenceNumber))
	}
}

// requestKeyframes sends a PLI for the track at a fixed interval so the
// remote encoder recovers quickly from loss.
func (s *RemoteStream) requestKeyframes(t *webrtc.TrackRemote, pc *webrtc.PeerConnection) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())},
			})
			if err != nil {
				log.Printf("RTC [%s]: PLI write error: %v", s.peerID, err)
				return
			}
		}
	}
}

// LocalMedia is the outbound capture for one call. The call facade owns it
// exclusively: every acquire has a matching Close, including error paths.
type LocalMedia struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

// NewLocalMedia wraps captured tracks with their release function.
func NewLocalMedia(tracks []webrtc.TrackLocal, stop func()) *LocalMedia {
	return &LocalMedia{tracks: tracks, stop: stop}
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

// Close releases the capture devices. Idempotent.
func (m *LocalMedia) Close() {
	m.once.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}
