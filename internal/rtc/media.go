package rtc

import (
	"context"
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/record"
)

// ErrCaptureUnsupported is returned when no capture path exists on this
// platform or every device attempt failed.
var ErrCaptureUnsupported = errors.New("rtc: media capture unavailable")

// Capturer acquires local media. Acquire blocks while devices open and must
// honor ctx cancellation — a rejected or ended call cancels an in-flight
// acquire. API returns the webrtc API whose codecs match the capture, so
// connections negotiate what the encoder produces.
type Capturer interface {
	Acquire(ctx context.Context, t record.CallType) (*LocalMedia, error)
	API() *webrtc.API
}

// newAPI builds a webrtc API around the media engine with default
// interceptors and generous ICE timeouts. The default disconnectedTimeout
// of 5s is too short for relay paths that stall briefly during failover;
// 30s lets ICE recover without tearing the call down.
func newAPI(mediaEngine *webrtc.MediaEngine) (*webrtc.API, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
