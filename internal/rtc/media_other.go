//go:build !(linux && cgo)

package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/record"
)

// DeviceCapturer on non-Linux platforms has no capture backend; calls can
// still run receive-only.
type DeviceCapturer struct {
	api *webrtc.API
}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api, err := newAPI(mediaEngine)
	if err != nil {
		return nil, err
	}
	return &DeviceCapturer{api: api}, nil
}

func (c *DeviceCapturer) API() *webrtc.API { return c.api }

func (c *DeviceCapturer) Acquire(ctx context.Context, _ record.CallType) (*LocalMedia, error) {
	return nil, ErrCaptureUnsupported
}
