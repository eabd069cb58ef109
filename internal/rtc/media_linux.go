//go:build linux && cgo

package rtc

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/record"
)

// DeviceCapturer captures camera/microphone via pion/mediadevices (V4L2 +
// malgo on Linux), encoding VP8 and Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
	api      *webrtc.API
}

// NewDeviceCapturer builds the codec selector and the matching webrtc API.
func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("rtc: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("rtc: opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	api, err := newAPI(mediaEngine)
	if err != nil {
		return nil, err
	}
	return &DeviceCapturer{selector: selector, api: api}, nil
}

func (c *DeviceCapturer) API() *webrtc.API { return c.api }

// Acquire opens capture devices for the call type. GetUserMedia fails as a
// unit if either requested track cannot open, so a video call degrades
// through video+audio → video-only → audio-only before giving up.
func (c *DeviceCapturer) Acquire(ctx context.Context, t record.CallType) (*LocalMedia, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if t == record.TypeVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only — some cameras expose an MJPEG node
				// producing malformed frames that poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Ideal: 1280, Max: 1280}
				mc.Height = prop.IntRanged{Ideal: 720, Max: 720}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("RTC: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("RTC: local track ended: %v", err)
				}
			})
			locals = append(locals, track)
		}

		stop := func() {
			for _, track := range tracks {
				track.Close()
			}
		}

		// Permission prompts can outlive the call that wanted them.
		if err := ctx.Err(); err != nil {
			stop()
			return nil, err
		}

		log.Printf("RTC: local media captured (%s) — %d tracks", a.label, len(tracks))
		return NewLocalMedia(locals, stop), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrCaptureUnsupported, lastErr)
}
