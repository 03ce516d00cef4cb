//go:build linux

package rtc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/infinitchat/internal/media"
)

var codecSelector = sync.OnceValues(func() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
})

func registerCodecs(me *webrtc.MediaEngine) error {
	cs, err := codecSelector()
	if err != nil {
		return err
	}
	cs.Populate(me)
	return nil
}

// Devices captures camera, microphone and screen through pion/mediadevices
// (V4L2 and malgo).
type Devices struct{}

var _ media.Devices = (*Devices)(nil)

func NewDevices() *Devices {
	found := mediadevices.EnumerateDevices()
	if len(found) == 0 {
		log.Warnf("CALL: no media devices found")
	}
	for _, d := range found {
		log.Debugf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
	}
	return &Devices{}
}

func (d *Devices) GetUserMedia(_ context.Context, c media.Constraints) (*media.Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("get user media: nothing requested")
	}
	cs, err := codecSelector()
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: cs}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG nodes on some cameras emit frames the
			// VP8 encoder chokes on.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", captureError(err))
	}
	return wrapTracks(stream.GetTracks()), nil
}

func (d *Devices) GetDisplayMedia(context.Context) (*media.Stream, error) {
	cs, err := codecSelector()
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: cs,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", captureError(err))
	}
	return wrapTracks(stream.GetTracks()), nil
}

func wrapTracks(tracks []mediadevices.Track) *media.Stream {
	s := media.NewStream()
	for _, t := range tracks {
		lt := NewLocalTrack(t, t.Close)
		t.OnEnded(func(err error) {
			if err != nil {
				log.Debugf("CALL: local track %s ended: %v", t.ID(), err)
			}
			lt.sourceEnded()
		})
		s.Add(lt)
	}
	return s
}

// captureError maps driver failures onto the media sentinels.
func captureError(err error) error {
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", media.ErrNoDevice, err)
}
