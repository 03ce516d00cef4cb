//go:build !linux

package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/infinitchat/internal/media"
)

func registerCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Devices reports media.ErrUnsupported: capture drivers exist for Linux
// only. Calls still connect and receive remote media.
type Devices struct{}

var _ media.Devices = (*Devices)(nil)

func NewDevices() *Devices {
	log.Infof("CALL: no local capture on this platform, calls are receive-only")
	return &Devices{}
}

func (d *Devices) GetUserMedia(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, media.ErrUnsupported
}

func (d *Devices) GetDisplayMedia(context.Context) (*media.Stream, error) {
	return nil, media.ErrUnsupported
}
