// Package rtc implements the call package's PeerClient and Conn on
// pion/webrtc, with offers and answers exchanged as documents in the
// store's signals collection.
package rtc

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/infinitchat/internal/media"
)

var log = logging.Logger("rtc")

// DefaultSTUN is used when no STUN servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// newAPI builds the webrtc API shared by every peer connection of a client.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A brief relay or NAT hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func codecType(k media.Kind) webrtc.RTPCodecType {
	if k == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func kindOf(t webrtc.RTPCodecType) media.Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

// addRecvOnlyTransceiver keeps an m-line for kind in the offer even when
// nothing local is sent.
func addRecvOnlyTransceiver(id string, pc *webrtc.PeerConnection, k media.Kind) {
	if _, err := pc.AddTransceiverFromKind(codecType(k), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("CALL [%s]: AddTransceiver(%s) error: %v", id, k, err)
	}
}
