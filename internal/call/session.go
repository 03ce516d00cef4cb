package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/infinitchat/internal/media"
)

// Session is one mounted call view. It owns the local capture; unmounting
// stops that capture but leaves the connection to the Manager.
type Session struct {
	m        *Manager
	callType CallType

	mu        sync.Mutex
	local     *media.Stream
	camera    media.Track
	screen    media.Track
	muted     bool
	cameraOff bool
	sharing   bool
	unmounted bool
}

func newSession(m *Manager, local *media.Stream, ct CallType) *Session {
	return &Session{m: m, callType: ct, local: local}
}

// Local returns the local preview stream.
func (s *Session) Local() *media.Stream { return s.local }

func (s *Session) CallType() CallType { return s.callType }

func (s *Session) flags() (muted, cameraOff, sharing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted, s.cameraOff, s.sharing
}

// ToggleMute flips the microphone. Returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return false, ErrUnmounted
	}
	audio := s.local.AudioTrack()
	if audio == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("toggle mute: no audio track")
	}
	s.muted = !s.muted
	muted := s.muted
	s.mu.Unlock()

	audio.SetEnabled(!muted)
	log.Infof("CALL [%s]: audio muted=%v", s.peerID(), muted)
	s.m.emitState()
	return muted, nil
}

// ToggleCamera flips the camera. Returns the new camera-off state.
func (s *Session) ToggleCamera() (bool, error) {
	if s.callType != Video {
		return false, ErrAudioOnly
	}
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return false, ErrUnmounted
	}
	cam := s.local.VideoTrack()
	if cam == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("toggle camera: no video track")
	}
	s.cameraOff = !s.cameraOff
	off := s.cameraOff
	s.mu.Unlock()

	cam.SetEnabled(!off)
	log.Infof("CALL [%s]: video disabled=%v", s.peerID(), off)
	s.m.emitState()
	return off, nil
}

// ToggleScreenShare starts or stops sending the screen in place of the
// camera. Returns the new sharing state.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	if s.callType != Video {
		return false, ErrAudioOnly
	}
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return false, ErrUnmounted
	}
	sharing, screen := s.sharing, s.screen
	s.mu.Unlock()

	if sharing {
		s.stopSharing(screen)
		return false, nil
	}

	conn := s.m.activeConn()
	if conn == nil {
		return false, ErrNoCall
	}
	display, err := s.m.devices.GetDisplayMedia(ctx)
	if err != nil {
		s.m.notice("screen share unavailable: %v", err)
		return false, fmt.Errorf("screen share: %w", err)
	}
	track := display.VideoTrack()
	if track == nil {
		display.Stop()
		return false, fmt.Errorf("screen share: no video track")
	}
	if err := conn.ReplaceTrack(media.KindVideo, track); err != nil {
		track.Stop()
		return false, fmt.Errorf("screen share: %w", err)
	}

	s.mu.Lock()
	s.camera = s.local.VideoTrack()
	s.screen = track
	s.sharing = true
	s.mu.Unlock()

	// The user can also stop sharing from outside the app.
	track.OnEnded(func() { s.stopSharing(track) })

	log.Infof("CALL [%s]: screen share started", s.peerID())
	s.m.emitState()
	return true, nil
}

// stopSharing puts the camera back on the video sender. Both the toggle and
// the screen track ending land here; only the first one for a given track
// does anything.
func (s *Session) stopSharing(track media.Track) {
	s.mu.Lock()
	if !s.sharing || s.screen != track {
		s.mu.Unlock()
		return
	}
	cam := s.camera
	s.sharing = false
	s.screen = nil
	s.camera = nil
	unmounted := s.unmounted
	s.mu.Unlock()

	track.Stop()
	if !unmounted {
		if conn := s.m.activeConn(); conn != nil {
			if err := conn.ReplaceTrack(media.KindVideo, cam); err != nil {
				log.Warnf("CALL [%s]: restore camera: %v", s.peerID(), err)
			}
		}
	}
	log.Infof("CALL [%s]: screen share stopped", s.peerID())
	s.m.emitState()
}

// Hangup ends the call this view belongs to.
func (s *Session) Hangup() error {
	return s.m.Hangup()
}

// Unmount releases the local capture. The connection stays up; a later
// Attach or Dial to the same peer resumes sending.
func (s *Session) Unmount() {
	s.m.mu.Lock()
	if s.m.session == s {
		s.m.session = nil
	}
	s.m.mu.Unlock()
	s.unmount()
}

func (s *Session) unmount() {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.unmounted = true
	screen := s.screen
	s.sharing = false
	s.screen = nil
	s.camera = nil
	s.mu.Unlock()

	s.local.Stop()
	if screen != nil {
		screen.Stop()
	}
}

func (s *Session) peerID() string {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.peer.ID
}
