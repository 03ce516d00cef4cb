// Package media models local and remote media: tracks, streams and the
// capture devices that produce them.
package media

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevice         = errors.New("no capture device available")
	ErrUnsupported      = errors.New("media capture not supported on this platform")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one audio or video track.
type Track interface {
	ID() string
	Kind() Kind

	// Enabled is false while the track is muted. A disabled track stays
	// attached to the stream but sends nothing.
	Enabled() bool
	SetEnabled(enabled bool)

	// Stop releases the capture source. Stopping does not fire OnEnded.
	Stop()

	// OnEnded registers fn to run once if the source ends the track by
	// itself, e.g. the user stops a screen share from the system UI.
	OnEnded(fn func())
}

// Stream groups the tracks of one capture or one remote peer.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Add appends t to the stream.
func (s *Stream) Add(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) first(k Kind) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

// AudioTrack returns the first audio track or nil.
func (s *Stream) AudioTrack() Track { return s.first(KindAudio) }

// VideoTrack returns the first video track or nil.
func (s *Stream) VideoTrack() Track { return s.first(KindVideo) }

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Constraints select what GetUserMedia captures.
type Constraints struct {
	Audio bool
	Video bool
}

// Devices is the capture surface.
type Devices interface {
	// GetUserMedia captures microphone and, if asked, camera.
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	// GetDisplayMedia captures the screen as a single video track.
	GetDisplayMedia(ctx context.Context) (*Stream, error)
}
