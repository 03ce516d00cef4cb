// Package mediatest provides in-memory tracks and devices for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/infinitchat/internal/media"
)

var seq atomic.Int64

// Track is a media.Track with observable state.
type Track struct {
	id   string
	kind media.Kind

	mu      sync.Mutex
	enabled bool
	stopped bool
	ended   bool
	onEnded []func()
}

func NewTrack(kind media.Kind, label string) *Track {
	return &Track{
		id:      fmt.Sprintf("%s-%s-%d", label, kind, seq.Add(1)),
		kind:    kind,
		enabled: true,
	}
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End simulates the source ending the track.
func (t *Track) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.stopped = true
	fns := t.onEnded
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Devices hands out fresh fake tracks and records every capture.
type Devices struct {
	mu sync.Mutex

	// UserErr and DisplayErr, when set, are returned instead of capturing.
	UserErr    error
	DisplayErr error

	UserCalls    int
	DisplayCalls int
	Captured     []*Track
}

func (d *Devices) GetUserMedia(_ context.Context, c media.Constraints) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UserCalls++
	if d.UserErr != nil {
		return nil, d.UserErr
	}
	s := media.NewStream()
	if c.Audio {
		t := NewTrack(media.KindAudio, "mic")
		d.Captured = append(d.Captured, t)
		s.Add(t)
	}
	if c.Video {
		t := NewTrack(media.KindVideo, "cam")
		d.Captured = append(d.Captured, t)
		s.Add(t)
	}
	return s, nil
}

func (d *Devices) GetDisplayMedia(context.Context) (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DisplayCalls++
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	t := NewTrack(media.KindVideo, "screen")
	d.Captured = append(d.Captured, t)
	return media.NewStream(t), nil
}

// SetUserErr changes UserErr under the lock.
func (d *Devices) SetUserErr(err error) {
	d.mu.Lock()
	d.UserErr = err
	d.mu.Unlock()
}

// Last returns the most recently captured track of kind.
func (d *Devices) Last(kind media.Kind) *Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.Captured) - 1; i >= 0; i-- {
		if d.Captured[i].Kind() == kind {
			return d.Captured[i]
		}
	}
	return nil
}
