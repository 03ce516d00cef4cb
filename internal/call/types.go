package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/infinitchat/internal/media"
)

var (
	ErrBusy        = errors.New("a call is already in progress")
	ErrNotRinging  = errors.New("no incoming call to answer")
	ErrNoCall      = errors.New("no active call")
	ErrInvalidPeer = errors.New("invalid remote peer")
	ErrAudioOnly   = errors.New("not available on an audio call")
	ErrUnmounted   = errors.New("call view is no longer mounted")
)

// UnknownCallerName is shown until the directory lookup for an inbound
// caller completes.
const UnknownCallerName = "Unknown Caller"

type CallType string

const (
	Audio CallType = "audio"
	Video CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool { return t == Audio || t == Video }

// Constraints is what GetUserMedia must capture for a call of type t.
func (t CallType) Constraints() media.Constraints {
	return media.Constraints{Audio: true, Video: t == Video}
}

type Phase int

const (
	Idle Phase = iota
	Dialing
	Ringing
	Active
	Ended
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for q := Idle; q <= Ended; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown call phase %q", b)
}

// Party is the other side of a call as shown to the user.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

func unknownCaller(id string) Party {
	return Party{ID: id, DisplayName: UnknownCallerName}
}

// Conn is one peer media connection.
type Conn interface {
	RemoteID() string
	CallType() CallType

	// Open reports whether the connection is still usable.
	Open() bool

	// Answer accepts an inbound call, sending local.
	Answer(ctx context.Context, local *media.Stream) error

	// ReplaceTrack swaps what the sender of kind transmits. A nil track
	// detaches the sender.
	ReplaceTrack(kind media.Kind, t media.Track) error
	SenderTrack(kind media.Kind) media.Track

	// OnStream registers fn for the remote stream. If the stream already
	// arrived fn runs immediately.
	OnStream(fn func(*media.Stream))
	// OnClose registers fn to run once when the connection closes for any
	// reason.
	OnClose(fn func())

	// Close is idempotent.
	Close() error
}

// PeerClient places and receives calls.
type PeerClient interface {
	ID() string
	Call(ctx context.Context, remoteID string, local *media.Stream, t CallType) (Conn, error)
	OnCall(fn func(Conn))
	Close() error
}

// Directory resolves user IDs to display metadata.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Party, error)
}

type DirectoryFunc func(ctx context.Context, userID string) (Party, error)

func (f DirectoryFunc) Lookup(ctx context.Context, userID string) (Party, error) {
	return f(ctx, userID)
}

// Ringer plays the incoming call tone.
type Ringer interface {
	Start()
	Stop()
}

type EventType string

const (
	EventState        EventType = "state"
	EventIncoming     EventType = "incoming"
	EventCaller       EventType = "caller"
	EventRemoteStream EventType = "remote-stream"
	EventNotice       EventType = "notice"
	EventBusy         EventType = "busy"
	EventRing         EventType = "ring"
)

// Event is published to subscribers on every call state change.
type Event struct {
	Type     EventType     `json:"type"`
	Phase    Phase         `json:"phase"`
	Peer     Party         `json:"peer"`
	CallType CallType      `json:"callType,omitempty"`
	Message  string        `json:"message,omitempty"`
	Stream   *media.Stream `json:"-"`
}

// State is a point-in-time view of the call holder.
type State struct {
	Phase         Phase     `json:"phase"`
	Peer          Party     `json:"peer"`
	CallType      CallType  `json:"callType,omitempty"`
	Since         time.Time `json:"since,omitzero"`
	Muted         bool      `json:"muted"`
	CameraOff     bool      `json:"cameraOff"`
	ScreenSharing bool      `json:"screenSharing"`
	RemoteStream  bool      `json:"remoteStream"`
}

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeBusy      Outcome = "busy"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Record is one entry of the call history.
type Record struct {
	Peer      Party         `json:"peer"`
	CallType  CallType      `json:"callType"`
	Direction Direction     `json:"direction"`
	Outcome   Outcome       `json:"outcome"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}
