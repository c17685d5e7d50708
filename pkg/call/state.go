package call

import (
	"errors"

	"github.com/realtime-ai/voicecall/pkg/audio"
	"github.com/realtime-ai/voicecall/pkg/connection"
	"github.com/realtime-ai/voicecall/pkg/device"
	"github.com/realtime-ai/voicecall/pkg/signaling"
)

// State is the lifecycle state of the engine's call.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the call for display.
type Snapshot struct {
	State           State
	SessionID       string
	UserMuted       bool
	AgentMuted      bool
	Turn            signaling.Turn
	DurationSeconds uint32
	QueueDepth      int
	Playing         bool
}

// Error taxonomy of a call. Codec and protocol errors are contained; device
// errors end the call when they hit capture; transport errors always do.
var (
	ErrMalformedContainer = audio.ErrMalformedContainer
	ErrDevice             = device.ErrDevice
	ErrTransport          = connection.ErrTransport
	ErrProtocol           = signaling.ErrProtocol

	// ErrCallInProgress is returned by StartCall when a call is not idle.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrNoActiveCall is returned by operations that need an active call.
	ErrNoActiveCall = errors.New("no active call")

	// ErrCallEnded is returned by StartCall when the call was ended before
	// it finished connecting.
	ErrCallEnded = errors.New("call ended while connecting")
)
