// Package connection provides the bidirectional transport of a call: one
// message-oriented channel that carries raw PCM in binary frames and JSON
// signaling in text frames.
package connection

import (
	"errors"
	"fmt"

	"github.com/realtime-ai/voicecall/pkg/signaling"
)

// ConnectionState represents the state of a connection.
type ConnectionState int

const (
	// ConnectionStateNew - Initial state, connection not yet started
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateConnecting - Dial in progress
	ConnectionStateConnecting
	// ConnectionStateConnected - Connection is established and ready
	ConnectionStateConnected
	// ConnectionStateClosed - Connection closed by either side
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrTransport marks connection-level failures. They end the call.
	ErrTransport = errors.New("transport error")

	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = fmt.Errorf("%w: connection closed", ErrTransport)
)

// TransportError wraps a failing transport operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ConnectionEventHandler handles connection lifecycle events. Callbacks run
// on the connection's read goroutine and must not block for long.
type ConnectionEventHandler interface {
	// OnConnectionStateChange is called when the connection state changes.
	OnConnectionStateChange(state ConnectionState)

	// OnMessage is called for every decoded inbound text frame.
	OnMessage(msg signaling.Message)

	// OnError is called when the connection fails.
	OnError(err error)
}

// NoOpConnectionEventHandler is a no-op implementation for convenience.
type NoOpConnectionEventHandler struct{}

func (h *NoOpConnectionEventHandler) OnConnectionStateChange(state ConnectionState) {}
func (h *NoOpConnectionEventHandler) OnMessage(msg signaling.Message)              {}
func (h *NoOpConnectionEventHandler) OnError(err error)                            {}

// Connection is the transport used by a call session.
type Connection interface {
	// ID returns the unique identifier for this connection.
	ID() string

	// SendBinary writes one binary frame. It blocks until the frame is
	// written or the write deadline passes.
	SendBinary(data []byte) error

	// SendMessage encodes msg and writes it as a text frame.
	SendMessage(msg signaling.Message) error

	// IsOpen reports whether the connection can still send.
	IsOpen() bool

	// Close closes the connection and releases resources. Idempotent.
	Close() error
}
