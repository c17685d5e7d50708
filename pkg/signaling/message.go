// Package signaling defines the JSON control vocabulary exchanged with the
// call server over the text frames of the transport.
//
// Outbound:
//
//	{"type":"join","userId":"<id>"}
//	{"type":"end_call"}
//
// Inbound:
//
//	{"type":"turn","turn":"user"|"agent"}
//	{"type":"audio","data":"<base64 PCM>"}
//
// Raw microphone PCM travels in binary frames and never passes through here.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the tag of a signaling message.
type Type string

const (
	TypeJoin    Type = "join"
	TypeEndCall Type = "end_call"
	TypeTurn    Type = "turn"
	TypeAudio   Type = "audio"
)

var (
	// ErrProtocol marks a text frame that could not be understood. It is
	// always recoverable: the frame is dropped.
	ErrProtocol = errors.New("signaling protocol error")

	// ErrUnknownType is returned for a missing or unrecognized type tag.
	ErrUnknownType = fmt.Errorf("%w: unknown message type", ErrProtocol)
)

// Turn names the party whose audio is currently live.
type Turn int

const (
	TurnAgent Turn = iota
	TurnUser
)

func (t Turn) String() string {
	switch t {
	case TurnUser:
		return "user"
	case TurnAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ParseTurn converts the wire representation into a Turn.
func ParseTurn(s string) (Turn, error) {
	switch s {
	case "user":
		return TurnUser, nil
	case "agent":
		return TurnAgent, nil
	default:
		return TurnAgent, fmt.Errorf("%w: invalid turn %q", ErrProtocol, s)
	}
}

func (t Turn) MarshalText() ([]byte, error) {
	if t != TurnUser && t != TurnAgent {
		return nil, fmt.Errorf("invalid turn %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Turn) UnmarshalText(b []byte) error {
	v, err := ParseTurn(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Message is any signaling message. The tag alone decides the payload shape.
type Message interface {
	Type() Type
}

// Join announces the caller once the transport opens.
type Join struct {
	UserID string
}

// EndCall tells the server the caller hung up.
type EndCall struct{}

// TurnUpdate carries the server's authoritative turn.
type TurnUpdate struct {
	Turn Turn
}

// Audio carries one base64-encoded chunk of synthesized speech PCM.
type Audio struct {
	Data string
}

func (Join) Type() Type       { return TypeJoin }
func (EndCall) Type() Type    { return TypeEndCall }
func (TurnUpdate) Type() Type { return TypeTurn }
func (Audio) Type() Type      { return TypeAudio }

// NewAudio encodes pcm into an Audio message.
func NewAudio(pcm []byte) Audio {
	return Audio{Data: EncodePayload(pcm)}
}

// PCM decodes the payload of an Audio message.
func (a Audio) PCM() ([]byte, error) {
	pcm, err := DecodePayload(a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: audio payload: %v", ErrProtocol, err)
	}
	return pcm, nil
}

// envelope is the flat JSON shape of every message on the wire.
type envelope struct {
	Type   Type    `json:"type"`
	UserID *string `json:"userId,omitempty"`
	Turn   *Turn   `json:"turn,omitempty"`
	Data   *string `json:"data,omitempty"`
}

// Encode serializes msg into a text frame.
func Encode(msg Message) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case Join:
		env = envelope{Type: TypeJoin, UserID: &m.UserID}
	case *Join:
		env = envelope{Type: TypeJoin, UserID: &m.UserID}
	case EndCall, *EndCall:
		env = envelope{Type: TypeEndCall}
	case TurnUpdate:
		env = envelope{Type: TypeTurn, Turn: &m.Turn}
	case *TurnUpdate:
		env = envelope{Type: TypeTurn, Turn: &m.Turn}
	case Audio:
		env = envelope{Type: TypeAudio, Data: &m.Data}
	case *Audio:
		env = envelope{Type: TypeAudio, Data: &m.Data}
	default:
		return nil, fmt.Errorf("cannot encode message %T", msg)
	}
	return json.Marshal(env)
}

// Decode parses a text frame. Errors wrap ErrProtocol; an unknown or missing
// tag yields ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch head.Type {
	case TypeJoin:
		var body struct {
			UserID *string `json:"userId"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: join: %v", ErrProtocol, err)
		}
		if body.UserID == nil {
			return nil, fmt.Errorf("%w: join without userId", ErrProtocol)
		}
		return Join{UserID: *body.UserID}, nil

	case TypeEndCall:
		return EndCall{}, nil

	case TypeTurn:
		var body struct {
			Turn *Turn `json:"turn"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: turn: %v", ErrProtocol, err)
		}
		if body.Turn == nil {
			return nil, fmt.Errorf("%w: turn without value", ErrProtocol)
		}
		return TurnUpdate{Turn: *body.Turn}, nil

	case TypeAudio:
		var body struct {
			Data *string `json:"data"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: audio: %v", ErrProtocol, err)
		}
		if body.Data == nil {
			return nil, fmt.Errorf("%w: audio without data", ErrProtocol)
		}
		return Audio{Data: *body.Data}, nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, head.Type)
	}
}
