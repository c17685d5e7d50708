// Package device defines the microphone and speaker capabilities consumed by
// the call engine, plus a malgo-backed implementation and test mocks.
//
// A Recorder hands out single-use Recordings: Prepare, Start, Stop. Stop
// returns a complete WAV container. A Player loads a container into a Sound
// that plays once and reports completion through a callback.
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDevice marks microphone or speaker failures.
	ErrDevice = errors.New("device error")

	// ErrRecordingSpent is returned when a recording is started or stopped
	// more than once.
	ErrRecordingSpent = fmt.Errorf("%w: recording already used", ErrDevice)

	// ErrClosed is returned by a released backend or an unloaded sound.
	ErrClosed = fmt.Errorf("%w: device closed", ErrDevice)
)

// DeviceError wraps a failing device operation.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// Recorder is the microphone capability.
type Recorder interface {
	// Prepare acquires a fresh recording handle.
	Prepare(ctx context.Context) (Recording, error)

	// Close stops the microphone and releases it. A later Prepare may
	// reopen it.
	Close() error
}

// Recording is a single-use capture handle.
type Recording interface {
	// Start begins capturing.
	Start() error

	// Stop ends capturing and returns the recorded audio as a WAV container.
	Stop() ([]byte, error)
}

// Player is the speaker capability.
type Player interface {
	// Load prepares container for playback.
	Load(ctx context.Context, container []byte) (Sound, error)
}

// Sound is one loaded playback resource.
type Sound interface {
	// Play starts playback. onDone is called at most once, from any
	// goroutine, when playback finishes or fails. It may be skipped when
	// Unload cuts playback short.
	Play(onDone func(error)) error

	// Unload releases the resource. Safe to call more than once.
	Unload() error
}
