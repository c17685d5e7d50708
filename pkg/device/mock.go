package device

import (
	"context"
	"sync"
	"time"

	"github.com/realtime-ai/voicecall/pkg/audio"
)

var (
	_ Recorder = (*MockRecorder)(nil)
	_ Player   = (*MockPlayer)(nil)
)

// MockRecorder is a Recorder for tests. Each Stop returns the container built
// by ContainerFunc for that recording's index.
type MockRecorder struct {
	// ContainerFunc builds the container for the n-th recording (0-based).
	// If nil, each recording yields 100ms of silence in audio.DefaultFormat.
	ContainerFunc func(n int) ([]byte, error)

	// PrepareFunc, if set, can fail the n-th Prepare.
	PrepareFunc func(n int) error

	mu         sync.Mutex
	prepared   int
	stopped    int
	startTimes []time.Time
	closes     int
}

// NewMockRecorder creates a MockRecorder with default behavior.
func NewMockRecorder() *MockRecorder {
	return &MockRecorder{}
}

// Prepare implements Recorder.
func (m *MockRecorder) Prepare(ctx context.Context) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.prepared
	m.prepared++
	if m.PrepareFunc != nil {
		if err := m.PrepareFunc(n); err != nil {
			return nil, err
		}
	}
	return &mockRecording{recorder: m, index: n}, nil
}

// Close implements Recorder.
func (m *MockRecorder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// Prepared returns how many recordings were handed out.
func (m *MockRecorder) Prepared() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepared
}

// Stopped returns how many recordings completed.
func (m *MockRecorder) Stopped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// StartTimes returns when each recording was started.
func (m *MockRecorder) StartTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.startTimes...)
}

// Closes returns how many times Close was called.
func (m *MockRecorder) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type mockRecording struct {
	recorder *MockRecorder
	index    int
	state    recordingState
}

func (r *mockRecording) Start() error {
	r.recorder.mu.Lock()
	defer r.recorder.mu.Unlock()

	if r.state != recordingPrepared {
		return ErrRecordingSpent
	}
	r.state = recordingStarted
	r.recorder.startTimes = append(r.recorder.startTimes, time.Now())
	return nil
}

func (r *mockRecording) Stop() ([]byte, error) {
	r.recorder.mu.Lock()
	if r.state != recordingStarted {
		r.recorder.mu.Unlock()
		return nil, ErrRecordingSpent
	}
	r.state = recordingStopped
	r.recorder.stopped++
	fn := r.recorder.ContainerFunc
	r.recorder.mu.Unlock()

	if fn != nil {
		return fn(r.index)
	}
	pcm := make([]byte, audio.DefaultFormat.BytesForDuration(100*time.Millisecond))
	return audio.SynthesizeWAV(pcm, audio.DefaultFormat), nil
}

// MockPlayer is a Player for tests. Sounds only finish when the test calls
// Finish on them, unless AutoComplete is set.
type MockPlayer struct {
	// LoadFunc, if set, can reject a container.
	LoadFunc func(container []byte) error

	// PlayFunc, if set, can fail Play for a container.
	PlayFunc func(container []byte) error

	// AutoComplete finishes every sound successfully right after it starts.
	AutoComplete bool

	mu       sync.Mutex
	loaded   [][]byte
	played   [][]byte
	unloaded int
	started  chan *MockSound
}

// NewMockPlayer creates a MockPlayer with default behavior.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{started: make(chan *MockSound, 100)}
}

// Load implements Player.
func (m *MockPlayer) Load(ctx context.Context, container []byte) (Sound, error) {
	if m.LoadFunc != nil {
		if err := m.LoadFunc(container); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.loaded = append(m.loaded, container)
	m.mu.Unlock()

	return &MockSound{Container: container, player: m}, nil
}

// Loaded returns every container passed to Load, in order.
func (m *MockPlayer) Loaded() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.loaded...)
}

// Played returns every container whose Play succeeded, in order.
func (m *MockPlayer) Played() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.played...)
}

// Unloaded returns how many sounds were released.
func (m *MockPlayer) Unloaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloaded
}

// NextStarted waits for the next sound to start playing.
func (m *MockPlayer) NextStarted(timeout time.Duration) (*MockSound, bool) {
	select {
	case s := <-m.started:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// MockSound is the Sound returned by MockPlayer.
type MockSound struct {
	Container []byte

	player   *MockPlayer
	mu       sync.Mutex
	onDone   func(error)
	finished bool
	unloaded bool
}

// Play implements Sound.
func (s *MockSound) Play(onDone func(error)) error {
	p := s.player
	if p.PlayFunc != nil {
		if err := p.PlayFunc(s.Container); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return ErrClosed
	}
	s.onDone = onDone
	s.mu.Unlock()

	p.mu.Lock()
	p.played = append(p.played, s.Container)
	p.mu.Unlock()

	select {
	case p.started <- s:
	default:
	}

	if p.AutoComplete {
		go s.Finish(nil)
	}
	return nil
}

// Finish simulates the end of playback. Only the first call has an effect.
func (s *MockSound) Finish(err error) {
	s.mu.Lock()
	if s.finished || s.unloaded || s.onDone == nil {
		s.mu.Unlock()
		return
	}
	s.finished = true
	onDone := s.onDone
	s.mu.Unlock()

	onDone(err)
}

// Unload implements Sound.
func (s *MockSound) Unload() error {
	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return nil
	}
	s.unloaded = true
	s.mu.Unlock()

	s.player.mu.Lock()
	s.player.unloaded++
	s.player.mu.Unlock()
	return nil
}

// IsUnloaded reports whether the sound was released.
func (s *MockSound) IsUnloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unloaded
}
