package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/realtime-ai/voicecall/pkg/audio"
	"github.com/realtime-ai/voicecall/pkg/logging"
)

const (
	periodSizeMs = 20 // device callback period
)

var (
	_ Recorder = (*MalgoBackend)(nil)
	_ Player   = (*MalgoBackend)(nil)
)

// MalgoBackend drives the default capture and playback devices through
// miniaudio. One capture device runs for the lifetime of the backend; each
// Recording collects the samples delivered between its Start and Stop. Each
// Sound gets its own playback device configured from the container header.
type MalgoBackend struct {
	format audio.Format
	log    *zap.SugaredLogger

	audioContext *malgo.AllocatedContext

	mu            sync.Mutex
	captureDevice *malgo.Device
	active        *malgoRecording
	closed        bool
}

// NewMalgoBackend initializes the miniaudio context. Capture uses format,
// which must be 16-bit.
func NewMalgoBackend(format audio.Format) (*MalgoBackend, error) {
	if format.BitDepth != 16 {
		return nil, &DeviceError{Op: "init", Err: fmt.Errorf("unsupported bit depth %d", format.BitDepth)}
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &DeviceError{Op: "init", Err: fmt.Errorf("failed to initialize context: %w", err)}
	}

	return &MalgoBackend{
		format:       format,
		log:          logging.Named("device"),
		audioContext: ctx,
	}, nil
}

// Prepare returns a fresh recording, starting the capture device on first use.
func (b *MalgoBackend) Prepare(ctx context.Context) (Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.captureDevice == nil {
		if err := b.startCaptureLocked(); err != nil {
			return nil, err
		}
	}
	return &malgoRecording{backend: b}, nil
}

func (b *MalgoBackend) startCaptureLocked() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.PeriodSizeInMilliseconds = periodSizeMs
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(b.format.Channels)
	deviceConfig.SampleRate = uint32(b.format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(b.audioContext.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: b.onCaptureData,
	})
	if err != nil {
		return &DeviceError{Op: "capture init", Err: err}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return &DeviceError{Op: "capture start", Err: err}
	}

	b.captureDevice = dev
	b.log.Infow("capture device started",
		"sample_rate", b.format.SampleRate, "channels", b.format.Channels)
	return nil
}

func (b *MalgoBackend) onCaptureData(_, inputSamples []byte, _ uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != nil {
		b.active.buf = append(b.active.buf, inputSamples...)
	}
}

// Load parses container and prepares a playback device for it.
func (b *MalgoBackend) Load(ctx context.Context, container []byte) (Sound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	format, pcm, err := audio.DecodeWAV(container)
	if err != nil {
		return nil, &DeviceError{Op: "load", Err: err}
	}
	if format.BitDepth != 16 || !format.Valid() {
		return nil, &DeviceError{Op: "load", Err: fmt.Errorf("unsupported format %+v", format)}
	}

	return &malgoSound{backend: b, format: format, pcm: pcm}, nil
}

// Close stops the capture device. A later Prepare starts it again.
func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	dev := b.captureDevice
	b.captureDevice = nil
	b.active = nil
	b.mu.Unlock()

	if dev != nil {
		dev.Stop()
		dev.Uninit()
		b.log.Infow("capture device stopped")
	}
	return nil
}

// Release stops the capture device and frees the audio context. The backend
// cannot be used afterwards.
func (b *MalgoBackend) Release() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.Close(); err != nil {
		return err
	}
	if b.audioContext != nil {
		_ = b.audioContext.Uninit()
		b.audioContext.Free()
		b.audioContext = nil
	}

	b.log.Infow("audio context released")
	return nil
}

type recordingState int

const (
	recordingPrepared recordingState = iota
	recordingStarted
	recordingStopped
)

type malgoRecording struct {
	backend *MalgoBackend
	state   recordingState
	buf     []byte // guarded by backend.mu
}

func (r *malgoRecording) Start() error {
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.state != recordingPrepared {
		return ErrRecordingSpent
	}
	if b.closed {
		return ErrClosed
	}
	r.state = recordingStarted
	r.buf = make([]byte, 0, b.format.ByteRate()/5)
	b.active = r
	return nil
}

func (r *malgoRecording) Stop() ([]byte, error) {
	b := r.backend
	b.mu.Lock()
	if r.state != recordingStarted {
		b.mu.Unlock()
		return nil, ErrRecordingSpent
	}
	r.state = recordingStopped
	if b.active == r {
		b.active = nil
	}
	pcm := r.buf
	r.buf = nil
	b.mu.Unlock()

	return audio.SynthesizeWAV(pcm, b.format), nil
}

type malgoSound struct {
	backend *MalgoBackend
	format  audio.Format
	pcm     []byte

	mu       sync.Mutex
	device   *malgo.Device
	offset   int
	drained  chan struct{}
	stop     chan struct{}
	unloaded bool
	doneOnce sync.Once
}

func (s *malgoSound) Play(onDone func(error)) error {
	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.drained != nil {
		s.mu.Unlock()
		return &DeviceError{Op: "play", Err: fmt.Errorf("sound already played")}
	}
	s.drained = make(chan struct{})
	s.stop = make(chan struct{})
	drained, stop := s.drained, s.stop
	s.mu.Unlock()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.PeriodSizeInMilliseconds = periodSizeMs
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(s.format.Channels)
	deviceConfig.SampleRate = uint32(s.format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	// The data callback takes s.mu, so the device is started unlocked.
	dev, err := malgo.InitDevice(s.backend.audioContext.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onPlaybackData,
	})
	if err != nil {
		return &DeviceError{Op: "playback init", Err: err}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return &DeviceError{Op: "playback start", Err: err}
	}

	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		dev.Stop()
		dev.Uninit()
		return ErrClosed
	}
	s.device = dev
	s.mu.Unlock()

	go func() {
		select {
		case <-drained:
			onDone(nil)
		case <-stop:
		}
	}()
	return nil
}

// onPlaybackData feeds the device one period at a time. Completion fires on
// the first period with nothing left to copy, so the period holding the last
// samples has already been consumed by the device.
func (s *malgoSound) onPlaybackData(outputSamples, _ []byte, _ uint32) {
	s.mu.Lock()
	n := copy(outputSamples, s.pcm[s.offset:])
	s.offset += n
	drained := n == 0 && s.offset >= len(s.pcm)
	s.mu.Unlock()

	clear(outputSamples[n:])

	if drained {
		s.doneOnce.Do(func() { close(s.drained) })
	}
}

func (s *malgoSound) Unload() error {
	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return nil
	}
	s.unloaded = true
	dev := s.device
	s.device = nil
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if dev != nil {
		dev.Stop()
		dev.Uninit()
	}
	return nil
}
