// Package capture runs the outbound half of a call: a sequential loop that
// records one short chunk at a time, pulls the PCM out of the recorder's WAV
// container and writes it to the transport as a binary frame.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/realtime-ai/voicecall/pkg/audio"
	"github.com/realtime-ai/voicecall/pkg/device"
	"github.com/realtime-ai/voicecall/pkg/logging"
	"github.com/realtime-ai/voicecall/pkg/trace"
)

// DefaultInterval is the length of one captured chunk.
const DefaultInterval = 100 * time.Millisecond

// Config controls chunking.
type Config struct {
	// Interval is how long each recording is held open.
	Interval time.Duration

	// Format is the recorder's PCM format. It is used for the ring buffer
	// tap and for logging.
	Format audio.Format
}

// DefaultConfig returns 100ms chunks of 16 kHz mono 16-bit PCM.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Format:   audio.DefaultFormat,
	}
}

// Sink receives the captured PCM. connection.Connection satisfies it.
type Sink interface {
	SendBinary(data []byte) error
	IsOpen() bool
	Close() error
}

// ChunkDumper persists one chunk for debugging. *audio.Dumper satisfies it.
type ChunkDumper interface {
	DumpChunk(container, pcm []byte) (string, error)
}

// Stats counts loop iterations by outcome.
type Stats struct {
	ChunksSent    uint64
	ChunksDropped uint64
	MutedSkips    uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithMuted installs the mute check consulted at the top of each iteration.
func WithMuted(muted func() bool) Option {
	return func(l *Loop) { l.muted = muted }
}

// WithTap copies every sent chunk into rb.
func WithTap(rb *audio.RingBuffer) Option {
	return func(l *Loop) { l.tap = rb }
}

// WithDumper sets where ArmDebugCapture writes the next chunk.
func WithDumper(d ChunkDumper) Option {
	return func(l *Loop) { l.dumper = d }
}

// WithOnFatal registers a callback for the error that stopped the loop.
func WithOnFatal(fn func(error)) Option {
	return func(l *Loop) { l.onFatal = fn }
}

// WithMetrics overrides the process-wide metrics.
func WithMetrics(m *trace.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Loop) { l.log = log }
}

// Loop is the capture loop of one call. It is single-use: Run once, Stop
// any number of times.
type Loop struct {
	cfg      Config
	recorder device.Recorder
	sink     Sink

	muted   func() bool
	tap     *audio.RingBuffer
	dumper  ChunkDumper
	onFatal func(error)
	metrics *trace.Metrics
	log     *zap.SugaredLogger

	stopped    atomic.Bool
	debugArmed atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
	skipped atomic.Uint64
}

// errStopped ends an iteration early without being a failure.
var errStopped = errors.New("capture stopped")

// NewLoop creates a loop that records from recorder and writes to sink.
func NewLoop(cfg Config, recorder device.Recorder, sink Sink, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if !cfg.Format.Valid() {
		cfg.Format = audio.DefaultFormat
	}

	l := &Loop{
		cfg:      cfg,
		recorder: recorder,
		sink:     sink,
		muted:    func() bool { return false },
		onFatal:  func(error) {},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = trace.DefaultMetrics()
	}
	if l.log == nil {
		l.log = logging.Named("capture")
	}
	return l
}

// Run blocks until the loop is stopped, ctx is done, the sink closes or a
// fatal error occurs. It returns the fatal error, if any.
func (l *Loop) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })

	l.log.Infow("capture loop started",
		"interval", l.cfg.Interval, "sample_rate", l.cfg.Format.SampleRate)

	for {
		if l.stopped.Load() || ctx.Err() != nil || !l.sink.IsOpen() {
			l.log.Infow("capture loop stopped", "sent", l.sent.Load(), "dropped", l.dropped.Load())
			return nil
		}

		if l.muted() {
			l.skipped.Add(1)
			sleep(ctx, l.cfg.Interval)
			continue
		}

		err := l.captureChunk(ctx)
		if err == nil || errors.Is(err, errStopped) {
			continue
		}

		l.fail(err)
		return err
	}
}

// captureChunk runs one prepare, start, hold, stop, extract, send cycle.
func (l *Loop) captureChunk(ctx context.Context) error {
	rec, err := l.recorder.Prepare(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		return err
	}
	if err := rec.Start(); err != nil {
		return err
	}

	held := sleep(ctx, l.cfg.Interval)

	container, err := rec.Stop()
	if !held {
		return errStopped
	}
	if err != nil {
		return err
	}

	pcm, err := audio.ExtractPCM(container)
	if err != nil {
		if errors.Is(err, audio.ErrMalformedContainer) {
			l.drop("malformed container", err)
			return nil
		}
		return err
	}
	if len(pcm) == 0 {
		l.drop("empty chunk", nil)
		return nil
	}

	if l.debugArmed.CompareAndSwap(true, false) {
		go l.dump(container, pcm)
	}
	if l.stopped.Load() || !l.sink.IsOpen() {
		return errStopped
	}
	if err := l.sink.SendBinary(pcm); err != nil {
		if l.stopped.Load() {
			return errStopped
		}
		return err
	}

	if l.tap != nil {
		l.tap.PushPCM(pcm)
	}
	l.sent.Add(1)
	l.metrics.ChunksSent.Add(ctx, 1)
	return nil
}

func (l *Loop) drop(reason string, err error) {
	l.dropped.Add(1)
	l.metrics.ChunksDropped.Add(context.Background(), 1)
	if err != nil {
		l.log.Warnw("dropping chunk", "reason", reason, "err", err)
		return
	}
	l.log.Debugw("dropping chunk", "reason", reason)
}

func (l *Loop) dump(container, pcm []byte) {
	if l.dumper == nil {
		l.log.Warnw("debug capture armed without a dump directory")
		return
	}
	name, err := l.dumper.DumpChunk(container, pcm)
	if err != nil {
		l.log.Warnw("debug dump failed", "err", err)
		return
	}
	l.log.Infow("debug chunk written", "name", name, "pcm_bytes", len(pcm))
}

func (l *Loop) fail(err error) {
	l.stopped.Store(true)
	l.log.Errorw("capture failed, closing transport", "err", err)
	if cerr := l.sink.Close(); cerr != nil {
		l.log.Warnw("closing transport", "err", cerr)
	}
	l.onFatal(err)
}

// Stop asks the loop to exit at the top of its next iteration. A chunk
// already being recorded may still be sent.
func (l *Loop) Stop() {
	l.stopped.Store(true)
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// ArmDebugCapture dumps the next sent chunk through the configured dumper.
func (l *Loop) ArmDebugCapture() {
	l.debugArmed.Store(true)
}

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	return Stats{
		ChunksSent:    l.sent.Load(),
		ChunksDropped: l.dropped.Load(),
		MutedSkips:    l.skipped.Load(),
	}
}

// sleep waits for d and reports whether it elapsed before ctx was done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
