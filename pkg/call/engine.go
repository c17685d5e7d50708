// Package call orchestrates one live voice call: it dials the call server,
// streams microphone chunks over the transport, plays the agent's audio in
// order and tracks turn, mute and duration state.
//
// An Engine owns at most one session at a time and moves it through
// Idle -> Connecting -> Active -> Ending -> Idle.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/realtime-ai/voicecall/pkg/audio"
	"github.com/realtime-ai/voicecall/pkg/capture"
	"github.com/realtime-ai/voicecall/pkg/connection"
	"github.com/realtime-ai/voicecall/pkg/device"
	"github.com/realtime-ai/voicecall/pkg/logging"
	"github.com/realtime-ai/voicecall/pkg/playback"
	"github.com/realtime-ai/voicecall/pkg/signaling"
	"github.com/realtime-ai/voicecall/pkg/trace"
)

// Dependencies are the external capabilities the engine drives.
type Dependencies struct {
	Identity Identity
	Recorder device.Recorder
	Player   device.Player

	// Dialer opens the transport. Defaults to connection.Dial.
	Dialer connection.Dialer
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnChange registers a callback that receives a Snapshot after every
// observable change. Calls are serialized but may come from any goroutine.
// The callback may read the engine but must not change it.
func WithOnChange(fn func(Snapshot)) Option {
	return func(e *Engine) { e.onChange = fn }
}

// WithMetrics overrides the process-wide metrics.
func WithMetrics(m *trace.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine is the call session orchestrator. It is the only writer of call
// state; the capture loop and playback queue only read the mute flags.
type Engine struct {
	cfg      Config
	deps     Dependencies
	onChange func(Snapshot)
	metrics  *trace.Metrics
	log      *zap.SugaredLogger
	tick     time.Duration

	input *audio.RingBuffer

	notifyMu sync.Mutex

	userMuted  atomic.Bool
	agentMuted atomic.Bool

	mu       sync.Mutex
	state    State
	turn     signaling.Turn
	duration uint32
	sess     *session
}

// session holds the resources of one call, from StartCall to teardown.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	span   oteltrace.Span
	log    *zap.SugaredLogger
	queue  *playback.Queue
	done   chan struct{}

	// guarded by Engine.mu
	conn    connection.Connection
	loop    *capture.Loop
	ending  bool
	started time.Time
}

// NewEngine creates an idle engine.
func NewEngine(cfg Config, deps Dependencies, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Identity == nil || deps.Recorder == nil || deps.Player == nil {
		return nil, errors.New("identity, recorder and player are required")
	}
	if deps.Dialer == nil {
		deps.Dialer = connection.Dial
	}

	window := cfg.InputWindow
	if window <= 0 {
		window = 2 * time.Second
	}

	e := &Engine{
		cfg:   cfg,
		deps:  deps,
		tick:  time.Second,
		input: audio.NewRingBufferForDuration(cfg.Format.SampleRate*cfg.Format.Channels, int(window/time.Millisecond)),
		turn:  signaling.TurnAgent,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = trace.DefaultMetrics()
	}
	if e.log == nil {
		e.log = logging.Named("call")
	}
	return e, nil
}

// StartCall dials the call server and, once connected, sends the join
// message and starts capture. It returns ErrCallInProgress unless idle.
func (e *Engine) StartCall(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrCallInProgress
	}

	s := e.newSession(ctx)
	e.sess = s
	e.state = StateConnecting
	e.turn = signaling.TurnAgent
	e.duration = 0
	e.mu.Unlock()

	e.userMuted.Store(false)
	e.agentMuted.Store(false)
	e.input.Clear()
	e.metrics.ActiveCalls.Add(s.ctx, 1)
	s.log.Infow("starting call", "url", e.cfg.URL)
	e.notify()

	dialCtx, cancelDial := context.WithCancel(s.ctx)
	defer cancelDial()
	stopAfter := context.AfterFunc(ctx, cancelDial)
	defer stopAfter()

	wsCfg := connection.DefaultWebSocketConfig()
	wsCfg.HandshakeTimeout = e.cfg.HandshakeTimeout
	wsCfg.WriteWait = e.cfg.WriteWait
	wsCfg.Metrics = e.metrics

	conn, err := e.deps.Dialer(dialCtx, e.cfg.URL, &sessionHandler{engine: e, sess: s}, wsCfg)
	if err != nil {
		trace.RecordError(s.span, err)
		e.endSession(s, "dial failed")
		return err
	}

	e.mu.Lock()
	if e.sess != s || s.ending {
		e.mu.Unlock()
		conn.Close()
		return ErrCallEnded
	}
	s.conn = conn
	s.started = time.Now()
	e.state = StateActive
	e.mu.Unlock()

	s.log.Infow("connected", "conn_id", conn.ID())
	e.notify()

	if err := conn.SendMessage(signaling.Join{UserID: e.deps.Identity.UserID()}); err != nil {
		s.log.Errorw("join failed", "err", err)
		trace.RecordError(s.span, err)
		e.endSession(s, "join failed")
		return err
	}

	loop := e.newLoop(s, conn)

	e.mu.Lock()
	if e.sess != s || s.ending {
		e.mu.Unlock()
		return ErrCallEnded
	}
	s.loop = loop
	go func() {
		if err := loop.Run(s.ctx); err != nil {
			trace.RecordError(s.span, err)
		}
	}()
	go e.countDuration(s)
	e.mu.Unlock()

	return nil
}

func (e *Engine) newSession(ctx context.Context) *session {
	id := uuid.NewString()
	userID := e.deps.Identity.UserID()

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx, span := trace.InstrumentCall(base, id, userID)

	return &session{
		id:     id,
		ctx:    sctx,
		cancel: cancel,
		span:   span,
		log:    e.log.With("session_id", id, "trace_id", trace.TraceID(sctx)),
		queue: playback.NewQueue(e.deps.Player,
			playback.WithGate(func() bool { return !e.agentMuted.Load() }),
			playback.WithMetrics(e.metrics),
		),
		done: make(chan struct{}),
	}
}

func (e *Engine) newLoop(s *session, conn connection.Connection) *capture.Loop {
	opts := []capture.Option{
		capture.WithMuted(e.userMuted.Load),
		capture.WithTap(e.input),
		capture.WithMetrics(e.metrics),
		capture.WithLogger(s.log.Named("capture")),
		capture.WithOnFatal(func(err error) {
			// The loop goroutine is still running; teardown waits for it.
			go e.endSession(s, fmt.Sprintf("capture failed: %v", err))
		}),
	}
	if e.cfg.DumpDir != "" {
		dumper, err := audio.NewDumper(e.cfg.DumpDir, "capture-"+s.id[:8])
		if err != nil {
			s.log.Warnw("debug capture disabled", "err", err)
		} else {
			opts = append(opts, capture.WithDumper(dumper))
		}
	}

	cfg := capture.Config{Interval: e.cfg.ChunkInterval, Format: e.cfg.Format}
	return capture.NewLoop(cfg, e.deps.Recorder, conn, opts...)
}

func (e *Engine) countDuration(s *session) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.sess != s || e.state != StateActive {
				e.mu.Unlock()
				return
			}
			e.duration++
			e.mu.Unlock()
			e.notify()
		}
	}
}

// EndCall tears the current call down and blocks until the engine is idle.
// It is a no-op when idle or already ending.
func (e *Engine) EndCall(reason string) {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()

	if s != nil {
		e.endSession(s, reason)
	}
}

// endSession runs teardown for s once: stop capture, release the
// microphone, say goodbye and close the transport, clear playback, reset.
// Concurrent callers wait for the first one to finish.
func (e *Engine) endSession(s *session, reason string) {
	e.mu.Lock()
	if e.sess != s {
		e.mu.Unlock()
		return
	}
	if s.ending {
		e.mu.Unlock()
		<-s.done
		return
	}
	s.ending = true
	e.state = StateEnding
	loop, conn := s.loop, s.conn
	duration := e.duration
	e.mu.Unlock()

	s.log.Infow("ending call", "reason", reason, "duration_s", duration)
	e.notify()

	_, span := trace.InstrumentCallTeardown(s.ctx, reason)

	if loop != nil {
		loop.Stop()
		<-loop.Done()
	}

	if err := e.deps.Recorder.Close(); err != nil {
		s.log.Warnw("closing recorder", "err", err)
	}

	if conn != nil {
		if conn.IsOpen() {
			if err := conn.SendMessage(signaling.EndCall{}); err != nil {
				s.log.Debugw("end_call not sent", "err", err)
			}
		}
		conn.Close()
	}

	s.queue.Clear()
	s.cancel()
	span.End()

	e.mu.Lock()
	e.duration = 0
	e.turn = signaling.TurnAgent
	e.state = StateIdle
	e.sess = nil
	e.mu.Unlock()

	e.metrics.ActiveCalls.Add(context.Background(), -1)
	s.span.SetAttributes(
		attribute.String(trace.AttrReason, reason),
		attribute.Int(trace.AttrDuration, int(duration)),
	)
	s.span.End()
	close(s.done)

	s.log.Infow("call ended", "reason", reason)
	e.notify()
}

// ToggleUserMute flips the microphone mute and returns the new value.
func (e *Engine) ToggleUserMute() bool {
	muted := toggle(&e.userMuted)
	e.log.Infow("user mute toggled", "muted", muted)
	e.notify()
	return muted
}

// ToggleAgentMute flips the agent audio mute and returns the new value.
// Unmuting resumes any audio that queued up while muted.
func (e *Engine) ToggleAgentMute() bool {
	muted := toggle(&e.agentMuted)
	e.log.Infow("agent mute toggled", "muted", muted)

	if !muted {
		e.mu.Lock()
		s := e.sess
		e.mu.Unlock()
		if s != nil {
			s.queue.Kick()
		}
	}

	e.notify()
	return muted
}

// toggle flips b and returns the value it set.
func toggle(b *atomic.Bool) bool {
	for {
		old := b.Load()
		if b.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// ArmDebugCapture dumps the next sent chunk to Config.DumpDir.
func (e *Engine) ArmDebugCapture() error {
	if e.cfg.DumpDir == "" {
		return errors.New("debug capture needs a dump directory")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.loop == nil || e.sess.ending {
		return ErrNoActiveCall
	}
	e.sess.loop.ArmDebugCapture()
	return nil
}

// Snapshot returns the current call state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		State:           e.state,
		Turn:            e.turn,
		DurationSeconds: e.duration,
	}
	s := e.sess
	e.mu.Unlock()

	snap.UserMuted = e.userMuted.Load()
	snap.AgentMuted = e.agentMuted.Load()
	if s != nil {
		snap.SessionID = s.id
		snap.QueueDepth = s.queue.Len()
		snap.Playing = s.queue.Playing()
	}
	return snap
}

// RecentInput returns the last n microphone samples that were sent,
// zero-padded at the front when fewer are available.
func (e *Engine) RecentInput(n int) []int16 {
	return e.input.LastN(n)
}

// Done returns a channel closed when the current call ends. It is already
// closed when idle.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()

	if s == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.done
}

// Wait blocks until the current call ends.
func (e *Engine) Wait() {
	<-e.Done()
}

func (e *Engine) notify() {
	if e.onChange == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.onChange(e.Snapshot())
}

func (e *Engine) handleMessage(s *session, msg signaling.Message) {
	e.mu.Lock()
	live := e.sess == s && !s.ending
	e.mu.Unlock()
	if !live {
		return
	}

	switch m := msg.(type) {
	case signaling.TurnUpdate:
		e.mu.Lock()
		e.turn = m.Turn
		e.mu.Unlock()
		s.log.Debugw("turn", "turn", m.Turn)
		trace.AddEvent(s.span, "turn", attribute.String(trace.AttrTurn, m.Turn.String()))
		e.notify()

	case signaling.Audio:
		pcm, err := m.PCM()
		if err != nil {
			s.log.Warnw("dropping audio message", "err", err)
			e.metrics.ProtocolErrors.Add(s.ctx, 1)
			return
		}
		if len(pcm) == 0 {
			s.log.Debugw("ignoring empty audio message")
			return
		}
		f := e.cfg.Format
		_, span := trace.InstrumentAudioProcessing(s.ctx, "synthesize", len(pcm), len(pcm)+audio.WAVHeaderSize)
		item := s.queue.Enqueue(audio.SynthesizeWAV(pcm, f))
		span.SetAttributes(trace.AudioAttrs(f.SampleRate, f.Channels, f.BitDepth, len(pcm))...)
		span.SetAttributes(
			attribute.String(trace.AttrPlaybackItemID, item.ID),
			attribute.Int(trace.AttrQueueDepth, s.queue.Len()),
		)
		span.End()
		s.log.Debugw("agent audio queued", "item_id", item.ID, "pcm_bytes", len(pcm))
		if !e.agentMuted.Load() {
			s.queue.Kick()
		}
		e.notify()

	default:
		s.log.Debugw("ignoring message", "type", msg.Type())
	}
}

// sessionHandler routes transport events to the session they belong to, so
// late events from a previous call are ignored.
type sessionHandler struct {
	engine *Engine
	sess   *session
}

func (h *sessionHandler) OnConnectionStateChange(state connection.ConnectionState) {
	h.sess.log.Debugw("transport state", "state", state)
	if state == connection.ConnectionStateClosed {
		// Close may be running on this goroutine; teardown closes the
		// transport again, so it must not run inline.
		go h.engine.endSession(h.sess, "transport closed")
	}
}

func (h *sessionHandler) OnMessage(msg signaling.Message) {
	h.engine.handleMessage(h.sess, msg)
}

func (h *sessionHandler) OnError(err error) {
	h.sess.log.Warnw("transport error", "err", err)
	trace.RecordError(h.sess.span, err)
}
