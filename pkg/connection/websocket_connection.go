package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/realtime-ai/voicecall/pkg/logging"
	"github.com/realtime-ai/voicecall/pkg/signaling"
	"github.com/realtime-ai/voicecall/pkg/trace"
	"go.uber.org/zap"
)

const (
	DefaultWSHandshakeTimeout = 15 * time.Second
	DefaultWSWriteWait        = 10 * time.Second
	DefaultWSPongWait         = 60 * time.Second
	DefaultWSPingPeriod       = 54 * time.Second // Must be less than pongWait
	closeGracePeriod          = 2 * time.Second
)

// WebSocketConfig holds configuration for the WebSocket transport.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	Header           http.Header

	// Metrics counts protocol errors. Defaults to trace.DefaultMetrics.
	Metrics *trace.Metrics
}

// DefaultWebSocketConfig returns the default WebSocket configuration.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: DefaultWSHandshakeTimeout,
		WriteWait:        DefaultWSWriteWait,
		PongWait:         DefaultWSPongWait,
		PingPeriod:       DefaultWSPingPeriod,
	}
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	d := DefaultWebSocketConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.Metrics == nil {
		c.Metrics = trace.DefaultMetrics()
	}
	return c
}

// Dialer opens a connection to url and wires handler to it. It matches Dial
// so tests and alternative transports can be substituted.
type Dialer func(ctx context.Context, url string, handler ConnectionEventHandler, cfg WebSocketConfig) (Connection, error)

type websocketConnection struct {
	id      string
	url     string
	conn    *websocket.Conn
	handler ConnectionEventHandler
	log     *zap.SugaredLogger

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	metrics    *trace.Metrics

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

var _ Connection = (*websocketConnection)(nil)

// Dial opens a WebSocket to url. On success the handler is notified of
// ConnectionStateConnected before Dial returns, and inbound frames start
// flowing to it from a background reader.
func Dial(ctx context.Context, url string, handler ConnectionEventHandler, cfg WebSocketConfig) (Connection, error) {
	cfg = cfg.withDefaults()
	if handler == nil {
		handler = &NoOpConnectionEventHandler{}
	}

	id := uuid.NewString()
	log := logging.Named("connection").With("conn_id", id, "url", url)

	ctx, span := trace.InstrumentConnectionCreated(ctx, id, "websocket")
	defer span.End()

	handler.OnConnectionStateChange(ConnectionStateConnecting)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	trace.InjectHeaders(ctx, header)

	conn, resp, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		terr := &TransportError{Op: "dial", Err: err}
		trace.RecordError(span, terr)
		log.Warnw("dial failed", "err", err)
		handler.OnConnectionStateChange(ConnectionStateClosed)
		return nil, terr
	}

	return newWebSocketConnection(id, url, conn, handler, cfg, log), nil
}

func newWebSocketConnection(id, url string, conn *websocket.Conn, handler ConnectionEventHandler, cfg WebSocketConfig, log *zap.SugaredLogger) *websocketConnection {
	ctx, cancel := context.WithCancel(context.Background())

	ws := &websocketConnection{
		id:         id,
		url:        url,
		conn:       conn,
		handler:    handler,
		log:        log,
		writeWait:  cfg.WriteWait,
		pongWait:   cfg.PongWait,
		pingPeriod: cfg.PingPeriod,
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
	}

	ws.start()

	return ws
}

func (w *websocketConnection) ID() string {
	return w.id
}

func (w *websocketConnection) IsOpen() bool {
	return !w.closed.Load()
}

func (w *websocketConnection) start() {
	w.log.Infow("connected")
	w.handler.OnConnectionStateChange(ConnectionStateConnected)

	// Set up pong handler
	w.conn.SetReadDeadline(time.Now().Add(w.pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(w.pongWait))
		return nil
	})

	w.wg.Add(1)
	go w.readPump()

	w.wg.Add(1)
	go w.pingPump()
}

func (w *websocketConnection) readPump() {
	defer w.wg.Done()
	defer w.Close()

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.log.Warnw("read error", "err", err)
				w.handler.OnError(&TransportError{Op: "read", Err: err})
			} else {
				w.log.Infow("peer closed connection", "reason", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			w.handleText(data)
		case websocket.BinaryMessage:
			w.log.Debugw("ignoring inbound binary frame", "size", len(data))
		}
	}
}

func (w *websocketConnection) handleText(data []byte) {
	msg, err := signaling.Decode(data)
	if err != nil {
		if errors.Is(err, signaling.ErrUnknownType) {
			w.log.Debugw("ignoring message", "err", err)
		} else {
			w.log.Warnw("malformed message", "err", err)
		}
		w.metrics.ProtocolErrors.Add(w.ctx, 1)
		return
	}
	w.handler.OnMessage(msg)
}

func (w *websocketConnection) pingPump() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeWait)); err != nil {
				if !w.closed.Load() {
					w.log.Warnw("ping error", "err", err)
				}
				return
			}
		}
	}
}

func (w *websocketConnection) write(messageType int, data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(w.writeWait))
	if err := w.conn.WriteMessage(messageType, data); err != nil {
		if w.closed.Load() {
			return ErrClosed
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (w *websocketConnection) SendBinary(data []byte) error {
	return w.write(websocket.BinaryMessage, data)
}

func (w *websocketConnection) SendMessage(msg signaling.Message) error {
	frame, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	if err := w.write(websocket.TextMessage, frame); err != nil {
		return err
	}
	w.log.Debugw("sent message", "type", msg.Type())
	return nil
}

func (w *websocketConnection) Close() error {
	w.once.Do(func() {
		w.closed.Store(true)
		w.cancel()

		_, span := trace.InstrumentConnectionClosed(context.Background(), w.id, "websocket")
		defer span.End()

		// Waits for any in-flight write so the close frame follows it.
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		w.writeMu.Unlock()
		w.conn.Close()

		w.log.Infow("connection closed")
		w.handler.OnConnectionStateChange(ConnectionStateClosed)
	})
	return nil
}
