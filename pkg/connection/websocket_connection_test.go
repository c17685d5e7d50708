package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/realtime-ai/voicecall/pkg/signaling"
	"github.com/realtime-ai/voicecall/pkg/trace"
)

type frame struct {
	messageType int
	data        []byte
}

// testServer accepts one WebSocket, records every frame it receives and
// lets the test push frames back.
type testServer struct {
	*httptest.Server
	received chan frame
	conns    chan *websocket.Conn
	headers  chan http.Header
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		received: make(chan frame, 100),
		conns:    make(chan *websocket.Conn, 1),
		headers:  make(chan http.Header, 1),
	}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.headers <- r.Header.Clone()
		ts.conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				close(ts.received)
				return
			}
			ts.received <- frame{mt, data}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) next(t *testing.T) frame {
	t.Helper()
	select {
	case f, ok := <-ts.received:
		require.True(t, ok, "server connection closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return frame{}
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	states   []ConnectionState
	messages []signaling.Message
	errs     []error
	msgCh    chan signaling.Message
	closedCh chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		msgCh:    make(chan signaling.Message, 10),
		closedCh: make(chan struct{}),
	}
}

func (h *recordingHandler) OnConnectionStateChange(state ConnectionState) {
	h.mu.Lock()
	h.states = append(h.states, state)
	h.mu.Unlock()
	if state == ConnectionStateClosed {
		close(h.closedCh)
	}
}

func (h *recordingHandler) OnMessage(msg signaling.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	h.msgCh <- msg
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshotStates() []ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ConnectionState(nil), h.states...)
}

func TestDial_SendFrames(t *testing.T) {
	ts := newTestServer(t)
	h := newRecordingHandler()

	conn, err := Dial(context.Background(), ts.wsURL(), h, DefaultWebSocketConfig())
	require.NoError(t, err)
	defer conn.Close()

	assert.NotEmpty(t, conn.ID())
	assert.True(t, conn.IsOpen())
	assert.Equal(t, []ConnectionState{ConnectionStateConnecting, ConnectionStateConnected}, h.snapshotStates())

	require.NoError(t, conn.SendMessage(signaling.Join{UserID: "u1"}))
	require.NoError(t, conn.SendBinary([]byte{1, 2, 3, 4}))

	f := ts.next(t)
	assert.Equal(t, websocket.TextMessage, f.messageType)
	assert.JSONEq(t, `{"type":"join","userId":"u1"}`, string(f.data))

	f = ts.next(t)
	assert.Equal(t, websocket.BinaryMessage, f.messageType)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.data)
}

func TestDial_InboundMessages(t *testing.T) {
	ts := newTestServer(t)
	h := newRecordingHandler()

	reader := sdkmetric.NewManualReader()
	cfg := DefaultWebSocketConfig()
	cfg.Metrics = trace.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	conn, err := Dial(context.Background(), ts.wsURL(), h, cfg)
	require.NoError(t, err)
	defer conn.Close()

	server := <-ts.conns
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown"}`)))
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte{9, 9}))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"turn","turn":"user"}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","data":"AAA="}`)))

	var got []signaling.Message
	for i := 0; i < 2; i++ {
		select {
		case msg := <-h.msgCh:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	}

	// Malformed and unknown frames are dropped without closing the connection.
	assert.Equal(t, []signaling.Message{
		signaling.TurnUpdate{Turn: signaling.TurnUser},
		signaling.Audio{Data: "AAA="},
	}, got)
	assert.True(t, conn.IsOpen())
	assert.Equal(t, int64(2), counterSum(t, reader, "voicecall.signaling.protocol_errors"))
}

func counterSum(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestDial_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "call.session")
	defer span.End()

	ts := newTestServer(t)
	conn, err := Dial(ctx, ts.wsURL(), nil, DefaultWebSocketConfig())
	require.NoError(t, err)
	defer conn.Close()

	header := <-ts.headers
	assert.Contains(t, header.Get("Traceparent"), span.SpanContext().TraceID().String())
}

func TestDial_PeerCloseNotifies(t *testing.T) {
	ts := newTestServer(t)
	h := newRecordingHandler()

	conn, err := Dial(context.Background(), ts.wsURL(), h, DefaultWebSocketConfig())
	require.NoError(t, err)

	server := <-ts.conns
	server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	server.Close()

	select {
	case <-h.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not told about the close")
	}

	assert.False(t, conn.IsOpen())
	assert.ErrorIs(t, conn.SendBinary([]byte{1}), ErrClosed)
	assert.ErrorIs(t, conn.SendMessage(signaling.EndCall{}), ErrTransport)
}

func TestClose_Idempotent(t *testing.T) {
	ts := newTestServer(t)
	h := newRecordingHandler()

	conn, err := Dial(context.Background(), ts.wsURL(), h, DefaultWebSocketConfig())
	require.NoError(t, err)

	require.NoError(t, conn.SendMessage(signaling.EndCall{}))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	f := ts.next(t)
	assert.JSONEq(t, `{"type":"end_call"}`, string(f.data))

	closed := 0
	for _, s := range h.snapshotStates() {
		if s == ConnectionStateClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestDial_Failure(t *testing.T) {
	h := newRecordingHandler()

	_, err := Dial(context.Background(), "ws://127.0.0.1:1/nothing", h, WebSocketConfig{HandshakeTimeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, []ConnectionState{ConnectionStateConnecting, ConnectionStateClosed}, h.snapshotStates())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "new", ConnectionStateNew.String())
	assert.Equal(t, "connecting", ConnectionStateConnecting.String())
	assert.Equal(t, "connected", ConnectionStateConnected.String())
	assert.Equal(t, "closed", ConnectionStateClosed.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
