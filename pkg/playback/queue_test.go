package playback

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/realtime-ai/voicecall/pkg/device"
	"github.com/realtime-ai/voicecall/pkg/trace"
)

var (
	itemA = []byte("A")
	itemB = []byte("B")
	itemC = []byte("C")
	itemD = []byte("D")
)

func newTestQueue(player device.Player, opts ...Option) *Queue {
	m := trace.NewMetrics(sdkmetric.NewMeterProvider())
	return NewQueue(player, append([]Option{WithMetrics(m)}, opts...)...)
}

func nextStarted(t *testing.T, p *device.MockPlayer) *device.MockSound {
	t.Helper()
	s, ok := p.NextStarted(time.Second)
	require.True(t, ok, "expected a sound to start")
	return s
}

func assertNothingStarted(t *testing.T, p *device.MockPlayer) {
	t.Helper()
	s, ok := p.NextStarted(20 * time.Millisecond)
	if ok {
		t.Fatalf("unexpected playback of %q", s.Container)
	}
}

func TestQueue_EnqueueDoesNotPlay(t *testing.T) {
	p := device.NewMockPlayer()
	q := newTestQueue(p)

	item := q.Enqueue(itemA)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, itemA, item.Container)
	assert.False(t, item.EnqueuedAt.IsZero())

	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Playing())
	assert.Empty(t, p.Loaded())
}

func TestQueue_PlaysInArrivalOrder(t *testing.T) {
	p := device.NewMockPlayer()
	q := newTestQueue(p)

	q.Enqueue(itemA)
	q.Enqueue(itemB)
	q.Kick()

	a := nextStarted(t, p)
	assert.Equal(t, itemA, a.Container)
	assert.True(t, q.Playing())

	cur, ok := q.Current()
	require.True(t, ok)
	assert.Equal(t, itemA, cur.Container)

	// C arrives while A is still playing.
	q.Enqueue(itemC)
	q.Kick()
	assertNothingStarted(t, p)

	a.Finish(nil)
	b := nextStarted(t, p)
	assert.Equal(t, itemB, b.Container)
	assert.True(t, a.IsUnloaded(), "A is released before B starts")

	b.Finish(nil)
	c := nextStarted(t, p)
	assert.Equal(t, itemC, c.Container)

	c.Finish(nil)
	assert.False(t, q.Playing())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, [][]byte{itemA, itemB, itemC}, p.Played())
	assert.Equal(t, 3, p.Unloaded())
	assert.Equal(t, Stats{Enqueued: 3, Played: 3}, q.Stats())
}

func TestQueue_AutoCompleteDrains(t *testing.T) {
	p := device.NewMockPlayer()
	p.AutoComplete = true
	q := newTestQueue(p)

	for _, c := range [][]byte{itemA, itemB, itemC, itemD} {
		q.Enqueue(c)
	}
	q.Kick()

	require.Eventually(t, func() bool { return q.Stats().Played == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{itemA, itemB, itemC, itemD}, p.Played())
	assert.False(t, q.Playing())
}

func TestQueue_GateHoldsItems(t *testing.T) {
	p := device.NewMockPlayer()
	var open atomic.Bool
	q := newTestQueue(p, WithGate(open.Load))

	q.Enqueue(itemA)
	q.Kick()
	assertNothingStarted(t, p)
	assert.Equal(t, 1, q.Len(), "closed gate keeps items queued")

	open.Store(true)
	q.Kick()
	a := nextStarted(t, p)
	assert.Equal(t, itemA, a.Container)
}

func TestQueue_GateConsultedOnAdvance(t *testing.T) {
	p := device.NewMockPlayer()
	var open atomic.Bool
	open.Store(true)
	q := newTestQueue(p, WithGate(open.Load))

	q.Enqueue(itemA)
	q.Enqueue(itemB)
	q.Kick()
	a := nextStarted(t, p)

	open.Store(false)
	a.Finish(nil)
	assertNothingStarted(t, p)
	assert.False(t, q.Playing())
	assert.Equal(t, 1, q.Len())

	open.Store(true)
	q.Kick()
	b := nextStarted(t, p)
	assert.Equal(t, itemB, b.Container)
}

func TestQueue_SkipsFailedItems(t *testing.T) {
	t.Run("load error", func(t *testing.T) {
		p := device.NewMockPlayer()
		p.LoadFunc = func(c []byte) error {
			if bytes.Equal(c, itemB) {
				return errors.New("bad container")
			}
			return nil
		}
		q := newTestQueue(p)

		q.Enqueue(itemA)
		q.Enqueue(itemB)
		q.Enqueue(itemC)
		q.Kick()

		nextStarted(t, p).Finish(nil)
		c := nextStarted(t, p)
		assert.Equal(t, itemC, c.Container)
		assert.Equal(t, uint64(1), q.Stats().Failed)
	})

	t.Run("play error", func(t *testing.T) {
		p := device.NewMockPlayer()
		p.PlayFunc = func(c []byte) error {
			if bytes.Equal(c, itemA) {
				return &device.DeviceError{Op: "playback start", Err: errors.New("busy")}
			}
			return nil
		}
		q := newTestQueue(p)

		q.Enqueue(itemA)
		q.Enqueue(itemB)
		q.Kick()

		b := nextStarted(t, p)
		assert.Equal(t, itemB, b.Container)
		assert.Equal(t, 2, len(p.Loaded()))
		assert.Equal(t, 1, p.Unloaded(), "the failed sound is released")
	})

	t.Run("completion error", func(t *testing.T) {
		p := device.NewMockPlayer()
		q := newTestQueue(p)

		q.Enqueue(itemA)
		q.Enqueue(itemB)
		q.Kick()

		nextStarted(t, p).Finish(errors.New("device lost"))
		b := nextStarted(t, p)
		assert.Equal(t, itemB, b.Container)

		b.Finish(nil)
		assert.Equal(t, Stats{Enqueued: 2, Played: 1, Failed: 1}, q.Stats())
	})

	t.Run("each item attempted once", func(t *testing.T) {
		p := device.NewMockPlayer()
		var loads atomic.Int32
		p.LoadFunc = func([]byte) error {
			loads.Add(1)
			return errors.New("nope")
		}
		q := newTestQueue(p)

		q.Enqueue(itemA)
		q.Enqueue(itemB)
		q.Kick()

		assert.Equal(t, int32(2), loads.Load())
		assert.Equal(t, 0, q.Len())
		assert.False(t, q.Playing())
	})
}

func TestQueue_Clear(t *testing.T) {
	p := device.NewMockPlayer()
	q := newTestQueue(p)

	q.Enqueue(itemA)
	q.Enqueue(itemB)
	q.Enqueue(itemC)
	q.Kick()
	a := nextStarted(t, p)

	q.Clear()
	assert.True(t, a.IsUnloaded())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Playing())
	_, ok := q.Current()
	assert.False(t, ok)

	// Completion of the interrupted sound is ignored.
	a.Finish(nil)
	assertNothingStarted(t, p)

	q.Enqueue(itemD)
	q.Kick()
	d := nextStarted(t, p)
	assert.Equal(t, itemD, d.Container)

	stats := q.Stats()
	assert.Equal(t, uint64(2), stats.Cleared)
	assert.Equal(t, uint64(0), stats.Played)
}

func TestQueue_ClearIdle(t *testing.T) {
	q := newTestQueue(device.NewMockPlayer())
	q.Clear()
	assert.Equal(t, Stats{}, q.Stats())
}
