// Package playback plays inbound agent audio strictly in arrival order, one
// item at a time.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realtime-ai/voicecall/pkg/device"
	"github.com/realtime-ai/voicecall/pkg/logging"
	"github.com/realtime-ai/voicecall/pkg/trace"
)

// Item is one playable WAV container.
type Item struct {
	ID         string
	Container  []byte
	EnqueuedAt time.Time
}

// Stats counts items by outcome.
type Stats struct {
	Enqueued uint64
	Played   uint64
	Failed   uint64
	Cleared  uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithGate installs a check consulted every time the queue is about to start
// the next item. A closed gate leaves items queued; they start on the next
// Kick after it opens.
func WithGate(gate func() bool) Option {
	return func(q *Queue) { q.gate = gate }
}

// WithMetrics overrides the process-wide metrics.
func WithMetrics(m *trace.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(q *Queue) { q.log = log }
}

// Queue is a FIFO of playback items. At most one item plays at a time and
// its sound is unloaded before the next one is loaded.
type Queue struct {
	player  device.Player
	gate    func() bool
	metrics *trace.Metrics
	log     *zap.SugaredLogger

	mu         sync.Mutex
	items      []Item
	current    *Item
	sound      device.Sound
	playing    bool
	generation uint64
	stats      Stats
}

// errCleared aborts a start that raced with Clear.
var errCleared = errors.New("queue cleared")

// NewQueue creates an empty queue playing through player.
func NewQueue(player device.Player, opts ...Option) *Queue {
	q := &Queue{
		player: player,
		gate:   func() bool { return true },
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = trace.DefaultMetrics()
	}
	if q.log == nil {
		q.log = logging.Named("playback")
	}
	return q
}

// Enqueue appends container to the tail. It never starts playback.
func (q *Queue) Enqueue(container []byte) Item {
	item := Item{
		ID:         uuid.NewString(),
		Container:  container,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.stats.Enqueued++
	depth := len(q.items)
	q.mu.Unlock()

	q.log.Debugw("enqueued", "item_id", item.ID, "bytes", len(container), "depth", depth)
	return item
}

// Kick starts the head item if nothing is playing and the gate is open.
func (q *Queue) Kick() {
	q.advance()
}

func (q *Queue) advance() {
	for {
		q.mu.Lock()
		if q.playing || len(q.items) == 0 || !q.gate() {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items[0] = Item{}
		q.items = q.items[1:]
		q.playing = true
		q.current = &item
		gen := q.generation
		q.mu.Unlock()

		err := q.start(item, gen)
		if err == nil || errors.Is(err, errCleared) {
			return
		}

		q.mu.Lock()
		stale := q.generation != gen
		if !stale {
			q.playing = false
			q.current = nil
			q.sound = nil
			q.stats.Failed++
		}
		q.mu.Unlock()
		if stale {
			return
		}

		q.metrics.PlaybackFailures.Add(context.Background(), 1)
		q.log.Warnw("skipping item", "item_id", item.ID, "err", err)
	}
}

func (q *Queue) start(item Item, gen uint64) error {
	sound, err := q.player.Load(context.Background(), item.Container)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.generation != gen {
		q.mu.Unlock()
		_ = sound.Unload()
		return errCleared
	}
	q.sound = sound
	q.mu.Unlock()

	err = sound.Play(func(err error) {
		q.onComplete(item, gen, sound, err)
	})
	if err != nil {
		_ = sound.Unload()
		return err
	}

	q.log.Debugw("playing", "item_id", item.ID, "waited", time.Since(item.EnqueuedAt))
	return nil
}

func (q *Queue) onComplete(item Item, gen uint64, sound device.Sound, err error) {
	if uerr := sound.Unload(); uerr != nil {
		q.log.Warnw("unload failed", "item_id", item.ID, "err", uerr)
	}

	q.mu.Lock()
	if q.generation != gen || q.sound != sound {
		q.mu.Unlock()
		return
	}
	q.sound = nil
	q.current = nil
	q.playing = false
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Played++
	}
	q.mu.Unlock()

	if err != nil {
		q.metrics.PlaybackFailures.Add(context.Background(), 1)
		q.log.Warnw("playback failed, skipping", "item_id", item.ID, "err", err)
	} else {
		q.metrics.PlaybackItems.Add(context.Background(), 1)
	}

	q.advance()
}

// Clear drops every pending item and unloads the one playing. Completion of
// the interrupted item is ignored.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	q.generation++
	sound := q.sound
	q.sound = nil
	q.current = nil
	q.playing = false
	q.stats.Cleared += uint64(dropped)
	q.mu.Unlock()

	if sound != nil {
		if err := sound.Unload(); err != nil {
			q.log.Warnw("unload failed", "err", err)
		}
	}
	if dropped > 0 || sound != nil {
		q.log.Infow("queue cleared", "dropped", dropped, "interrupted", sound != nil)
	}
}

// Len returns the number of items waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Playing reports whether an item is currently playing.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Current returns the item being played.
func (q *Queue) Current() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Item{}, false
	}
	return *q.current, true
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
