// Package events provides the in-process event bus: pattern subscriptions,
// a bounded replay ring for late subscribers, and a durable sink feeding the
// events table for REST catchup. The SSE bridge in pkg/api subscribes here.
//
// Delivery is at-least-once per subscriber; subscribers must be idempotent.
// Events from a single publisher reach each subscriber in publish order; no
// global order is promised across publishers.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/pkg/models"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber that
// falls further behind than this misses events and should catch up via
// Replay or the REST history endpoint.
const subscriberBuffer = 256

// Sink persists published events durably. Appends are best-effort: a sink
// failure is logged and never blocks delivery.
type Sink interface {
	Append(ctx context.Context, evt *models.Event) error
}

// Filter drops events for which it returns false.
type Filter func(*models.Event) bool

// Transform rewrites an event before delivery to one subscriber. Returning
// nil drops the event for that subscriber.
type Transform func(*models.Event) *models.Event

type subscription struct {
	id           string
	subscriberID string
	pattern      string
	filter       Filter
	transform    Transform
	ch           chan *models.Event
}

// Bus is the process-wide event bus. It is safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription

	ringMu   sync.Mutex
	ring     []*models.Event
	ringHead int
	ringLen  int

	sink   Sink
	closed bool
}

// New creates a bus with a replay ring of the given size. sink may be nil
// (no durable log).
func New(ringSize int, sink Sink) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		subs: make(map[string]*subscription),
		ring: make([]*models.Event, ringSize),
		sink: sink,
	}
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// WithFilter attaches a delivery filter.
func WithFilter(f Filter) SubscribeOption {
	return func(s *subscription) { s.filter = f }
}

// WithTransform attaches a per-subscriber transform.
func WithTransform(t Transform) SubscribeOption {
	return func(s *subscription) { s.transform = t }
}

// RoutingKey derives the dotted key subscriptions match against. Task-scoped
// events get the task id injected as the second segment, so a subscriber can
// follow one task with "task.<id>.**".
func RoutingKey(evt *models.Event) string {
	if evt.TaskID == "" {
		return evt.Type
	}
	suffix, ok := strings.CutPrefix(evt.Type, "task.")
	if !ok {
		return evt.Type
	}
	return "task." + evt.TaskID + "." + suffix
}

// Publish assigns the event an id and timestamp (when unset), appends it to
// the replay ring and the durable sink, and fans it out to every matching
// subscription. A subscriber whose buffer is full misses the event; that is
// logged and the subscriber is expected to catch up via Replay.
func (b *Bus) Publish(ctx context.Context, evt *models.Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.appendRing(evt)

	if b.sink != nil {
		if err := b.sink.Append(ctx, evt); err != nil {
			slog.Warn("Failed to persist event to durable log",
				"event_type", evt.Type, "task_id", evt.TaskID, "error", err)
		}
	}

	key := RoutingKey(evt)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !MatchPattern(sub.pattern, key) {
			continue
		}
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		out := evt
		if sub.transform != nil {
			out = sub.transform(evt)
			if out == nil {
				continue
			}
		}
		select {
		case sub.ch <- out:
		default:
			slog.Warn("Subscriber buffer full, dropping event",
				"subscriber_id", sub.subscriberID,
				"pattern", sub.pattern,
				"event_type", evt.Type)
		}
	}
}

// Subscribe registers a pattern subscription and returns its id plus the
// delivery channel. The channel is closed on Unsubscribe or bus Close.
func (b *Bus) Subscribe(subscriberID, pattern string, opts ...SubscribeOption) (string, <-chan *models.Event) {
	sub := &subscription{
		id:           uuid.New().String(),
		subscriberID: subscriberID,
		pattern:      pattern,
		ch:           make(chan *models.Event, subscriberBuffer),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.id, sub.ch
	}
	b.subs[sub.id] = sub
	return sub.id, sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Stream subscribes for the lifetime of ctx. The returned channel closes
// when ctx is done.
func (b *Bus) Stream(ctx context.Context, pattern string) <-chan *models.Event {
	id, ch := b.Subscribe("stream", pattern)
	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()
	return ch
}

// ReplayFilter selects events from the replay ring.
type ReplayFilter struct {
	TaskID  string
	Pattern string
	// Since excludes events at or before the given instant when non-zero.
	Since time.Time
}

func (f ReplayFilter) matches(evt *models.Event) bool {
	if f.TaskID != "" && evt.TaskID != f.TaskID {
		return false
	}
	if f.Pattern != "" && !MatchPattern(f.Pattern, RoutingKey(evt)) {
		return false
	}
	if !f.Since.IsZero() && !evt.Timestamp.After(f.Since) {
		return false
	}
	return true
}

// Replay returns up to limit of the most recent matching events, oldest
// first. limit <= 0 means no limit beyond the ring size.
func (b *Bus) Replay(filter ReplayFilter, limit int) []*models.Event {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	out := make([]*models.Event, 0, b.ringLen)
	start := b.ringHead - b.ringLen
	for i := 0; i < b.ringLen; i++ {
		idx := (start + i + len(b.ring)) % len(b.ring)
		evt := b.ring[idx]
		if evt != nil && filter.matches(evt) {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Close tears down all subscriptions. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) appendRing(evt *models.Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	b.ring[b.ringHead%len(b.ring)] = evt
	b.ringHead = (b.ringHead + 1) % len(b.ring)
	if b.ringLen < len(b.ring) {
		b.ringLen++
	}
}
