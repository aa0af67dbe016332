package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/models"
)

func collect(ch <-chan *models.Event, n int, timeout time.Duration) []*models.Event {
	out := make([]*models.Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New(100, nil)
	defer bus.Close()
	ctx := context.Background()

	_, ch := bus.Subscribe("test", "task.t1.**")

	bus.Publish(ctx, &models.Event{Type: "task.step.started", TaskID: "t1", Payload: map[string]any{"step_id": "s1"}})
	bus.Publish(ctx, &models.Event{Type: "task.step.started", TaskID: "t2"})
	bus.Publish(ctx, &models.Event{Type: "task.completed", TaskID: "t1"})

	got := collect(ch, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, "task.step.started", got[0].Type)
	assert.Equal(t, "task.completed", got[1].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBus_PublishOrderPerSubscriber(t *testing.T) {
	bus := New(100, nil)
	defer bus.Close()
	ctx := context.Background()

	_, ch := bus.Subscribe("test", "task.t1.**")
	for i := 0; i < 50; i++ {
		bus.Publish(ctx, &models.Event{
			Type:    "task.step.completed",
			TaskID:  "t1",
			Payload: map[string]any{"seq": i},
		})
	}

	got := collect(ch, 50, time.Second)
	require.Len(t, got, 50)
	for i, evt := range got {
		assert.Equal(t, i, evt.Payload["seq"])
	}
}

func TestBus_IndependentSubscriptions(t *testing.T) {
	bus := New(100, nil)
	defer bus.Close()
	ctx := context.Background()

	_, chAll := bus.Subscribe("all", "task.**")
	_, chFailed := bus.Subscribe("failures", "task.*.step.failed")

	bus.Publish(ctx, &models.Event{Type: "task.step.started", TaskID: "t1"})
	bus.Publish(ctx, &models.Event{Type: "task.step.failed", TaskID: "t1"})

	assert.Len(t, collect(chAll, 2, time.Second), 2)
	got := collect(chFailed, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "task.step.failed", got[0].Type)
}

func TestBus_Filter(t *testing.T) {
	bus := New(100, nil)
	defer bus.Close()
	ctx := context.Background()

	_, ch := bus.Subscribe("test", "task.**", WithFilter(func(evt *models.Event) bool {
		return evt.Type != "task.step.started"
	}))

	bus.Publish(ctx, &models.Event{Type: "task.step.started", TaskID: "t1"})
	bus.Publish(ctx, &models.Event{Type: "task.step.completed", TaskID: "t1"})

	got := collect(ch, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "task.step.completed", got[0].Type)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(100, nil)
	defer bus.Close()
	ctx := context.Background()

	id, ch := bus.Subscribe("test", "task.**")
	bus.Unsubscribe(id)

	bus.Publish(ctx, &models.Event{Type: "task.completed", TaskID: "t1"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestBus_Replay(t *testing.T) {
	bus := New(5, nil)
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		taskID := "t1"
		if i%2 == 0 {
			taskID = "t2"
		}
		bus.Publish(ctx, &models.Event{
			Type:    "task.step.completed",
			TaskID:  taskID,
			Payload: map[string]any{"seq": i},
		})
	}

	// Ring holds the 5 most recent events (seq 3..7).
	all := bus.Replay(ReplayFilter{}, 0)
	require.Len(t, all, 5)
	assert.Equal(t, 3, all[0].Payload["seq"])
	assert.Equal(t, 7, all[4].Payload["seq"])

	t1 := bus.Replay(ReplayFilter{TaskID: "t1"}, 0)
	for _, evt := range t1 {
		assert.Equal(t, "t1", evt.TaskID)
	}

	limited := bus.Replay(ReplayFilter{}, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, 6, limited[0].Payload["seq"])
	assert.Equal(t, 7, limited[1].Payload["seq"])
}

func TestBus_Stream(t *testing.T) {
	bus := New(100, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Stream(ctx, "task.t1.**")

	bus.Publish(context.Background(), &models.Event{Type: "task.completed", TaskID: "t1"})
	got := collect(ch, 1, time.Second)
	require.Len(t, got, 1)

	cancel()
	// After cancellation the channel eventually closes.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed after context cancellation")
		}
	}
}

type recordingSink struct {
	events []*models.Event
}

func (s *recordingSink) Append(_ context.Context, evt *models.Event) error {
	s.events = append(s.events, evt)
	return nil
}

func TestBus_SinkReceivesAllEvents(t *testing.T) {
	sink := &recordingSink{}
	bus := New(100, sink)
	defer bus.Close()
	ctx := context.Background()

	bus.Publish(ctx, &models.Event{Type: "task.step.started", TaskID: "t1"})
	bus.Publish(ctx, &models.Event{Type: "task.step.completed", TaskID: "t1"})

	require.Len(t, sink.events, 2)
}
