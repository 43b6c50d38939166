package progress

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxdub/voxdub/internal/models"
)

func TestRegistry_SubscribeBroadcast(t *testing.T) {
	r := NewRegistry(slog.Default())

	sink, unsubscribe := r.Subscribe("t1")
	defer unsubscribe()
	other, otherUnsub := r.Subscribe("t2")
	defer otherUnsub()

	r.Broadcast("t1", Event{Type: EventTypeProgress, TaskID: "t1", Progress: 5})

	event := <-sink.Events()
	assert.Equal(t, "t1", event.TaskID)
	assert.Equal(t, 5, event.Progress)

	select {
	case e := <-other.Events():
		t.Fatalf("subscriber of another task received %+v", e)
	default:
	}
}

func TestRegistry_OrderPreservedPerSubscriber(t *testing.T) {
	r := NewRegistry(slog.Default())

	sink, unsubscribe := r.Subscribe("t1")
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		r.Broadcast("t1", Event{Type: EventTypeProgress, TaskID: "t1", Progress: i * 10})
	}
	for i := 0; i < 10; i++ {
		event := <-sink.Events()
		assert.Equal(t, i*10, event.Progress)
	}
}

func TestRegistry_SlowConsumerDropped(t *testing.T) {
	r := NewRegistry(slog.Default())

	slow, _ := r.Subscribe("t1")
	fast, fastUnsub := r.Subscribe("t1")
	defer fastUnsub()

	// Fill the slow sink's queue without reading, then publish once more.
	for i := 0; i <= sinkQueueSize; i++ {
		done := make(chan struct{})
		go func() {
			r.Broadcast("t1", Event{Type: EventTypeProgress, TaskID: "t1", Progress: i})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("broadcast blocked on a slow subscriber")
		}
		<-fast.Events()
	}

	assert.Equal(t, 1, r.SubscriberCount("t1"))

	// Dropped sink's channel is closed after its queued events drain.
	drained := 0
	for range slow.Events() {
		drained++
	}
	assert.Equal(t, sinkQueueSize, drained)
}

func TestRegistry_UnsubscribeIdempotent(t *testing.T) {
	r := NewRegistry(slog.Default())

	sink, unsubscribe := r.Subscribe("t1")
	unsubscribe()
	unsubscribe()

	_, open := <-sink.Events()
	assert.False(t, open)
	assert.Equal(t, 0, r.SubscriberCount("t1"))

	// Broadcasting to a task with no subscribers is a no-op.
	r.Broadcast("t1", Event{Type: EventTypeProgress, TaskID: "t1"})
}

func TestRegistry_DropAll(t *testing.T) {
	r := NewRegistry(slog.Default())

	a, _ := r.Subscribe("t1")
	b, _ := r.Subscribe("t1")

	r.DropAll("t1")

	for _, sink := range []*Sink{a, b} {
		_, open := <-sink.Events()
		require.False(t, open)
	}
	assert.Equal(t, 0, r.SubscriberCount("t1"))
}

func TestEvent_StageFieldsOptional(t *testing.T) {
	// batch_state events carry no stage block.
	e := Event{Type: EventTypeBatchState, TaskID: "t1", Batch: map[string]any{"state": "idle"}}
	assert.Empty(t, e.Stage)
	assert.Empty(t, e.Status)

	p := Event{Type: EventTypeProgress, TaskID: "t1", Stage: models.StageStitch, Status: models.StageProcessing}
	assert.Equal(t, models.StageStitch, p.Stage)
}
