// Package progress turns stage progress into durable task-store updates and
// pushes JSON events to per-task subscribers. The durable write always
// happens before any broadcast, so a client that reads the store right after
// receiving an event never observes older state.
package progress

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/voxdub/voxdub/internal/models"
)

// Event types pushed over the task channel.
const (
	EventTypeProgress   = "progress_update"
	EventTypeBatchState = "batch_state"
)

// Event is the JSON payload delivered to subscribers.
type Event struct {
	Type     string             `json:"type"`
	TaskID   string             `json:"task_id"`
	Language string             `json:"language,omitempty"`
	Stage    models.Stage       `json:"stage,omitempty"`
	Status   models.StageStatus `json:"status,omitempty"`
	Progress int                `json:"progress"`
	Message  string             `json:"message,omitempty"`

	// Batch carries the scheduler snapshot for batch_state events.
	Batch any `json:"batch,omitempty"`
}

// sinkQueueSize bounds each subscriber's send queue. A subscriber that
// falls this far behind is dropped rather than allowed to stall publishes.
const sinkQueueSize = 64

// Sink is one subscriber's delivery channel. The channel is closed when the
// sink is unsubscribed or dropped.
type Sink struct {
	id     string
	taskID string
	events chan Event
}

// Events returns the receive side of the sink.
func (s *Sink) Events() <-chan Event {
	return s.events
}

// Registry tracks live push subscribers per task and fans events out to them.
type Registry struct {
	mu     sync.Mutex
	sinks  map[string]map[string]*Sink
	logger *slog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sinks:  make(map[string]map[string]*Sink),
		logger: logger.With(slog.String("component", "subscriber_registry")),
	}
}

// Subscribe registers a new sink for the task. The returned unsubscribe
// function is idempotent and safe to call after the sink was dropped.
func (r *Registry) Subscribe(taskID string) (*Sink, func()) {
	sink := &Sink{
		id:     ulid.Make().String(),
		taskID: taskID,
		events: make(chan Event, sinkQueueSize),
	}

	r.mu.Lock()
	byTask := r.sinks[taskID]
	if byTask == nil {
		byTask = make(map[string]*Sink)
		r.sinks[taskID] = byTask
	}
	byTask[sink.id] = sink
	r.mu.Unlock()

	r.logger.Debug("subscriber added",
		slog.String("task_id", taskID),
		slog.String("subscriber_id", sink.id),
	)

	return sink, func() { r.remove(sink) }
}

// Broadcast enqueues the event to every sink of the task without blocking.
// A sink whose queue is full is dropped and closed.
func (r *Registry) Broadcast(taskID string, event Event) {
	r.mu.Lock()
	var dropped []*Sink
	for _, sink := range r.sinks[taskID] {
		select {
		case sink.events <- event:
		default:
			dropped = append(dropped, sink)
		}
	}
	for _, sink := range dropped {
		r.removeLocked(sink)
	}
	r.mu.Unlock()

	for _, sink := range dropped {
		r.logger.Warn("dropping slow subscriber",
			slog.String("task_id", taskID),
			slog.String("subscriber_id", sink.id),
		)
	}
}

// DropAll disconnects every subscriber of the task. Used on task delete.
func (r *Registry) DropAll(taskID string) {
	r.mu.Lock()
	byTask := r.sinks[taskID]
	delete(r.sinks, taskID)
	for _, sink := range byTask {
		close(sink.events)
	}
	r.mu.Unlock()
}

// SubscriberCount reports the number of live sinks for the task.
func (r *Registry) SubscriberCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks[taskID])
}

func (r *Registry) remove(sink *Sink) {
	r.mu.Lock()
	r.removeLocked(sink)
	r.mu.Unlock()
}

// removeLocked deletes and closes a sink. Must hold r.mu. Idempotent: a
// sink already removed (dropped as slow, or via DropAll) is left alone so
// its channel is never closed twice.
func (r *Registry) removeLocked(sink *Sink) {
	byTask := r.sinks[sink.taskID]
	if _, ok := byTask[sink.id]; !ok {
		return
	}
	delete(byTask, sink.id)
	if len(byTask) == 0 {
		delete(r.sinks, sink.taskID)
	}
	close(sink.events)
}
