package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/runlock"
	"github.com/voxdub/voxdub/internal/service/progress"
)

// Trigger conflicts.
var (
	// ErrDuplicateTrigger is returned when the same (task, language, stage)
	// is already queued or running.
	ErrDuplicateTrigger = errors.New("stage is already queued or running")
	// ErrQueueFull is returned when too many triggers are pending.
	ErrQueueFull = errors.New("too many pending stage triggers")
)

// triggerQueueSize bounds pending direct triggers. The queue exists to
// serialize back-to-back triggers, not to be a job system.
const triggerQueueSize = 32

type runKey struct {
	taskID   string
	language string
	stage    models.Stage
}

type runRequest struct {
	key    runKey
	taskID models.ULID
}

// StageRunner executes one (task, language, stage) synchronously.
type StageRunner interface {
	Run(ctx context.Context, taskID models.ULID, language string, stage models.Stage) error
}

// Dispatcher serializes direct stage triggers: back-to-back triggers for
// different stages run one after another instead of bouncing off the busy
// run lock, while a duplicate of a queued or running stage is rejected.
type Dispatcher struct {
	runner StageRunner
	bus    *progress.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[runKey]struct{}
	queue   chan runRequest
	done    chan struct{}
}

// NewDispatcher creates and starts a Dispatcher. The bus records a failure
// when a dequeued trigger loses the run slot to a batch; it may be nil.
func NewDispatcher(runner StageRunner, bus *progress.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		runner:  runner,
		bus:     bus,
		logger:  logger.With(slog.String("component", "trigger_dispatcher")),
		pending: make(map[runKey]struct{}),
		queue:   make(chan runRequest, triggerQueueSize),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Trigger enqueues one stage run. It returns before the stage executes;
// outcomes are observed via the push channel and status endpoints.
func (d *Dispatcher) Trigger(taskID models.ULID, language string, stage models.Stage) error {
	if stage.TaskGlobal() {
		language = models.DefaultLanguage
	}
	key := runKey{taskID.String(), language, stage}

	d.mu.Lock()
	if _, dup := d.pending[key]; dup {
		d.mu.Unlock()
		return ErrDuplicateTrigger
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- runRequest{key: key, taskID: taskID}:
		return nil
	default:
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return ErrQueueFull
	}
}

// Pending reports whether the (task, language, stage) is queued or running.
func (d *Dispatcher) Pending(taskID models.ULID, language string, stage models.Stage) bool {
	if stage.TaskGlobal() {
		language = models.DefaultLanguage
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[runKey{taskID.String(), language, stage}]
	return ok
}

// Close stops the dispatch loop. Queued runs are dropped.
func (d *Dispatcher) Close() {
	close(d.done)
}

func (d *Dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case req := <-d.queue:
			// Run errors are already recorded in task state, except the
			// busy-lock rejection: that fails before any state write, so
			// the acknowledged trigger would otherwise vanish without a
			// trace. Record it as a failed stage.
			if err := d.runner.Run(context.Background(), req.taskID, req.key.language, req.key.stage); err != nil {
				d.logger.Warn("triggered stage did not complete",
					slog.String("task_id", req.key.taskID),
					slog.String("language", req.key.language),
					slog.String("stage", string(req.key.stage)),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, runlock.ErrBusy) && d.bus != nil {
					if _, pubErr := d.bus.Publish(context.Background(), req.taskID,
						req.key.language, req.key.stage,
						models.StageFailed, 0, "busy"); pubErr != nil {
						d.logger.Warn("recording busy rejection failed",
							slog.String("task_id", req.key.taskID),
							slog.String("error", pubErr.Error()),
						)
					}
				}
			}
			d.mu.Lock()
			delete(d.pending, req.key)
			d.mu.Unlock()
		}
	}
}
