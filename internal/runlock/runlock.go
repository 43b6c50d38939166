// Package runlock implements the process-wide run lock that admits at most
// one heavy stage execution at a time. Workers share a single GPU; running
// two at once exhausts its memory, so all long stages are serialized here.
package runlock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxdub/voxdub/internal/models"
)

// ErrBusy is returned by Acquire while another stage holds the lock.
var ErrBusy = errors.New("another stage is already running")

// ExecutionRecord is a snapshot of the currently executing stage.
type ExecutionRecord struct {
	TaskID         string       `json:"task_id"`
	Language       string       `json:"language"`
	Stage          models.Stage `json:"stage"`
	StartedAt      time.Time    `json:"started_at"`
	LatestProgress int          `json:"latest_progress"`
	LatestMessage  string       `json:"latest_message,omitempty"`
}

// BusyError reports a failed Acquire together with the current holder.
// It unwraps to ErrBusy.
type BusyError struct {
	Held ExecutionRecord
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("another stage is already running: task %s %s/%s",
		e.Held.TaskID, e.Held.Language, e.Held.Stage)
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// Token proves ownership of the lock. Release and RegisterCancel ignore
// tokens from a previous acquisition.
type Token struct {
	id uint64
}

type holder struct {
	token  uint64
	record ExecutionRecord
	cancel func()
}

// Lock is the global run lock. The zero value is not usable; call New.
type Lock struct {
	mu     sync.Mutex
	nextID uint64
	cur    *holder
}

// New returns an unheld Lock.
func New() *Lock {
	return &Lock{}
}

// Acquire claims the lock for one (task, language, stage) run. While held,
// any further Acquire fails fast with a *BusyError naming the holder.
func (l *Lock) Acquire(taskID, language string, stage models.Stage) (Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur != nil {
		return Token{}, &BusyError{Held: l.cur.record}
	}

	l.nextID++
	l.cur = &holder{
		token: l.nextID,
		record: ExecutionRecord{
			TaskID:    taskID,
			Language:  language,
			Stage:     stage,
			StartedAt: time.Now().UTC(),
		},
	}
	return Token{id: l.nextID}, nil
}

// Release frees the lock. Safe to call more than once; a stale token is a
// no-op, so deferred releases cannot clobber a later acquisition.
func (l *Lock) Release(token Token) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur != nil && l.cur.token == token.id {
		l.cur = nil
	}
}

// RegisterCancel attaches the cancel primitive for the running worker so a
// stop request can terminate it mid-stage.
func (l *Lock) RegisterCancel(token Token, cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur != nil && l.cur.token == token.id {
		l.cur.cancel = cancel
	}
}

// CancelCurrent invokes the holder's registered cancel primitive. Returns
// false when the lock is free or no cancel was registered.
func (l *Lock) CancelCurrent() bool {
	l.mu.Lock()
	cancel := func() {}
	ok := false
	if l.cur != nil && l.cur.cancel != nil {
		cancel = l.cur.cancel
		ok = true
	}
	l.mu.Unlock()

	if ok {
		// Outside the lock: cancel may block on process teardown.
		cancel()
	}
	return ok
}

// RecordProgress updates the holder's latest progress and message when the
// update targets the running (task, language, stage). Other updates are
// ignored so log-append traffic cannot corrupt the record.
func (l *Lock) RecordProgress(taskID, language string, stage models.Stage, progress int, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur == nil {
		return
	}
	r := &l.cur.record
	if r.TaskID != taskID || r.Language != language || r.Stage != stage {
		return
	}
	if progress > r.LatestProgress {
		r.LatestProgress = progress
	}
	if message != "" {
		r.LatestMessage = message
	}
}

// ClearIf frees the lock when the holder matches (task, language, stage).
// The progress bus calls this on terminal publishes so the record never
// outlives the run it describes; the stage runner's deferred Release then
// becomes a no-op.
func (l *Lock) ClearIf(taskID, language string, stage models.Stage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur == nil {
		return false
	}
	r := l.cur.record
	if r.TaskID != taskID || r.Language != language || r.Stage != stage {
		return false
	}
	l.cur = nil
	return true
}

// Current returns a snapshot of the running stage, if any.
func (l *Lock) Current() (ExecutionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur == nil {
		return ExecutionRecord{}, false
	}
	return l.cur.record, true
}
