package worker

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure for status messages and HTTP mapping.
type Kind string

const (
	// KindUnavailable means the worker runtime or binary could not start.
	KindUnavailable Kind = "worker-unavailable"
	// KindFailed means the worker ran but exited non-zero or produced an
	// unusable result.
	KindFailed Kind = "worker-failed"
	// KindTimeout means the stage exceeded its wall-clock limit.
	KindTimeout Kind = "timeout"
	// KindCancelled means the run was terminated by a stop request.
	KindCancelled Kind = "cancelled"
	// KindInternal means the orchestrator itself failed around the worker.
	KindInternal Kind = "internal"
)

// Error is a classified worker failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a classified error.
func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure kind, defaulting to internal.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindInternal
}
