// Package upload drains batches from persistence strategies into an
// Uploader. The transport itself is not part of this package: an Uploader
// receives a batch and reports a Status, and the worker turns that Status
// into UnlockAndDelete or UnlockAndKeep.
package upload

import (
	"context"
	"fmt"
	"net/http"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
)

// Outcome classifies an upload attempt.
type Outcome int

const (
	// Delivered: the intake accepted the batch. It is deleted.
	Delivered Outcome = iota
	// Retry: a transient failure. The batch is kept for a later attempt.
	Retry
	// Rejected: a permanent failure. The batch is deleted so an unsendable
	// payload is not retried forever.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Status is the result of one upload attempt.
type Status struct {
	Outcome Outcome
	Code    int   // transport status code, 0 if none
	Err     error // transport error, if any
}

// Retry reports whether the batch should be kept.
func (s Status) Retry() bool {
	return s.Outcome == Retry
}

func (s Status) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("%s (%v)", s.Outcome, s.Err)
	case s.Code != 0:
		return fmt.Sprintf("%s (%d)", s.Outcome, s.Code)
	}
	return s.Outcome.String()
}

// Classify maps an HTTP-style status code and transport error to a Status.
// Network errors, timeouts, throttling and server errors are retried;
// other client errors are permanent.
func Classify(code int, err error) Status {
	if err != nil {
		return Status{Outcome: Retry, Code: code, Err: err}
	}
	switch {
	case code >= 200 && code < 300:
		return Status{Outcome: Delivered, Code: code}
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return Status{Outcome: Retry, Code: code}
	default:
		return Status{Outcome: Rejected, Code: code}
	}
}

// Uploader transmits one batch. Implementations must honor ctx: the worker
// cancels it on timeout and keeps the batch.
type Uploader interface {
	Upload(ctx context.Context, b batch.Batch) Status
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, b batch.Batch) Status

func (f UploaderFunc) Upload(ctx context.Context, b batch.Batch) Status {
	return f(ctx, b)
}

// Source is the part of a persistence strategy the worker drives.
type Source interface {
	Name() string
	LockAndReadNext() (batch.Batch, bool)
	UnlockAndKeep(id batch.ID)
	UnlockAndDelete(id batch.ID)
	Rotate() bool
}
