// Package notification tells the outside world that a run has finished.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSendFailed wraps every delivery failure.
var ErrSendFailed = errors.New("notification: send failed")

// Event types.
const (
	EventRunSucceeded = "run.succeeded"
	EventRunFailed    = "run.failed"
)

// RunEvent describes a finished run.
type RunEvent struct {
	RunID        uuid.UUID
	SetupKey     string
	Succeeded    bool
	Started      time.Time
	Ended        time.Time
	FilesSeen    int64
	ChunksStored int64
	BytesStored  int64
	Warnings     int
	Errors       int
	Error        string
}

// Type returns the event type of e.
func (e RunEvent) Type() string {
	if e.Succeeded {
		return EventRunSucceeded
	}
	return EventRunFailed
}

// Notifier delivers run events.
type Notifier interface {
	NotifyRun(ctx context.Context, e RunEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) NotifyRun(context.Context, RunEvent) error { return nil }

type multi []Notifier

// Multi returns a Notifier that delivers to every n in order. Failures do
// not stop later deliveries; they are joined in the returned error.
func Multi(notifiers ...Notifier) Notifier {
	var out multi
	for _, n := range notifiers {
		if _, nop := n.(Nop); n != nil && !nop {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return Nop{}
	}
	return out
}

func (m multi) NotifyRun(ctx context.Context, e RunEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyRun(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
