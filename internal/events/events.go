// Package events carries job lifecycle events out of the API process.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/example/waste-pickup/internal/models"
)

// Publisher receives an event after every successful lifecycle operation.
// Delivery is best effort; the job store stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, ev models.JobEvent) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, models.JobEvent) error { return nil }
func (Nop) Close() error                                   { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// their errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev models.JobEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event in memory, in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (r *Recorder) Publish(_ context.Context, ev models.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what has been published so far.
func (r *Recorder) Events() []models.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.JobEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the event types recorded for jobID.
func (r *Recorder) Types(jobID string) []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventType
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}
