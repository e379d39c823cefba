package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/waste-pickup/internal/storage"
	"github.com/example/waste-pickup/internal/validation"
)

var (
	// ErrAlreadyTaken: the job left PENDING before this claim committed.
	ErrAlreadyTaken = errors.New("job no longer available")
	// ErrInvalidState: the job is not COLLECTING, so it cannot be completed
	// or handed back.
	ErrInvalidState = errors.New("job cannot be completed")
	// ErrNotOwner: under the strict policy only the holding collector may
	// resolve a job.
	ErrNotOwner = errors.New("job is held by another collector")
	ErrNotFound = errors.New("job not found")
	// ErrUnavailable: the store could not be reached. Retrying may help.
	ErrUnavailable = errors.New("job service unavailable")
)

// Kind is the recovery class of an error returned by the Engine.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindLostRace    Kind = "lost_race"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindForbidden   Kind = "forbidden"
	KindInternal    Kind = "internal"
)

// KindOf classifies err. A lost race and an outage are always distinct:
// the first calls for a refresh, the second for a retry.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, validation.ErrInvalid):
		return KindValidation
	case errors.Is(err, ErrAlreadyTaken), errors.Is(err, ErrInvalidState):
		return KindLostRace
	case errors.Is(err, ErrNotOwner):
		return KindForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, storage.ErrUnavailable):
		return KindUnavailable
	}
	return KindInternal
}

// Retryable reports whether repeating the same call may succeed.
func Retryable(err error) bool { return KindOf(err) == KindUnavailable }

// UserMessage says what happened and what to do next.
func UserMessage(err error) string {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return verr.Message
	}
	switch {
	case errors.Is(err, ErrAlreadyTaken):
		return "This job was just taken by another collector. Pick another one."
	case errors.Is(err, ErrInvalidState):
		return "This job can no longer be completed. Refresh to see its current status."
	case errors.Is(err, ErrNotOwner):
		return "Only the collector handling this job can finish it."
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return "This job no longer exists."
	case errors.Is(err, ErrUnavailable), errors.Is(err, storage.ErrUnavailable):
		return "Could not reach the job service. Check your connection and try again."
	}
	return "Something went wrong. Please try again."
}

// translate maps store errors onto the engine's taxonomy. Guard errors come
// back wrapped in storage.ErrPrecondition; the guard's own sentinel wins.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyTaken):
		return ErrAlreadyTaken
	case errors.Is(err, ErrInvalidState):
		return ErrInvalidState
	case errors.Is(err, ErrNotOwner):
		return ErrNotOwner
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}
