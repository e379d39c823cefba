package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/waste-pickup/internal/models"
)

var (
	// ErrNotFound is returned when no job (or user) has the requested id.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition is returned by Transition when the guard rejects the
	// current document. It is the normal outcome of a lost race.
	ErrPrecondition = errors.New("precondition failed")
	// ErrUnavailable wraps connectivity and driver failures. Retrying may help.
	ErrUnavailable = errors.New("store unavailable")
	// ErrDuplicate is returned by Create, together with the existing job's
	// id, when the requester already used the idempotency key.
	ErrDuplicate = errors.New("duplicate submission")
	// ErrSchema is returned when a write would break the job schema.
	ErrSchema = errors.New("job schema violation")
)

// Guard inspects the current job inside a transition and returns a non-nil
// error to abort it.
type Guard func(models.Job) error

// Mutation edits the job in place once its guard has passed.
type Mutation func(*models.Job)

// Unsubscribe releases a live subscription. It is safe to call more than once.
type Unsubscribe func()

// JobStore is the persistence contract the lifecycle engine relies on.
type JobStore interface {
	// Create inserts job as PENDING with a store-assigned id and createdAt.
	// Status and collector fields on the argument are ignored. A repeated
	// (requester, idempotency key) returns the first job's id and ErrDuplicate.
	Create(ctx context.Context, job models.Job) (string, error)
	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context, f Filter) ([]models.Job, error)
	// Transition applies mutate iff guard accepts the current document, as
	// one isolated read-modify-write.
	Transition(ctx context.Context, id string, guard Guard, mutate Mutation) (models.Job, error)
	// Subscribe calls onChange with the full matching set now and after
	// every change that touches it.
	Subscribe(ctx context.Context, f Filter, onChange func([]models.Job)) (Unsubscribe, error)
	Close() error
}

type UserStore interface {
	UpsertUser(ctx context.Context, u models.User) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
}

// Filter selects jobs. Zero fields match anything.
type Filter struct {
	Status      models.Status
	RequesterID string
	CollectorID string
}

func (f Filter) Match(j models.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.RequesterID != "" && j.RequesterID != f.RequesterID {
		return false
	}
	if f.CollectorID != "" && j.CollectorID != f.CollectorID {
		return false
	}
	return true
}

func (f Filter) String() string {
	return fmt.Sprintf("status=%q requester=%q collector=%q", f.Status, f.RequesterID, f.CollectorID)
}

// prepareInsert resets the fields the store owns and checks the rest.
func prepareInsert(job models.Job, id string, now time.Time) (models.Job, error) {
	job.ID = id
	job.Status = models.StatusPending
	job.CollectorID = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	return job, checkSchema(job)
}

// applyMutation runs mutate on a copy of cur and restores the fields that
// may never change after creation.
func applyMutation(cur models.Job, mutate Mutation, now time.Time) (models.Job, error) {
	next := cur
	mutate(&next)
	next.ID = cur.ID
	next.RequesterID = cur.RequesterID
	next.CreatedAt = cur.CreatedAt
	next.BagCount = cur.BagCount
	next.TotalPrice = cur.TotalPrice
	next.IdempotencyKey = cur.IdempotencyKey
	next.UpdatedAt = now
	return next, checkSchema(next)
}

func checkSchema(j models.Job) error {
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrSchema, j.Status)
	}
	if j.RequesterID == "" {
		return fmt.Errorf("%w: requester id is required", ErrSchema)
	}
	if j.BagCount <= 0 || j.TotalPrice < 0 {
		return fmt.Errorf("%w: bad bag count or price", ErrSchema)
	}
	held := j.Status == models.StatusCollecting || j.Status == models.StatusDone
	if held && j.CollectorID == "" {
		return fmt.Errorf("%w: %s job without collector", ErrSchema, j.Status)
	}
	if !held && j.CollectorID != "" {
		return fmt.Errorf("%w: pending job with collector", ErrSchema)
	}
	return nil
}

func guardFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrPrecondition, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
