// Package lifecycle owns the job state machine:
//
//	PENDING --claim--> COLLECTING --complete--> DONE
//	                   COLLECTING --cancel----> PENDING
//
// Every status change goes through storage.JobStore.Transition with a guard,
// so two collectors racing for the same job cannot both win.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/waste-pickup/internal/events"
	"github.com/example/waste-pickup/internal/geocode"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/observability"
	"github.com/example/waste-pickup/internal/pricing"
	"github.com/example/waste-pickup/internal/storage"
	"github.com/example/waste-pickup/internal/validation"
)

// Locator fills in a missing location when a job is created.
type Locator interface {
	Search(ctx context.Context, address string) (models.Coord, error)
	Reverse(ctx context.Context, c models.Coord) (geocode.Locality, error)
}

type Engine struct {
	store     storage.JobStore
	prices    pricing.Table
	limits    validation.Limits
	policy    CompletionPolicy
	locator   Locator
	publisher events.Publisher
	now       func() time.Time
	loc       *time.Location
	logger    *slog.Logger
}

func New(store storage.JobStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		prices:    pricing.DefaultTable(),
		limits:    validation.DefaultLimits(),
		policy:    PolicyStrict,
		publisher: events.Nop{},
		now:       time.Now,
		loc:       time.Local,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Policy() CompletionPolicy { return e.policy }

// CreateJob validates d and stores it as a new PENDING job priced from its
// bag count. Nothing reaches the store unless the draft is valid.
func (e *Engine) CreateJob(ctx context.Context, requesterID string, d models.Draft) (string, error) {
	defer observe("create", time.Now())
	if requesterID == "" {
		return "", &validation.Error{Field: "requesterId", Message: "Start a session before posting a job"}
	}
	clean, err := e.validate(ctx, d)
	if err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			observability.RejectedDrafts.WithLabelValues(verr.Field).Inc()
		}
		e.logger.Debug("job draft rejected", "requester_id", requesterID, "error", err)
		return "", err
	}

	job := models.Job{
		RequesterID:    requesterID,
		Name:           clean.Name,
		PhoneNumber:    clean.PhoneNumber,
		Address:        clean.Address,
		GPS:            clean.GPS,
		PickupTime:     clean.PickupTime,
		BagCount:       clean.BagCount,
		TotalPrice:     e.prices.Quote(clean.BagCount),
		IdempotencyKey: clean.IdempotencyKey,
	}
	id, err := e.store.Create(ctx, job)
	if errors.Is(err, storage.ErrDuplicate) {
		// The first submission already announced this job.
		e.logger.Debug("duplicate job submission", "job_id", id, "requester_id", requesterID)
		return id, nil
	}
	if err != nil {
		err = translate(err)
		e.logger.Error("create job failed", "requester_id", requesterID, "error", err)
		return "", err
	}
	observability.JobsCreated.Inc()
	e.logger.Info("job created", "job_id", id, "requester_id", requesterID, "bags", job.BagCount, "total_price", job.TotalPrice)

	job.ID = id
	job.Status = models.StatusPending
	e.publish(ctx, models.EventCreated, job)
	return id, nil
}

// validate runs the draft checks. When only the location is missing and a
// locator is configured, it geocodes and checks again.
func (e *Engine) validate(ctx context.Context, d models.Draft) (models.Draft, error) {
	now := e.now()
	clean, err := validation.Validate(d, now, e.loc, e.limits)
	var verr *validation.Error
	if err == nil || e.locator == nil || !errors.As(err, &verr) {
		return clean, err
	}
	switch verr.Field {
	case "gps":
		if d.GPS.Complete() {
			return clean, err
		}
		c, lerr := e.locator.Search(ctx, d.Address)
		if lerr != nil {
			e.logger.Info("forward geocode failed", "error", lerr)
			return clean, err
		}
		d.GPS = models.NewGPS(c.Lat, c.Lon)
	case "address":
		c := models.Coord{Lat: *d.GPS.Lat, Lon: *d.GPS.Lng}
		l, lerr := e.locator.Reverse(ctx, c)
		if lerr != nil {
			// Raw coordinates are still a usable address.
			e.logger.Info("reverse geocode failed", "error", lerr)
		}
		d.Address = geocode.CurrentLocationAddress(c, l)
	default:
		return clean, err
	}
	return validation.Validate(d, now, e.loc, e.limits)
}

// ClaimJob moves a PENDING job to COLLECTING for collectorID. Exactly one of
// any number of concurrent claims succeeds; the rest get ErrAlreadyTaken.
func (e *Engine) ClaimJob(ctx context.Context, id, collectorID string) (models.Job, error) {
	defer observe("claim", time.Now())
	if collectorID == "" {
		err := &validation.Error{Field: "collectorId", Message: "Start a session before claiming a job"}
		observability.ClaimsTotal.WithLabelValues(outcome(err)).Inc()
		return models.Job{}, err
	}
	job, err := e.store.Transition(ctx, id,
		func(j models.Job) error {
			if j.Status != models.StatusPending {
				return ErrAlreadyTaken
			}
			return nil
		},
		func(j *models.Job) {
			j.Status = models.StatusCollecting
			j.CollectorID = collectorID
		},
	)
	err = translate(err)
	observability.ClaimsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		e.logFailure("claim", id, collectorID, err)
		return models.Job{}, err
	}
	e.logger.Info("job claimed", "job_id", id, "collector_id", collectorID)
	e.publish(ctx, models.EventClaimed, job)
	return job, nil
}

// ResolveJob finishes a COLLECTING job. success moves it to DONE keeping the
// collector; !success hands it back to PENDING with no collector.
func (e *Engine) ResolveJob(ctx context.Context, id, collectorID string, success bool) (models.Job, error) {
	op, result := "complete", "done"
	if !success {
		op, result = "cancel", "released"
	}
	defer observe(op, time.Now())

	job, err := e.store.Transition(ctx, id,
		func(j models.Job) error {
			if j.Status != models.StatusCollecting {
				return ErrInvalidState
			}
			if e.policy == PolicyStrict && j.CollectorID != collectorID {
				return ErrNotOwner
			}
			return nil
		},
		func(j *models.Job) {
			if success {
				j.Status = models.StatusDone
				return
			}
			j.Status = models.StatusPending
			j.CollectorID = ""
		},
	)
	err = translate(err)
	observability.ResolutionsTotal.WithLabelValues(result, outcome(err)).Inc()
	if err != nil {
		e.logFailure(op, id, collectorID, err)
		return models.Job{}, err
	}

	if success {
		e.logger.Info("job completed", "job_id", id, "collector_id", job.CollectorID, "total_price", job.TotalPrice)
		e.publish(ctx, models.EventCompleted, job)
	} else {
		e.logger.Info("job released", "job_id", id, "collector_id", collectorID)
		e.publish(ctx, models.EventReleased, job)
	}
	return job, nil
}

// CancelJob hands a COLLECTING job back to the pool.
func (e *Engine) CancelJob(ctx context.Context, id, collectorID string) (models.Job, error) {
	return e.ResolveJob(ctx, id, collectorID, false)
}

func (e *Engine) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, err := e.store.Get(ctx, id)
	return j, translate(err)
}

func (e *Engine) ListJobs(ctx context.Context, f storage.Filter) ([]models.Job, error) {
	jobs, err := e.store.List(ctx, f)
	return jobs, translate(err)
}

// SubscribePending streams every PENDING job: the collector's browse list.
func (e *Engine) SubscribePending(ctx context.Context, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	return e.subscribe(ctx, storage.Filter{Status: models.StatusPending}, onChange)
}

func (e *Engine) SubscribeByRequester(ctx context.Context, requesterID string, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	return e.subscribe(ctx, storage.Filter{RequesterID: requesterID}, onChange)
}

func (e *Engine) SubscribeByCollectorActive(ctx context.Context, collectorID string, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	return e.subscribe(ctx, storage.Filter{CollectorID: collectorID, Status: models.StatusCollecting}, onChange)
}

func (e *Engine) SubscribeByCollectorDone(ctx context.Context, collectorID string, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	return e.subscribe(ctx, storage.Filter{CollectorID: collectorID, Status: models.StatusDone}, onChange)
}

func (e *Engine) SubscribeAll(ctx context.Context, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	return e.subscribe(ctx, storage.Filter{}, onChange)
}

// SubscribeCompleted streams every DONE job regardless of collector.
func (e *Engine) SubscribeCompleted(ctx context.Context, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	return e.subscribe(ctx, storage.Filter{Status: models.StatusDone}, onChange)
}

// Subscribe streams an arbitrary filter.
func (e *Engine) Subscribe(ctx context.Context, f storage.Filter, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	return e.subscribe(ctx, f, onChange)
}

func (e *Engine) subscribe(ctx context.Context, f storage.Filter, onChange func([]models.Job)) (storage.Unsubscribe, error) {
	unsub, err := e.store.Subscribe(ctx, f, onChange)
	if err != nil {
		return nil, translate(err)
	}
	return unsub, nil
}

// publish hands ev to the publisher. The store already committed, so a
// failed publish is logged and otherwise ignored.
func (e *Engine) publish(ctx context.Context, t models.EventType, j models.Job) {
	ev := models.EventFor(t, j, e.now().UTC())
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		e.logger.Warn("publish job event failed", "job_id", j.ID, "type", string(t), "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues("ok").Inc()
}

func (e *Engine) logFailure(op, id, collectorID string, err error) {
	switch KindOf(err) {
	case KindLostRace, KindForbidden, KindNotFound, KindValidation:
		e.logger.Info(op+" rejected", "job_id", id, "collector_id", collectorID, "outcome", string(KindOf(err)))
	default:
		e.logger.Error(op+" failed", "job_id", id, "collector_id", collectorID, "error", err)
	}
}

func observe(op string, start time.Time) {
	observability.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
