package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/waste-pickup/internal/events"
	"github.com/example/waste-pickup/internal/geo"
	"github.com/example/waste-pickup/internal/geocode"
	"github.com/example/waste-pickup/internal/logging"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/pricing"
	"github.com/example/waste-pickup/internal/storage"
	"github.com/example/waste-pickup/internal/validation"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// countingStore records how often the engine touches the store.
type countingStore struct {
	storage.JobStore
	creates     atomic.Int32
	transitions atomic.Int32
}

func (c *countingStore) Create(ctx context.Context, j models.Job) (string, error) {
	c.creates.Add(1)
	return c.JobStore.Create(ctx, j)
}

func (c *countingStore) Transition(ctx context.Context, id string, g storage.Guard, m storage.Mutation) (models.Job, error) {
	c.transitions.Add(1)
	return c.JobStore.Transition(ctx, id, g, m)
}

// downStore fails every call the way a lost connection does.
type downStore struct{ storage.JobStore }

var errConn = errors.New("connection refused")

func (downStore) Create(context.Context, models.Job) (string, error) {
	return "", fmt.Errorf("create job: %w: %w", storage.ErrUnavailable, errConn)
}

func (downStore) Transition(context.Context, string, storage.Guard, storage.Mutation) (models.Job, error) {
	return models.Job{}, fmt.Errorf("transition job: %w: %w", storage.ErrUnavailable, errConn)
}

type fakeLocator struct {
	coord    models.Coord
	locality geocode.Locality
	err      error
}

func (f fakeLocator) Search(context.Context, string) (models.Coord, error) { return f.coord, f.err }
func (f fakeLocator) Reverse(context.Context, models.Coord) (geocode.Locality, error) {
	return f.locality, f.err
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *countingStore, *events.Recorder) {
	t.Helper()
	mem := storage.NewMemoryStore(logging.Discard())
	t.Cleanup(func() { mem.Close() })
	store := &countingStore{JobStore: mem}
	rec := &events.Recorder{}
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithLocation(time.UTC),
		WithPublisher(rec),
		WithLogger(logging.Discard()),
	}
	return New(store, append(base, opts...)...), store, rec
}

func draft() models.Draft {
	return models.Draft{
		Name:        "  Aminah  ",
		PhoneNumber: "+60 12-345 6789",
		Address:     "12 Jalan Ampang",
		GPS:         models.NewGPS(3.1579, 101.7116),
		PickupTime:  "2026-03-10T15:00",
		BagCount:    3,
	}
}

func TestScenarioClaimReleaseReclaimComplete(t *testing.T) {
	ctx := context.Background()
	e, _, rec := newEngine(t)

	id, err := e.CreateJob(ctx, "req-1", draft())
	require.NoError(t, err)

	j, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Equal(t, 30, j.TotalPrice)
	assert.Empty(t, j.CollectorID)
	assert.Equal(t, "Aminah", j.Name)
	assert.Equal(t, "60123456789", j.PhoneNumber)

	j, err = e.ClaimJob(ctx, id, "X")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCollecting, j.Status)
	assert.Equal(t, "X", j.CollectorID)

	j, err = e.ResolveJob(ctx, id, "X", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Empty(t, j.CollectorID)

	j, err = e.ClaimJob(ctx, id, "Y")
	require.NoError(t, err)
	assert.Equal(t, "Y", j.CollectorID)

	j, err = e.ResolveJob(ctx, id, "Y", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, j.Status)
	assert.Equal(t, "Y", j.CollectorID)
	assert.Equal(t, 30, j.TotalPrice)

	assert.Equal(t, []models.EventType{
		models.EventCreated, models.EventClaimed, models.EventReleased, models.EventClaimed, models.EventCompleted,
	}, rec.Types(id))
}

func TestPriceFollowsConfiguredRate(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t, WithPricing(pricing.Table{PerBag: 7}))
	d := draft()
	d.BagCount = 4
	id, err := e.CreateJob(ctx, "req-1", d)
	require.NoError(t, err)
	j, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 28, j.TotalPrice)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	e, _, rec := newEngine(t)
	id, err := e.CreateJob(ctx, "req-1", draft())
	require.NoError(t, err)

	const n = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		winners = make(chan string, n)
		lost    atomic.Int32
	)
	for i := 0; i < n; i++ {
		collector := fmt.Sprintf("c-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.ClaimJob(ctx, id, collector)
			switch {
			case err == nil:
				winners <- collector
			case errors.Is(err, ErrAlreadyTaken):
				lost.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(winners)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	require.Len(t, won, 1)
	assert.Equal(t, int32(n-1), lost.Load())

	j, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCollecting, j.Status)
	assert.Equal(t, won[0], j.CollectorID)
	assert.Equal(t, []models.EventType{models.EventCreated, models.EventClaimed}, rec.Types(id))
}

func TestIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	id, err := e.CreateJob(ctx, "req-1", draft())
	require.NoError(t, err)

	_, err = e.ResolveJob(ctx, id, "X", true)
	assert.ErrorIs(t, err, ErrInvalidState, "complete on a PENDING job")
	_, err = e.CancelJob(ctx, id, "X")
	assert.ErrorIs(t, err, ErrInvalidState, "cancel on a PENDING job")

	_, err = e.ClaimJob(ctx, id, "X")
	require.NoError(t, err)
	_, err = e.ClaimJob(ctx, id, "Y")
	assert.ErrorIs(t, err, ErrAlreadyTaken, "claim on a COLLECTING job")
	_, err = e.ClaimJob(ctx, id, "X")
	assert.ErrorIs(t, err, ErrAlreadyTaken, "holder claiming twice")

	_, err = e.ResolveJob(ctx, id, "X", true)
	require.NoError(t, err)
	_, err = e.ClaimJob(ctx, id, "Y")
	assert.ErrorIs(t, err, ErrAlreadyTaken, "claim on a DONE job")
	_, err = e.ResolveJob(ctx, id, "X", false)
	assert.ErrorIs(t, err, ErrInvalidState, "nothing leaves DONE")

	j, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, j.Status)
	assert.Equal(t, "X", j.CollectorID)
}

func TestCompletionPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("strict rejects other collectors", func(t *testing.T) {
		e, _, _ := newEngine(t)
		id, err := e.CreateJob(ctx, "req-1", draft())
		require.NoError(t, err)
		_, err = e.ClaimJob(ctx, id, "X")
		require.NoError(t, err)

		_, err = e.ResolveJob(ctx, id, "Y", true)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.Equal(t, KindForbidden, KindOf(err))
		_, err = e.CancelJob(ctx, id, "Y")
		assert.ErrorIs(t, err, ErrNotOwner)

		j, err := e.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCollecting, j.Status)
		assert.Equal(t, "X", j.CollectorID)
	})

	t.Run("open lets anyone resolve", func(t *testing.T) {
		e, _, _ := newEngine(t, WithPolicy(PolicyOpen))
		id, err := e.CreateJob(ctx, "req-1", draft())
		require.NoError(t, err)
		_, err = e.ClaimJob(ctx, id, "X")
		require.NoError(t, err)

		j, err := e.ResolveJob(ctx, id, "Y", true)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDone, j.Status)
		assert.Equal(t, "X", j.CollectorID, "the holder keeps the credit")
	})
}

func TestValidationHappensBeforeTheStore(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(*models.Draft){
		"past clock time":    func(d *models.Draft) { d.PickupTime = "08:30" },
		"past datetime":      func(d *models.Draft) { d.PickupTime = "2026-03-09T15:00" },
		"too many bags":      func(d *models.Draft) { d.BagCount = 21 },
		"no bags":            func(d *models.Draft) { d.BagCount = 0 },
		"blank name":         func(d *models.Draft) { d.Name = "   " },
		"short phone":        func(d *models.Draft) { d.PhoneNumber = "12345" },
		"missing coordinate": func(d *models.Draft) { d.GPS.Lng = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e, store, rec := newEngine(t)
			d := draft()
			mutate(&d)
			_, err := e.CreateJob(ctx, "req-1", d)
			require.Error(t, err)
			assert.ErrorIs(t, err, validation.ErrInvalid)
			assert.Equal(t, KindValidation, KindOf(err))
			assert.NotEmpty(t, UserMessage(err))
			assert.Equal(t, int32(0), store.creates.Load())
			assert.Empty(t, rec.Events())
		})
	}
}

func TestMissingSessionIsRejected(t *testing.T) {
	e, store, _ := newEngine(t)
	_, err := e.CreateJob(context.Background(), "", draft())
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = e.ClaimJob(context.Background(), "any", "")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, int32(0), store.creates.Load())
	assert.Equal(t, int32(0), store.transitions.Load())
}

func TestGPSStringsAreNormalized(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)

	var d models.Draft
	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "Aminah", "phoneNumber": "0123456789", "address": "Kampung Baru",
		"gps": {"lat": "3.5", "lng": "101.25"},
		"pickupTime": "2026-03-10T15:00", "bagCount": 2, "status": "DONE"
	}`), &d))

	id, err := e.CreateJob(ctx, "req-1", d)
	require.NoError(t, err)
	j, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	require.True(t, j.GPS.Complete())
	assert.Equal(t, 3.5, *j.GPS.Lat)
	assert.Equal(t, 101.25, *j.GPS.Lng)
	assert.Equal(t, models.StatusPending, j.Status, "status in the payload is ignored")
}

func TestUnavailableIsNotALostRace(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore(logging.Discard())
	defer mem.Close()
	e := New(downStore{mem}, WithClock(func() time.Time { return testNow }), WithLocation(time.UTC), WithLogger(logging.Discard()))

	_, err := e.CreateJob(ctx, "req-1", draft())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, Retryable(err))

	_, err = e.ClaimJob(ctx, "job-1", "X")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errConn)
	assert.NotErrorIs(t, err, ErrAlreadyTaken)
	assert.Equal(t, KindUnavailable, KindOf(err))

	e2, _, _ := newEngine(t)
	_, err = e2.ClaimJob(ctx, "missing", "X")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Retryable(err))
}

func TestIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	d := draft()
	d.IdempotencyKey = "form-42"

	first, err := e.CreateJob(ctx, "req-1", d)
	require.NoError(t, err)
	second, err := e.CreateJob(ctx, "req-1", d)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := e.CreateJob(ctx, "req-2", d)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestReplayedCreateAnnouncesNothing(t *testing.T) {
	ctx := context.Background()
	rec := &events.Recorder{}
	idx := geo.NewMemoryIndex()
	e, _, _ := newEngine(t, WithPublisher(events.Multi{rec, geo.Indexing{Index: idx}}))
	d := draft()
	d.IdempotencyKey = "form-42"

	id, err := e.CreateJob(ctx, "req-1", d)
	require.NoError(t, err)
	_, err = e.ClaimJob(ctx, id, "col-1")
	require.NoError(t, err)

	again, err := e.CreateJob(ctx, "req-1", d)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	j, err := e.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCollecting, j.Status)
	assert.Equal(t, []models.EventType{models.EventCreated, models.EventClaimed}, rec.Types(id))
	assert.Zero(t, idx.Len(), "a claimed job must stay out of the pending index")
}

func TestLocatorFillsMissingLocation(t *testing.T) {
	ctx := context.Background()

	t.Run("reverse geocodes a bare position", func(t *testing.T) {
		loc := fakeLocator{locality: geocode.Locality{City: "Kuala Lumpur", State: "Wilayah Persekutuan"}}
		e, _, _ := newEngine(t, WithLocator(loc))
		d := draft()
		d.Address = ""
		id, err := e.CreateJob(ctx, "req-1", d)
		require.NoError(t, err)
		j, err := e.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Current Location (3.1579, 101.7116, Kuala Lumpur, Wilayah Persekutuan)", j.Address)
	})

	t.Run("reverse failure keeps raw coordinates", func(t *testing.T) {
		e, _, _ := newEngine(t, WithLocator(fakeLocator{err: errors.New("timeout")}))
		d := draft()
		d.Address = ""
		id, err := e.CreateJob(ctx, "req-1", d)
		require.NoError(t, err)
		j, err := e.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Current Location (3.1579, 101.7116)", j.Address)
	})

	t.Run("forward geocodes a typed address", func(t *testing.T) {
		e, _, _ := newEngine(t, WithLocator(fakeLocator{coord: models.Coord{Lat: 3.2, Lon: 101.6}}))
		d := draft()
		d.GPS = models.GPS{}
		id, err := e.CreateJob(ctx, "req-1", d)
		require.NoError(t, err)
		j, err := e.GetJob(ctx, id)
		require.NoError(t, err)
		c, ok := j.Coord()
		require.True(t, ok)
		assert.Equal(t, models.Coord{Lat: 3.2, Lon: 101.6}, c)
	})

	t.Run("forward failure is a validation error", func(t *testing.T) {
		e, store, _ := newEngine(t, WithLocator(fakeLocator{err: geocode.ErrNoMatch}))
		d := draft()
		d.GPS = models.GPS{}
		_, err := e.CreateJob(ctx, "req-1", d)
		var verr *validation.Error
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "gps", verr.Field)
		assert.Equal(t, int32(0), store.creates.Load())
	})
}

func TestSubscriptionsSeeLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)

	var mu sync.Mutex
	var latest []models.Job
	updates := make(chan struct{}, 64)
	unsub, err := e.SubscribeByCollectorActive(ctx, "X", func(jobs []models.Job) {
		mu.Lock()
		latest = jobs
		mu.Unlock()
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer unsub()

	waitFor := func(want int) {
		t.Helper()
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return latest != nil && len(latest) == want
		}, 2*time.Second, 5*time.Millisecond)
	}
	waitFor(0)

	id, err := e.CreateJob(ctx, "req-1", draft())
	require.NoError(t, err)
	_, err = e.ClaimJob(ctx, id, "X")
	require.NoError(t, err)
	waitFor(1)

	_, err = e.ResolveJob(ctx, id, "X", true)
	require.NoError(t, err)
	waitFor(0)
}

func TestKindOfAndMessages(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindLostRace, KindOf(ErrAlreadyTaken))
	assert.Equal(t, KindLostRace, KindOf(fmt.Errorf("wrapped: %w", ErrInvalidState)))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Contains(t, UserMessage(ErrAlreadyTaken), "Pick another")
	assert.Equal(t, "Bag count cannot exceed 20", UserMessage(&validation.Error{Field: "bagCount", Message: "Bag count cannot exceed 20"}))

	p, err := ParsePolicy("OPEN")
	require.NoError(t, err)
	assert.Equal(t, PolicyOpen, p)
	_, err = ParsePolicy("lenient")
	assert.Error(t, err)
}
