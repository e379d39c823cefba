package geo

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/waste-pickup/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude is ~111.2 km.
	assert.InDelta(t, 111_195, Haversine(0, 0, 1, 0), 100)
}

func runIndexSuite(t *testing.T, idx Index) {
	ctx := context.Background()
	center := models.Coord{Lat: 3.1390, Lon: 101.6869}

	require.NoError(t, idx.Upsert(ctx, "near", models.Coord{Lat: 3.1400, Lon: 101.6869}))
	require.NoError(t, idx.Upsert(ctx, "mid", models.Coord{Lat: 3.1500, Lon: 101.6869}))
	require.NoError(t, idx.Upsert(ctx, "far", models.Coord{Lat: 3.5000, Lon: 101.6869}))

	hits, err := idx.Nearby(ctx, center, 5000, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].JobID)
	assert.Equal(t, "mid", hits[1].JobID)
	assert.Less(t, hits[0].DistanceM, hits[1].DistanceM)

	hits, err = idx.Nearby(ctx, center, 0, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].JobID)

	require.NoError(t, idx.Remove(ctx, "near"))
	require.NoError(t, idx.Remove(ctx, "never-there"))
	hits, err = idx.Nearby(ctx, center, 5000, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mid", hits[0].JobID)
}

func TestMemoryIndex(t *testing.T) {
	runIndexSuite(t, NewMemoryIndex())
}

func TestRedisIndex(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	idx := NewRedisIndex(client, "test:pickup:geo:"+t.Name())
	ctx := context.Background()
	require.NoError(t, idx.Reset(ctx))
	defer idx.Reset(ctx)
	runIndexSuite(t, idx)
}

func TestApplyFollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	job := models.Job{ID: "j1", Status: models.StatusPending, GPS: models.NewGPS(3.1, 101.6)}

	require.NoError(t, Apply(ctx, idx, models.EventFor(models.EventCreated, job, job.CreatedAt)))
	assert.Equal(t, 1, idx.Len())

	job.Status, job.CollectorID = models.StatusCollecting, "c1"
	require.NoError(t, Apply(ctx, idx, models.EventFor(models.EventClaimed, job, job.CreatedAt)))
	assert.Equal(t, 0, idx.Len())

	job.Status, job.CollectorID = models.StatusPending, ""
	require.NoError(t, Apply(ctx, idx, models.EventFor(models.EventReleased, job, job.CreatedAt)))
	assert.Equal(t, 1, idx.Len())

	require.NoError(t, Apply(ctx, idx, models.EventFor(models.EventCompleted, job, job.CreatedAt)))
	assert.Equal(t, 0, idx.Len())

	// no location, nothing to index
	require.NoError(t, Apply(ctx, idx, models.JobEvent{Type: models.EventCreated, JobID: "j2"}))
	assert.Equal(t, 0, idx.Len())
}

func TestRebuildSkipsUnlocatedAndClaimed(t *testing.T) {
	idx := NewMemoryIndex()
	n, err := Rebuild(context.Background(), idx, []models.Job{
		{ID: "a", Status: models.StatusPending, GPS: models.NewGPS(1, 1)},
		{ID: "b", Status: models.StatusPending},
		{ID: "c", Status: models.StatusCollecting, GPS: models.NewGPS(1, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, idx.Len())
}

func TestIndexingPublisher(t *testing.T) {
	idx := NewMemoryIndex()
	p := Indexing{Index: idx}
	job := models.Job{ID: "j1", Status: models.StatusPending, GPS: models.NewGPS(3.1, 101.6)}
	require.NoError(t, p.Publish(context.Background(), models.EventFor(models.EventCreated, job, job.CreatedAt)))
	assert.Equal(t, 1, idx.Len())
	assert.NoError(t, p.Close())
}
