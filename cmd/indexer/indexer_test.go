package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/waste-pickup/internal/config"
	"github.com/example/waste-pickup/internal/geo"
	"github.com/example/waste-pickup/internal/logging"
	"github.com/example/waste-pickup/internal/models"
)

// flakyIndex fails the first failUpserts upserts, then defers to a MemoryIndex.
type flakyIndex struct {
	*geo.MemoryIndex
	failUpserts int
	upserts     int
}

func (f *flakyIndex) Upsert(ctx context.Context, id string, c models.Coord) error {
	f.upserts++
	if f.upserts <= f.failUpserts {
		return errors.New("geo fail")
	}
	return f.MemoryIndex.Upsert(ctx, id, c)
}

func created(id string) models.JobEvent {
	job := models.Job{ID: id, Status: models.StatusPending, GPS: models.NewGPS(3.1, 101.6)}
	return models.EventFor(models.EventCreated, job, time.Now())
}

func TestUpdateIndexWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &flakyIndex{MemoryIndex: geo.NewMemoryIndex(), failUpserts: 2}
	start := time.Now()
	require.NoError(t, updateIndexWithRetry(context.Background(), f, created("j1"), 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.upserts)
	assert.Equal(t, 1, f.Len())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "10ms then 20ms backoff")
}

func TestUpdateIndexWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyIndex{MemoryIndex: geo.NewMemoryIndex(), failUpserts: 5}
	err := updateIndexWithRetry(context.Background(), f, created("j1"), 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.upserts)
	assert.Equal(t, 0, f.Len())
}

func TestUpdateIndexWithRetry_StopsOnCancel(t *testing.T) {
	f := &flakyIndex{MemoryIndex: geo.NewMemoryIndex(), failUpserts: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateIndexWithRetry(ctx, f, created("j1"), 3, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

// scriptedReader hands out msgs in order, then cancels the consumer.
type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func encode(t *testing.T, ev models.JobEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ev.JobID), Value: b}
}

func TestConsumeFollowsLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idx := geo.NewMemoryIndex()

	claimed := models.Job{ID: "j1", Status: models.StatusCollecting, CollectorID: "c1", GPS: models.NewGPS(3.1, 101.6)}
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		encode(t, created("j1")),
		encode(t, created("j2")),
		{Value: []byte("not json")},
		encode(t, models.EventFor(models.EventClaimed, claimed, time.Now())),
	}}

	consume(ctx, r, idx, config.IndexerConfig{Attempts: 1}, logging.Discard())

	assert.Equal(t, 1, idx.Len())
	hits, err := idx.Nearby(context.Background(), models.Coord{Lat: 3.1, Lon: 101.6}, 0, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "j2", hits[0].JobID)
}
