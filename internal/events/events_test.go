package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/waste-pickup/internal/models"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, models.JobEvent) error { return f.err }
func (f failing) Close() error                                   { return nil }

func TestMultiPublishesToEveryone(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("broker down")
	m := Multi{failing{boom}, rec}

	err := m.Publish(context.Background(), models.JobEvent{Type: models.EventCreated, JobID: "j1"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []models.EventType{models.EventCreated}, rec.Types("j1"))
}

func TestRecorderTypesPerJob(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	for _, ev := range []models.JobEvent{
		{Type: models.EventCreated, JobID: "a"},
		{Type: models.EventCreated, JobID: "b"},
		{Type: models.EventClaimed, JobID: "a"},
		{Type: models.EventReleased, JobID: "a"},
	} {
		require.NoError(t, rec.Publish(ctx, ev))
	}
	assert.Equal(t, []models.EventType{models.EventCreated, models.EventClaimed, models.EventReleased}, rec.Types("a"))
	assert.Len(t, rec.Events(), 4)
}

func TestDecode(t *testing.T) {
	ev, err := Decode(kafka.Message{Value: []byte(`{"type":"job.claimed","jobId":"j9","collectorId":"c1","status":"COLLECTING","gps":{"lat":"3.1","lng":101.6},"at":"2026-01-02T03:04:05Z"}`)})
	require.NoError(t, err)
	assert.Equal(t, models.EventClaimed, ev.Type)
	assert.Equal(t, "c1", ev.CollectorID)
	require.True(t, ev.GPS.Complete())
	assert.InDelta(t, 3.1, *ev.GPS.Lat, 1e-9)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ev.At.UTC())

	_, err = Decode(kafka.Message{Value: []byte(`{"type":"job.claimed"}`)})
	assert.Error(t, err)
	_, err = Decode(kafka.Message{Value: []byte(`not json`)})
	assert.Error(t, err)
}

func TestKafkaWriterFlushesPromptly(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "pickup.jobs")
	defer p.Close()
	assert.Equal(t, 10*time.Millisecond, p.writer.BatchTimeout)
	assert.Equal(t, "pickup.jobs", p.writer.Topic)
	assert.IsType(t, &kafka.Hash{}, p.writer.Balancer)
}
