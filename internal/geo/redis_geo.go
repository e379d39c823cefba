package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/waste-pickup/internal/models"
)

// DefaultKey is the sorted set holding pending job locations.
const DefaultKey = "pickup:pending:geo"

// RedisIndex implements Index using Redis GEO commands, so the indexer
// process and every API replica share one view.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = DefaultKey
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, jobID string, c models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: jobID}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, jobID string) error {
	if err := r.client.ZRem(ctx, r.key, jobID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]Hit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  c.Lon,
			Latitude:   c.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	if radiusM <= 0 {
		// GEOSEARCH needs a shape; half the earth's circumference covers it.
		q.Radius = 20_037_508
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			JobID:     g.Name,
			Loc:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}

// Reset drops the whole index; used before a full rebuild.
func (r *RedisIndex) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
