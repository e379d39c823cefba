// Package geo indexes the locations of PENDING jobs so collectors can ask
// for work near them. The index is a derived view; the job store decides
// whether a job is still claimable.
package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/waste-pickup/internal/models"
)

// Hit is one indexed job and its distance from the query point.
type Hit struct {
	JobID     string       `json:"jobId"`
	Loc       models.Coord `json:"loc"`
	DistanceM float64      `json:"distanceM"`
}

// Index is the minimal interface required by the matcher and the indexer.
type Index interface {
	Upsert(ctx context.Context, jobID string, c models.Coord) error
	Remove(ctx context.Context, jobID string) error
	Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]Hit, error)
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu   sync.RWMutex
	jobs map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{jobs: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, jobID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[jobID] = c
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, jobID)
	return nil
}

func (g *MemoryIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.jobs)
}

// Nearby scans every entry; fine for a single town's worth of open jobs.
// radiusM <= 0 means unbounded, limit <= 0 means no limit.
func (g *MemoryIndex) Nearby(_ context.Context, c models.Coord, radiusM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.jobs))
	for id, loc := range g.jobs {
		d := Haversine(c.Lat, c.Lon, loc.Lat, loc.Lon)
		if radiusM > 0 && d > radiusM {
			continue
		}
		hits = append(hits, Hit{JobID: id, Loc: loc, DistanceM: d})
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceM != hits[j].DistanceM {
			return hits[i].DistanceM < hits[j].DistanceM
		}
		return hits[i].JobID < hits[j].JobID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Apply folds one lifecycle event into the index: a job is indexed while it
// is PENDING and has a complete location.
func Apply(ctx context.Context, idx Index, ev models.JobEvent) error {
	switch ev.Type {
	case models.EventCreated, models.EventReleased:
		if !ev.GPS.Complete() {
			return idx.Remove(ctx, ev.JobID)
		}
		return idx.Upsert(ctx, ev.JobID, models.Coord{Lat: *ev.GPS.Lat, Lon: *ev.GPS.Lng})
	case models.EventClaimed, models.EventCompleted:
		return idx.Remove(ctx, ev.JobID)
	}
	return nil
}

// Indexing keeps an Index current from job events in-process. It satisfies
// events.Publisher so the engine can feed it directly when no broker runs.
type Indexing struct {
	Index Index
}

func (p Indexing) Publish(ctx context.Context, ev models.JobEvent) error {
	return Apply(ctx, p.Index, ev)
}

func (Indexing) Close() error { return nil }

// Rebuild indexes every located job in pending. Entries for jobs that have
// since left PENDING are tolerated; readers re-check the store.
func Rebuild(ctx context.Context, idx Index, pending []models.Job) (int, error) {
	n := 0
	for _, j := range pending {
		if j.Status != models.StatusPending {
			continue
		}
		c, ok := j.Coord()
		if !ok {
			continue
		}
		if err := idx.Upsert(ctx, j.ID, c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coords.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }
