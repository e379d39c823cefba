// Package matcher answers "which open jobs are closest to me" for a
// collector. The geo index proposes candidates; the job store has the final
// say, so a job claimed a moment ago never shows up as available.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/example/waste-pickup/internal/eta"
	"github.com/example/waste-pickup/internal/geo"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/storage"
)

// Jobs is the slice of the job store the matcher reads.
type Jobs interface {
	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context, f storage.Filter) ([]models.Job, error)
}

type Candidate struct {
	Job        models.Job `json:"job"`
	DistanceM  float64    `json:"distanceM"`
	ETASeconds float64    `json:"etaSeconds"`
}

type Service struct {
	Index   geo.Index // optional; without it every pending job is scanned
	Jobs    Jobs
	ETA     eta.Client // optional; straight line when nil
	RadiusM float64
	TopN    int
	Logger  *slog.Logger
}

// Nearby ranks claimable jobs around from by travel time, then by newest.
func (s *Service) Nearby(ctx context.Context, from models.Coord) ([]Candidate, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jobs, err := s.candidates(ctx, from, topN, logger)
	if err != nil {
		return nil, err
	}

	client := s.ETA
	if client == nil {
		client = eta.StraightLine{}
	}
	out := make([]Candidate, len(jobs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, j := range jobs {
		i := i
		loc, _ := j.Coord()
		out[i] = Candidate{Job: j, DistanceM: geo.Distance(from, loc)}
		g.Go(func() error {
			secs, err := client.EstimateSeconds(gCtx, from, loc)
			if err != nil {
				secs = eta.EstimateSeconds(from, loc, 0)
			}
			out[i].ETASeconds = secs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].ETASeconds != out[b].ETASeconds {
			return out[a].ETASeconds < out[b].ETASeconds
		}
		return out[a].Job.CreatedAt.After(out[b].Job.CreatedAt)
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// candidates returns PENDING, located jobs within the radius. Index entries
// whose job is gone or no longer PENDING are dropped from the index.
func (s *Service) candidates(ctx context.Context, from models.Coord, topN int, logger *slog.Logger) ([]models.Job, error) {
	if s.Index != nil {
		// Over-fetch: some hits may be stale.
		hits, err := s.Index.Nearby(ctx, from, s.RadiusM, topN*2)
		if err == nil {
			out := make([]models.Job, 0, len(hits))
			for _, h := range hits {
				j, err := s.Jobs.Get(ctx, h.JobID)
				switch {
				case errors.Is(err, storage.ErrNotFound):
				case err != nil:
					return nil, err
				case j.Status == models.StatusPending && j.GPS.Complete():
					out = append(out, j)
					continue
				}
				if rerr := s.Index.Remove(ctx, h.JobID); rerr != nil {
					logger.Warn("dropping stale index entry failed", "job_id", h.JobID, "error", rerr)
				}
			}
			return out, nil
		}
		logger.Warn("geo index unavailable, scanning store", "error", err)
	}

	pending, err := s.Jobs.List(ctx, storage.Filter{Status: models.StatusPending})
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, j := range pending {
		loc, ok := j.Coord()
		if !ok {
			continue
		}
		if s.RadiusM > 0 && geo.Distance(from, loc) > s.RadiusM {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
