// Package projections derives the list, stats and countdown views from a
// snapshot of jobs. Everything here is pure and recomputed on every
// subscription update; nothing is stored.
package projections

import (
	"sort"

	"github.com/example/waste-pickup/internal/models"
)

// StatusPriority orders PENDING before COLLECTING before DONE; unknown
// values sort last.
func StatusPriority(s models.Status) int {
	switch s {
	case models.StatusPending:
		return 0
	case models.StatusCollecting:
		return 1
	case models.StatusDone:
		return 2
	}
	return 3
}

// FilterByStatus returns jobs unchanged for an empty status.
func FilterByStatus(jobs []models.Job, status models.Status) []models.Job {
	if status == "" {
		return jobs
	}
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

// SortAndFilter filters by status, then sorts a copy by status priority and
// newest first. Ties keep their input order.
func SortAndFilter(jobs []models.Job, status models.Status) []models.Job {
	filtered := FilterByStatus(jobs, status)
	out := make([]models.Job, len(filtered))
	copy(out, filtered)
	sort.SliceStable(out, func(a, b int) bool {
		pa, pb := StatusPriority(out[a].Status), StatusPriority(out[b].Status)
		if pa != pb {
			return pa < pb
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Collecting int `json:"collecting"`
	Done       int `json:"done"`
	// Waiting is PENDING plus COLLECTING: posted but not yet picked up.
	Waiting int `json:"waiting"`
	// Earnings sums totalPrice over DONE jobs.
	Earnings int `json:"earnings"`
}

func ComputeStats(jobs []models.Job) Stats {
	var s Stats
	for _, j := range jobs {
		s.Total++
		switch j.Status {
		case models.StatusPending:
			s.Pending++
			s.Waiting++
		case models.StatusCollecting:
			s.Collecting++
			s.Waiting++
		case models.StatusDone:
			s.Done++
			s.Earnings += j.TotalPrice
		}
	}
	return s
}

// RequesterStats is the requester's summary panel.
type RequesterStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Waiting   int `json:"waiting"`
}

// CollectorStats is the collector's summary panel.
type CollectorStats struct {
	Completed int `json:"completed"`
	Earned    int `json:"earned"`
}

func (s Stats) Requester() RequesterStats {
	return RequesterStats{Total: s.Total, Completed: s.Done, Waiting: s.Waiting}
}

func (s Stats) Collector() CollectorStats {
	return CollectorStats{Completed: s.Done, Earned: s.Earnings}
}
