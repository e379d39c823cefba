package projections

import (
	"context"
	"time"

	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/pickuptime"
)

// Remaining is the time left until a pickup.
type Remaining struct {
	JobID   string        `json:"jobId,omitempty"`
	Due     time.Time     `json:"due"`
	Left    time.Duration `json:"left"`
	Overdue bool          `json:"overdue"`
}

// TimeRemaining diffs pickupTime against now. A bare "HH:MM" already past
// today means tomorrow.
func TimeRemaining(pickupTime string, now time.Time, loc *time.Location) (Remaining, error) {
	due, err := pickuptime.Resolve(pickupTime, now, loc)
	if err != nil {
		return Remaining{}, err
	}
	left := due.Sub(now)
	return Remaining{Due: due, Left: left, Overdue: left < 0}, nil
}

// Countdowns computes Remaining for every job that is not DONE and has a
// readable pickup time.
func Countdowns(jobs []models.Job, now time.Time, loc *time.Location) []Remaining {
	out := make([]Remaining, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == models.StatusDone {
			continue
		}
		r, err := TimeRemaining(j.PickupTime, now, loc)
		if err != nil {
			continue
		}
		r.JobID = j.ID
		out = append(out, r)
	}
	return out
}

// RunCountdown calls fn now and then every interval until ctx ends. It is
// driven by the clock alone, not by store updates.
func RunCountdown(ctx context.Context, interval time.Duration, now func() time.Time, fn func(time.Time)) {
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}
	fn(now())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(now())
		}
	}
}
