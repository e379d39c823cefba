package projections

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/waste-pickup/internal/geocode"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/pickuptime"
)

const notSpecified = "Not specified"

func StatusLabel(s models.Status) string {
	switch s {
	case models.StatusPending:
		return "Pending"
	case models.StatusCollecting:
		return "Collecting"
	case models.StatusDone:
		return "Completed"
	case "":
		return "—"
	}
	return string(s)
}

// FormatAddress unwraps "Current Location (...)" addresses. A malformed one
// falls back to the job's coordinates.
func FormatAddress(address string, gps models.GPS) string {
	if address == "" {
		return notSpecified
	}
	if strings.HasPrefix(address, geocode.CurrentLocationPrefix) {
		if parts, ok := geocode.ParseCurrentLocation(address); ok {
			return strings.Join(parts, ", ")
		}
		if gps.Complete() {
			return fmt.Sprintf("%.4f, %.4f", *gps.Lat, *gps.Lng)
		}
	}
	return address
}

// FormatPickupTime renders a full date as "10 Mar 2026, 03:00 pm". Bare
// clock times and unreadable values are shown as given.
func FormatPickupTime(pickupTime string, loc *time.Location) string {
	s := strings.TrimSpace(pickupTime)
	if s == "" {
		return notSpecified
	}
	if pickuptime.IsClockOnly(s) {
		return s
	}
	t, _, err := pickuptime.Parse(s, time.Now(), loc)
	if err != nil {
		return pickupTime
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2 Jan 2006, 03:04 pm")
}

// FormatRemaining renders "2h 05m", "12m", "Due now" or "Overdue by 7m".
func FormatRemaining(r Remaining) string {
	left := r.Left.Truncate(time.Minute)
	if r.Overdue {
		if -left < time.Minute {
			return "Due now"
		}
		return "Overdue by " + compact(-left)
	}
	if left < time.Minute {
		return "Due now"
	}
	return compact(left)
}

func compact(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, h)
	case h > 0:
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
