// Package pickuptime interprets the free-form pickup time a requester enters:
// either a bare clock time ("HH:MM") or a full local date-time.
package pickuptime

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrUnparseable = errors.New("unrecognised pickup time")

var clockOnly = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

var layouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// Parse resolves s against now in loc. A bare clock time is taken as today;
// clock reports whether s was such a time.
func Parse(s string, now time.Time, loc *time.Location) (t time.Time, clock bool, err error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, ErrUnparseable
	}
	if m := clockOnly.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h > 23 || min > 59 {
			return time.Time{}, true, ErrUnparseable
		}
		n := now.In(loc)
		return time.Date(n.Year(), n.Month(), n.Day(), h, min, 0, 0, loc), true, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, ErrUnparseable
}

// Resolve is Parse with countdown semantics: a bare clock time that has
// already passed today means tomorrow.
func Resolve(s string, now time.Time, loc *time.Location) (time.Time, error) {
	t, clock, err := Parse(s, now, loc)
	if err != nil {
		return time.Time{}, err
	}
	if clock && !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// IsClockOnly reports whether s is a bare "HH:MM" value.
func IsClockOnly(s string) bool { return clockOnly.MatchString(strings.TrimSpace(s)) }
