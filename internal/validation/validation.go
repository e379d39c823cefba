// Package validation checks a requester's draft before anything reaches the
// job store.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/pickuptime"
)

// ErrInvalid is matched by every *Error.
var ErrInvalid = errors.New("invalid job request")

// Error names the offending field and a message fit for the submitter.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string { return e.Field + ": " + e.Message }

func (e *Error) Unwrap() error { return ErrInvalid }

type Limits struct {
	NameMaxLength  int
	PhoneMinDigits int
	PhoneMaxDigits int
	BagCountMin    int
	BagCountMax    int
}

func DefaultLimits() Limits {
	return Limits{
		NameMaxLength:  50,
		PhoneMinDigits: 10,
		PhoneMaxDigits: 15,
		BagCountMin:    1,
		BagCountMax:    20,
	}
}

// Validate returns the cleaned draft (trimmed name, digits-only phone) or
// the first *Error found.
func Validate(d models.Draft, now time.Time, loc *time.Location, l Limits) (models.Draft, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return d, &Error{Field: "name", Message: "Name is required"}
	}
	if len([]rune(name)) > l.NameMaxLength {
		return d, &Error{Field: "name", Message: fmt.Sprintf("Name must be less than %d characters", l.NameMaxLength)}
	}

	if strings.TrimSpace(d.PhoneNumber) == "" {
		return d, &Error{Field: "phoneNumber", Message: "Phone number is required"}
	}
	digits := DigitsOnly(d.PhoneNumber)
	switch {
	case digits == "":
		return d, &Error{Field: "phoneNumber", Message: "Phone number must contain at least one digit"}
	case len(digits) < l.PhoneMinDigits:
		return d, &Error{Field: "phoneNumber", Message: fmt.Sprintf("Phone number must have at least %d digits", l.PhoneMinDigits)}
	case len(digits) > l.PhoneMaxDigits:
		return d, &Error{Field: "phoneNumber", Message: fmt.Sprintf("Phone number must not exceed %d digits", l.PhoneMaxDigits)}
	}

	if d.BagCount < l.BagCountMin {
		return d, &Error{Field: "bagCount", Message: fmt.Sprintf("Bag count must be at least %d", l.BagCountMin)}
	}
	if d.BagCount > l.BagCountMax {
		return d, &Error{Field: "bagCount", Message: fmt.Sprintf("Bag count cannot exceed %d", l.BagCountMax)}
	}

	at, _, err := pickuptime.Parse(d.PickupTime, now, loc)
	if err != nil {
		return d, &Error{Field: "pickupTime", Message: "Pickup time is not a valid time"}
	}
	if !at.After(now) {
		return d, &Error{Field: "pickupTime", Message: "Please choose a future date and time for pickup."}
	}

	if !d.GPS.Complete() {
		return d, &Error{Field: "gps", Message: "Location GPS is not available. Allow location access or geocode the address first."}
	}
	if *d.GPS.Lat < -90 || *d.GPS.Lat > 90 || *d.GPS.Lng < -180 || *d.GPS.Lng > 180 {
		return d, &Error{Field: "gps", Message: "GPS coordinates are out of range"}
	}

	if strings.TrimSpace(d.Address) == "" {
		return d, &Error{Field: "address", Message: "Please enter an address for the pickup location."}
	}

	d.Name = name
	d.PhoneNumber = digits
	d.Address = strings.TrimSpace(d.Address)
	d.PickupTime = strings.TrimSpace(d.PickupTime)
	return d, nil
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func Clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (l Limits) ClampBagCount(n int) int { return Clamp(n, l.BagCountMin, l.BagCountMax) }

// TruncateName cuts name to the configured maximum length.
func (l Limits) TruncateName(name string) string {
	r := []rune(name)
	if len(r) <= l.NameMaxLength {
		return name
	}
	return string(r[:l.NameMaxLength])
}
