package geocode

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/example/waste-pickup/internal/models"
)

// CurrentLocationPrefix marks an address generated from the device position
// rather than typed by the requester.
const CurrentLocationPrefix = "Current Location"

var currentLocationRe = regexp.MustCompile(`^Current Location\s*\(([^)]+)\)`)

// CurrentLocationAddress renders "Current Location (lat, lng[, city][, state])"
// with coordinates to 4 decimals.
func CurrentLocationAddress(c models.Coord, l Locality) string {
	parts := []string{fmt.Sprintf("%.4f, %.4f", c.Lat, c.Lon)}
	if l.City != "" {
		parts = append(parts, l.City)
	}
	if l.State != "" {
		parts = append(parts, l.State)
	}
	return CurrentLocationPrefix + " (" + strings.Join(parts, ", ") + ")"
}

// ParseCurrentLocation returns the comma-separated parts inside a
// Current Location address, trimmed. ok is false for any other address.
func ParseCurrentLocation(address string) (parts []string, ok bool) {
	m := currentLocationRe.FindStringSubmatch(address)
	if m == nil {
		return nil, false
	}
	for _, p := range strings.Split(m[1], ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts, len(parts) > 0
}
