package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GPS holds a pickup location. Either coordinate may be unknown (nil).
type GPS struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// NewGPS builds a GPS with both coordinates set.
func NewGPS(lat, lng float64) GPS {
	return GPS{Lat: &lat, Lng: &lng}
}

// Complete reports whether both coordinates are present.
func (g GPS) Complete() bool { return g.Lat != nil && g.Lng != nil }

// UnmarshalJSON accepts numbers, numeric strings and null for each
// coordinate independently. Form inputs and older documents send strings.
func (g *GPS) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*g = GPS{}
		return nil
	}
	var raw struct {
		Lat json.RawMessage `json:"lat"`
		Lng json.RawMessage `json:"lng"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	lat, err := coordFromJSON(raw.Lat)
	if err != nil {
		return fmt.Errorf("gps.lat: %w", err)
	}
	lng, err := coordFromJSON(raw.Lng)
	if err != nil {
		return fmt.Errorf("gps.lng: %w", err)
	}
	g.Lat, g.Lng = lat, lng
	return nil
}

func coordFromJSON(b json.RawMessage) (*float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return ParseCoordinate(v)
}

// ParseCoordinate normalizes a loosely typed coordinate to a float.
// nil and blank strings mean "unknown".
func ParseCoordinate(v any) (*float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *float64:
		if t == nil {
			return nil, nil
		}
		f = *t
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		p, err := t.Float64()
		if err != nil {
			return nil, err
		}
		f = p
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("coordinate %q is not a number", t)
		}
		f = p
	default:
		return nil, fmt.Errorf("unsupported coordinate type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("coordinate %v is not finite", f)
	}
	return &f, nil
}
