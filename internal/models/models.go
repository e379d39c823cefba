package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a pickup job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCollecting Status = "COLLECTING"
	StatusDone       Status = "DONE"
)

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCollecting, StatusDone:
		return true
	}
	return false
}

// ParseStatus accepts a status name in any letter case.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Job is a single waste-pickup request.
type Job struct {
	ID             string    `json:"id"`
	RequesterID    string    `json:"requesterId"`
	CollectorID    string    `json:"collectorId,omitempty"`
	Status         Status    `json:"status"`
	Name           string    `json:"name"`
	PhoneNumber    string    `json:"phoneNumber"`
	Address        string    `json:"address"`
	GPS            GPS       `json:"gps"`
	PickupTime     string    `json:"pickupTime"`
	BagCount       int       `json:"bagCount"`
	TotalPrice     int       `json:"totalPrice"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Coord returns the job location, false when either coordinate is missing.
func (j Job) Coord() (Coord, bool) {
	if !j.GPS.Complete() {
		return Coord{}, false
	}
	return Coord{Lat: *j.GPS.Lat, Lon: *j.GPS.Lng}, true
}

// Draft is what a requester submits. It deliberately carries no status:
// a "status" key in the incoming JSON is dropped by the decoder.
type Draft struct {
	Name           string `json:"name"`
	PhoneNumber    string `json:"phoneNumber"`
	Address        string `json:"address"`
	GPS            GPS    `json:"gps"`
	PickupTime     string `json:"pickupTime"`
	BagCount       int    `json:"bagCount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type EventType string

const (
	EventCreated   EventType = "job.created"
	EventClaimed   EventType = "job.claimed"
	EventCompleted EventType = "job.completed"
	EventReleased  EventType = "job.released"
)

// JobEvent describes one successful lifecycle operation.
type JobEvent struct {
	Type        EventType `json:"type"`
	JobID       string    `json:"jobId"`
	RequesterID string    `json:"requesterId"`
	CollectorID string    `json:"collectorId,omitempty"`
	Status      Status    `json:"status"`
	GPS         GPS       `json:"gps"`
	TotalPrice  int       `json:"totalPrice"`
	At          time.Time `json:"at"`
}

// EventFor builds the event emitted after job reached its current state.
func EventFor(t EventType, j Job, at time.Time) JobEvent {
	return JobEvent{
		Type:        t,
		JobID:       j.ID,
		RequesterID: j.RequesterID,
		CollectorID: j.CollectorID,
		Status:      j.Status,
		GPS:         j.GPS,
		TotalPrice:  j.TotalPrice,
		At:          at,
	}
}
