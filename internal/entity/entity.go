// Package entity defines the timestamp base embedded by queue messages and DLQ entries.
package entity

import "time"

// Entity carries creation and update timestamps.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an Entity with both timestamps set to the current UTC time.
func New() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}
