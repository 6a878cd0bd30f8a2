package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle status of a user session.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusExpired SessionStatus = "expired"
)

// Session represents one admitted concurrent user session. Sessions are
// created on successful admission, refreshed on heartbeat, and destroyed on
// explicit release or heartbeat-timeout reaping.
type Session struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	UserID        string        `json:"user_id" db:"user_id" validate:"required"`
	Priority      int           `json:"priority" db:"priority"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat" db:"last_heartbeat"`
	Status        SessionStatus `json:"status" db:"status"`
}

// RegistryStats is a point-in-time snapshot of the session registry.
type RegistryStats struct {
	Active     int   `json:"active"`
	Capacity   int   `json:"capacity"`
	Admitted   int64 `json:"admitted_total"`
	Rejected   int64 `json:"rejected_total"`
	Reaped     int64 `json:"reaped_total"`
	ForcedOut  int64 `json:"forced_out_total"`
	Preempted  int64 `json:"preempted_total"`
}
