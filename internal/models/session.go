package models

import "time"

// Session run status values.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Session is one user's research slot. It caches the latest topic and report
// for re-display; the conversation transcript itself is never persisted.
type Session struct {
	ID        int64     `json:"id"`
	Topic     string    `json:"topic"`
	Status    string    `json:"status"`
	Report    string    `json:"report"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
