package model

import "time"

// PresenceRecord is a best-effort liveness view derived from heartbeats.
type PresenceRecord struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}
