package dto

import "time"

// HeartbeatRequest updates the caller's own presence flag.
type HeartbeatRequest struct {
	Online bool `json:"online"`
}

// PresenceStatus is the liveness answer for one user.
type PresenceStatus struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// PresenceStatusList answers a batch presence query.
type PresenceStatusList struct {
	Items []PresenceStatus `json:"items"`
}
