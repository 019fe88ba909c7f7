package model

import "time"

// SessionReport is one row of the admin session listing.
type SessionReport struct {
	SessionID         string        `json:"session_id"`
	StudentEmail      string        `json:"student_email"`
	StudentName       string        `json:"student_name"`
	Subject           string        `json:"subject"`
	Status            SessionStatus `json:"status"`
	Closed            bool          `json:"closed"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	CurrentDifficulty float64       `json:"current_difficulty"`
	Statistics        SessionStats  `json:"statistics"`
}
