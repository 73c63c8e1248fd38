package models

import "time"

// User is an authenticated account.
type User struct {
	ID                int64     `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email,omitempty"`
	PasswordHash      string    `json:"-"`
	DailyMessageCount int       `json:"daily_message_count"`
	DailyCountDate    string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// APIKey describes a stored provider key; Key is masked when listed.
type APIKey struct {
	Provider  string    `json:"provider"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}
