package models

import "time"

// OAuthToken stores one issued credential grant for the practice-management API.
// Rows are append-only: every refresh or code exchange inserts a new row and
// deactivates the previous active one, so the token history is retained.
type OAuthToken struct {
	ID           string `gorm:"primaryKey"` // UUID
	Provider     string `gorm:"index"`      // e.g. "practicepanther"
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
	IsActive     bool `gorm:"default:true"`
	CreatedAt    time.Time
}
