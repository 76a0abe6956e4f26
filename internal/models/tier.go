package models

import "time"

// Stored tier policy, loaded once at startup when the tier source is the database
type RateLimitTier struct {
	Name       string    `gorm:"primaryKey" json:"name"`
	Capacity   float64   `gorm:"not null" json:"capacity"`
	RefillRate float64   `gorm:"not null" json:"refill_rate"` // tokens per second
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (RateLimitTier) TableName() string {
	return "rate_limit_tiers"
}

// Maps a credential prefix to a tier. Rules are matched in Position order.
type CredentialPrefix struct {
	Prefix   string `gorm:"primaryKey" json:"prefix"`
	TierName string `gorm:"not null;index" json:"tier"`
	Position int    `gorm:"not null;index" json:"position"`
}

func (CredentialPrefix) TableName() string {
	return "credential_prefixes"
}
