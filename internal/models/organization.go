package models

import "time"

// Organization is the tenant boundary. Every player, ladder and match
// belongs to exactly one organization; nothing is ever auto-created across
// tenants by ingestion.
type Organization struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"organization_id"`
	Slug      string    `gorm:"uniqueIndex;not null" json:"slug"` // lower-cased
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Organization) TableName() string {
	return "organizations"
}
