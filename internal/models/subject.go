package models

import "time"

// Subject is a known API principal (token subject). Grants attach tenant
// and region permissions beyond what the token's scopes carry.
type Subject struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"subject_id"`
	TokenSub  string    `gorm:"uniqueIndex;not null" json:"token_sub"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subject) TableName() string {
	return "subjects"
}

// SubjectGrant allows a subject to act on one organization, optionally
// narrowed by sport and region. Empty sport/region means all.
type SubjectGrant struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	SubjectID      string    `gorm:"index;not null;type:uuid" json:"subject_id"`
	OrganizationID string    `gorm:"index;not null;type:uuid" json:"organization_id"`
	Sport          string    `json:"sport,omitempty"`
	RegionID       string    `json:"region_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (SubjectGrant) TableName() string {
	return "subject_grants"
}
