package models

import (
	"time"

	"gorm.io/datatypes"
)

// InsightSnapshot is the derived read model for one (organization, player,
// sport, discipline) slice; sport/discipline may be empty for the
// all-disciplines rollup. Snapshot holds the serialized body; Digest is a
// stable hash of the body without meta, so downstream consumers (the
// narrative pipeline) can skip unchanged snapshots.
type InsightSnapshot struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	OrganizationID string         `gorm:"index:idx_insight_snapshots_key,unique;not null;type:uuid" json:"organization_id"`
	PlayerID       string         `gorm:"index:idx_insight_snapshots_key,unique;not null;type:uuid" json:"player_id"`
	Sport          string         `gorm:"index:idx_insight_snapshots_key,unique;not null;default:''" json:"sport,omitempty"`
	Discipline     string         `gorm:"index:idx_insight_snapshots_key,unique;not null;default:''" json:"discipline,omitempty"`
	Digest         string         `gorm:"index;not null" json:"digest"`
	ETag           string         `gorm:"not null" json:"etag"`
	Snapshot       datatypes.JSON `gorm:"type:jsonb" json:"snapshot"`
	BuiltAt        time.Time      `gorm:"not null" json:"built_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (InsightSnapshot) TableName() string {
	return "insight_snapshots"
}
