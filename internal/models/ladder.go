package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Sports and disciplines known to the service. Formats are registered with
// the normalizer registry; these constants cover the built-in ones.
const (
	SportBadminton  = "BADMINTON"
	SportPickleball = "PICKLEBALL"

	DisciplineSingles = "SINGLES"
	DisciplineDoubles = "DOUBLES"

	TierUnspecified = "UNSPECIFIED"
	RegionGlobal    = "GLOBAL"
)

// LadderKey is the identity tuple of a rating ladder. One Bayesian universe
// per key.
type LadderKey struct {
	OrganizationID string `json:"organization_id"`
	Sport          string `json:"sport"`
	Discipline     string `json:"discipline"`
	Format         string `json:"format"`
	Tier           string `json:"tier"`
	RegionID       string `json:"region_id"`
}

// Normalize fills the defaulted components of the tuple.
func (k LadderKey) Normalize() LadderKey {
	if k.Tier == "" {
		k.Tier = TierUnspecified
	}
	if k.RegionID == "" {
		k.RegionID = RegionGlobal
	}
	return k
}

// AgeBand is one labelled bracket of a ladder's age policy.
type AgeBand struct {
	MinAge *int `json:"min_age,omitempty"`
	MaxAge *int `json:"max_age,omitempty"`
}

// AgePolicy drives leaderboard age filters; it never affects rating math.
type AgePolicy struct {
	CutoffDate time.Time          `json:"cutoff_date"`
	AgeBands   map[string]AgeBand `json:"age_bands"`
}

func (p *AgePolicy) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into AgePolicy", value)
	}
	return json.Unmarshal(bytes, p)
}

func (p AgePolicy) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Ladder is created lazily the first time an ingestion touches its key and
// never deleted while matches reference it.
type Ladder struct {
	ID             string     `gorm:"primaryKey;type:uuid" json:"ladder_id"`
	OrganizationID string     `gorm:"index:idx_ladders_key,unique;not null;type:uuid" json:"organization_id"`
	Sport          string     `gorm:"index:idx_ladders_key,unique;not null" json:"sport"`
	Discipline     string     `gorm:"index:idx_ladders_key,unique;not null" json:"discipline"`
	Format         string     `gorm:"index:idx_ladders_key,unique;not null" json:"format"`
	Tier           string     `gorm:"index:idx_ladders_key,unique;not null;default:UNSPECIFIED" json:"tier"`
	RegionID       string     `gorm:"index:idx_ladders_key,unique;not null;default:GLOBAL" json:"region_id"`
	AgePolicy      *AgePolicy `gorm:"type:jsonb" json:"age_policy,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Ladder) TableName() string {
	return "rating_ladders"
}

func (l *Ladder) Key() LadderKey {
	return LadderKey{
		OrganizationID: l.OrganizationID,
		Sport:          l.Sport,
		Discipline:     l.Discipline,
		Format:         l.Format,
		Tier:           l.Tier,
		RegionID:       l.RegionID,
	}
}
