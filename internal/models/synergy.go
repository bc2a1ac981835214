package models

import (
	"sort"
	"strings"
	"time"
)

// PairKey joins two player ids in sorted order so (a,b) and (b,a) address
// the same synergy row.
func PairKey(playerA, playerB string) string {
	ids := []string{playerA, playerB}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// PairSynergy tracks the additive adjustment γ for a recurring doubles
// pair on one ladder. MatchesCount counts only completed doubles matches
// with exactly that pair on one side.
type PairSynergy struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	LadderID     string    `gorm:"index:idx_pair_synergies_key,unique;not null;type:uuid" json:"ladder_id"`
	PairKey      string    `gorm:"index:idx_pair_synergies_key,unique;not null" json:"pair_key"`
	Gamma        float64   `gorm:"not null;default:0" json:"gamma"`
	MatchesCount int       `gorm:"not null;default:0" json:"matches_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (PairSynergy) TableName() string {
	return "pair_synergies"
}

// PairSynergyHistory is the γ analogue of RatingEvent.
type PairSynergyHistory struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	OrganizationID string    `gorm:"index;not null;type:uuid" json:"organization_id"`
	LadderID       string    `gorm:"index:idx_pair_history_ladder_start;not null;type:uuid" json:"ladder_id"`
	PairKey        string    `gorm:"index;not null" json:"pair_key"`
	MatchID        string    `gorm:"index;not null;type:uuid" json:"match_id"`
	MatchStartTime time.Time `gorm:"index:idx_pair_history_ladder_start;not null" json:"match_start_time"`
	AppliedAt      time.Time `gorm:"not null" json:"applied_at"`
	GammaBefore    float64   `gorm:"not null" json:"gamma_before"`
	GammaAfter     float64   `gorm:"not null" json:"gamma_after"`
	Delta          float64   `gorm:"not null" json:"delta"`
	MatchesBefore  int       `gorm:"not null" json:"matches_before"`
	MatchesAfter   int       `gorm:"not null" json:"matches_after"`
	Activated      bool      `gorm:"not null" json:"activated"`
	CreatedAt      time.Time `json:"created_at"`
}

func (PairSynergyHistory) TableName() string {
	return "pair_synergy_history"
}
