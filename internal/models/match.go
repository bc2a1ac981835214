package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RatingStatusRated   = "RATED"
	RatingStatusUnrated = "UNRATED"
	RatingStatusPending = "PENDING"

	SideA = "A"
	SideB = "B"
)

// Match is immutable in identity once written. Replay rewrites rating rows
// but never the match itself; PATCH may adjust start_time and location
// metadata, which routes through the replay queue.
type Match struct {
	ID               string         `gorm:"primaryKey;type:uuid" json:"match_id"`
	OrganizationID   string         `gorm:"index;not null;type:uuid" json:"organization_id"`
	LadderID         string         `gorm:"index:idx_matches_ladder_start;not null;type:uuid" json:"ladder_id"`
	ProviderID       string         `gorm:"index:idx_matches_provider_ref,unique" json:"provider_id"`
	ExternalRef      string         `gorm:"index:idx_matches_provider_ref,unique,where:external_ref <> ''" json:"external_ref,omitempty"`
	Sport            string         `gorm:"not null" json:"sport"`
	Discipline       string         `gorm:"not null" json:"discipline"`
	Format           string         `gorm:"not null" json:"format"`
	Tier             string         `gorm:"not null;default:UNSPECIFIED" json:"tier"`
	StartTime        time.Time      `gorm:"index:idx_matches_ladder_start;not null" json:"start_time"`
	VenueID          string         `json:"venue_id,omitempty"`
	RegionID         string         `json:"region_id,omitempty"`
	EventID          string         `gorm:"index" json:"event_id,omitempty"`
	CompetitionID    string         `json:"competition_id,omitempty"`
	WinnerSide       string         `json:"winner_side,omitempty"` // "A" or "B"; empty when unrated
	MovWeight        float64        `json:"mov_weight,omitempty"`
	RatingStatus     string         `gorm:"not null;default:RATED" json:"rating_status"`
	RatingSkipReason string         `json:"rating_skip_reason,omitempty"`
	RawPayload       datatypes.JSON `gorm:"type:jsonb" json:"raw_payload,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	Sides []MatchSide `gorm:"foreignKey:MatchID" json:"sides,omitempty"`
	Games []MatchGame `gorm:"foreignKey:MatchID" json:"games,omitempty"`
}

func (Match) TableName() string {
	return "matches"
}

type MatchSide struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID string `gorm:"index:idx_match_sides_match_side,unique;not null;type:uuid" json:"match_id"`
	Side    string `gorm:"index:idx_match_sides_match_side,unique;not null" json:"side"` // "A" or "B"

	Players []MatchSidePlayer `gorm:"foreignKey:SideID" json:"players,omitempty"`
}

func (MatchSide) TableName() string {
	return "match_sides"
}

type MatchSidePlayer struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	SideID   string `gorm:"index;not null;type:uuid" json:"side_id"`
	MatchID  string `gorm:"index;not null;type:uuid" json:"match_id"`
	PlayerID string `gorm:"index;not null;type:uuid" json:"player_id"`
	Position int    `gorm:"not null" json:"position"` // order within the side
}

func (MatchSidePlayer) TableName() string {
	return "match_side_players"
}

type MatchGame struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID string `gorm:"index:idx_match_games_match_no,unique;not null;type:uuid" json:"match_id"`
	GameNo  int    `gorm:"index:idx_match_games_match_no,unique;not null" json:"game_no"`
	ScoreA  int    `gorm:"not null" json:"a"`
	ScoreB  int    `gorm:"not null" json:"b"`
}

func (MatchGame) TableName() string {
	return "match_games"
}

// SidePlayers returns the ordered player ids on the given side.
func (m *Match) SidePlayers(side string) []string {
	for _, s := range m.Sides {
		if s.Side != side {
			continue
		}
		ids := make([]string, 0, len(s.Players))
		for _, p := range s.Players {
			ids = append(ids, p.PlayerID)
		}
		return ids
	}
	return nil
}

// Participants returns every player id on either side.
func (m *Match) Participants() []string {
	ids := make([]string, 0, 4)
	for _, s := range m.Sides {
		for _, p := range s.Players {
			ids = append(ids, p.PlayerID)
		}
	}
	return ids
}
