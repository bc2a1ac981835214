package models

import "time"

// PlayerRating is the current Bayesian posterior for one (player, ladder).
// A row exists iff the player has been touched on that ladder; it is
// created at base μ/σ on first ingestion.
type PlayerRating struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	LadderID     string    `gorm:"index:idx_player_ratings_key,unique;index:idx_player_ratings_leaderboard;not null;type:uuid" json:"ladder_id"`
	PlayerID     string    `gorm:"index:idx_player_ratings_key,unique;not null;type:uuid" json:"player_id"`
	Mu           float64   `gorm:"not null;index:idx_player_ratings_leaderboard,sort:desc" json:"mu"`
	Sigma        float64   `gorm:"not null" json:"sigma"`
	MatchesCount int       `gorm:"not null;default:0" json:"matches_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (PlayerRating) TableName() string {
	return "player_ratings"
}

// RatingEvent is the append-only audit row for one (match, player) rating
// transition. Replay deletes and rewrites these rows atomically for the
// affected ladder; outside replay they are immutable.
type RatingEvent struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"rating_event_id"`
	OrganizationID string    `gorm:"index;not null;type:uuid" json:"organization_id"`
	PlayerID       string    `gorm:"index:idx_rating_events_player_applied;not null;type:uuid" json:"player_id"`
	LadderID       string    `gorm:"index:idx_rating_events_player_applied;index:idx_rating_events_ladder_start;not null;type:uuid" json:"ladder_id"`
	MatchID        string    `gorm:"index;not null;type:uuid" json:"match_id"`
	MatchStartTime time.Time `gorm:"index:idx_rating_events_ladder_start;not null" json:"match_start_time"`
	AppliedAt      time.Time `gorm:"index:idx_rating_events_player_applied,sort:desc;not null" json:"applied_at"`
	MuBefore       float64   `gorm:"not null" json:"mu_before"`
	MuAfter        float64   `gorm:"not null" json:"mu_after"`
	Delta          float64   `gorm:"not null" json:"delta"`
	SigmaBefore    float64   `gorm:"not null" json:"sigma_before"`
	SigmaAfter     float64   `gorm:"not null" json:"sigma_after"`
	WinProbPre     float64   `gorm:"not null" json:"win_probability_pre"`
	MovWeight      float64   `gorm:"not null" json:"mov_weight"`
	CreatedAt      time.Time `json:"created_at"`
}

func (RatingEvent) TableName() string {
	return "player_rating_history"
}
