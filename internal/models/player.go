package models

import "time"

type Player struct {
	ID             string     `gorm:"primaryKey;type:uuid" json:"player_id"`
	OrganizationID string     `gorm:"index;not null;type:uuid;index:idx_players_external_ref,unique" json:"organization_id"`
	DisplayName    string     `gorm:"not null" json:"display_name"`
	GivenName      string     `json:"given_name,omitempty"`
	FamilyName     string     `json:"family_name,omitempty"`
	Sex            string     `json:"sex,omitempty"` // "M", "F" or "X"
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	BirthYear      int        `json:"birth_year,omitempty"` // derived from BirthDate when present
	CountryCode    string     `json:"country_code,omitempty"`
	RegionID       string     `json:"region_id,omitempty"`
	ProviderID     string     `gorm:"index:idx_players_external_ref,unique" json:"provider_id,omitempty"`
	ExternalRef    string     `gorm:"index:idx_players_external_ref,unique,where:external_ref <> ''" json:"external_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Player) TableName() string {
	return "players"
}

// Age returns the player's age in whole years at the cutoff date, or -1
// when no birth date is recorded. Leaderboard age filters use it.
func (p *Player) Age(cutoff time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	years := cutoff.Year() - p.BirthDate.Year()
	anniversary := p.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(cutoff) {
		years--
	}
	return years
}
