package formats

import "time"

// Submission is the raw match body as posted by a provider. The normalizer
// turns it into a NormalizedMatch before anything touches rating state.
type Submission struct {
	ProviderID     string                    `json:"provider_id"`
	OrganizationID string                    `json:"organization_id"`
	Sport          string                    `json:"sport"`
	Discipline     string                    `json:"discipline"`
	Format         string                    `json:"format"`
	Tier           string                    `json:"tier,omitempty"`
	RegionID       string                    `json:"region_id,omitempty"`
	StartTime      time.Time                 `json:"start_time"`
	Sides          map[string]SubmissionSide `json:"sides"`
	Games          []SubmissionGame          `json:"games"`
	Winner         string                    `json:"winner,omitempty"` // explicit winner for scoreless archival records
	EventID        string                    `json:"event_id,omitempty"`
	CompetitionID  string                    `json:"competition_id,omitempty"`
	VenueID        string                    `json:"venue_id,omitempty"`
	ExternalRef    string                    `json:"external_ref,omitempty"`
}

type SubmissionSide struct {
	Players []string `json:"players"`
}

type SubmissionGame struct {
	GameNo int `json:"game_no"`
	A      int `json:"a"`
	B      int `json:"b"`
}

// NormalizedMatch is the strongly-typed value object the ingestion
// coordinator and rating updater operate on.
type NormalizedMatch struct {
	Sport      string
	Discipline string
	Format     string
	SideA      []string
	SideB      []string
	Games      []SubmissionGame // sorted by game_no
	Winner     string           // models.SideA or models.SideB; empty when unrated
	MovWeight  float64
	Rated      bool
	SkipReason string
}

// SkipReasonMissingScores marks archival records loaded without game
// scores; they persist but never move ratings.
const SkipReasonMissingScores = "MISSING_SCORES"
