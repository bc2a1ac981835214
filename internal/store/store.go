package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/pkg/utils"
)

// Store is the capability interface over all persisted rating state. Two
// implementations exist: the gorm/Postgres store used in production and an
// in-memory store used by tests. Both satisfy the same invariants.
type Store interface {
	// Atomically runs fn inside one transaction. All writes fn performs
	// become visible together or not at all. Nested calls reuse the
	// surrounding transaction.
	Atomically(ctx context.Context, fn func(tx Store) error) error

	// Organizations
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error)
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
	UpdateOrganization(ctx context.Context, org *models.Organization) error

	// Players
	CreatePlayer(ctx context.Context, player *models.Player) error
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
	GetPlayers(ctx context.Context, ids []string) ([]models.Player, error)
	ListPlayers(ctx context.Context, organizationID string, limit int, cursor string) ([]models.Player, string, error)

	// Ladders
	EnsureLadder(ctx context.Context, key models.LadderKey) (*models.Ladder, error)
	GetLadder(ctx context.Context, id string) (*models.Ladder, error)
	FindLadder(ctx context.Context, key models.LadderKey) (*models.Ladder, error)

	// Player ratings. GetRatingsForUpdate creates missing rows at
	// (baseMu, baseSigma, 0), locks every row in sorted player order and
	// returns them keyed by player id. Must run inside Atomically.
	GetRatingsForUpdate(ctx context.Context, ladderID string, playerIDs []string, baseMu, baseSigma float64) (map[string]*models.PlayerRating, error)
	GetPlayerRating(ctx context.Context, ladderID, playerID string) (*models.PlayerRating, error)
	SavePlayerRating(ctx context.Context, rating *models.PlayerRating) error
	// ListRatingsForPlayer returns the player's rating rows across every
	// ladder; RankForMu is the 1-based position (mu DESC, player_id ASC)
	// the given rating holds on one ladder. Both serve the insight builder.
	ListRatingsForPlayer(ctx context.Context, playerID string) ([]models.PlayerRating, error)
	RankForMu(ctx context.Context, ladderID string, mu float64, playerID string) (int, error)

	// Pair synergies. Same contract as GetRatingsForUpdate.
	GetPairSynergiesForUpdate(ctx context.Context, ladderID string, pairKeys []string) (map[string]*models.PairSynergy, error)
	SavePairSynergy(ctx context.Context, synergy *models.PairSynergy) error

	// Matches
	CreateMatch(ctx context.Context, match *models.Match) error
	GetMatch(ctx context.Context, id string) (*models.Match, error)
	UpdateMatch(ctx context.Context, match *models.Match) error
	ListMatches(ctx context.Context, filter MatchFilter) ([]models.Match, string, error)
	LatestStartTime(ctx context.Context, ladderID string) (*time.Time, error)
	ListMatchesFrom(ctx context.Context, ladderID string, from time.Time) ([]models.Match, error)

	// Rating events
	InsertRatingEvents(ctx context.Context, events []models.RatingEvent) error
	GetRatingEvent(ctx context.Context, id string) (*models.RatingEvent, error)
	ListRatingEvents(ctx context.Context, filter RatingEventFilter) ([]models.RatingEvent, string, error)
	LatestEventBefore(ctx context.Context, ladderID, playerID string, before time.Time) (*models.RatingEvent, error)
	LatestEventAsOf(ctx context.Context, ladderID, playerID string, asOf time.Time) (*models.RatingEvent, error)
	PlayersWithEventsFrom(ctx context.Context, ladderID string, from time.Time) ([]string, error)
	DeleteRatingEventsFrom(ctx context.Context, ladderID string, from time.Time) error

	// Pair synergy history
	InsertPairHistory(ctx context.Context, rows []models.PairSynergyHistory) error
	LatestPairHistoryBefore(ctx context.Context, ladderID, pairKey string, before time.Time) (*models.PairSynergyHistory, error)
	PairKeysWithHistoryFrom(ctx context.Context, ladderID string, from time.Time) ([]string, error)
	DeletePairHistoryFrom(ctx context.Context, ladderID string, from time.Time) error

	// Replay queue. UpsertReplayEntry keeps the minimum earliest_start_time
	// across calls; at most one entry per ladder.
	UpsertReplayEntry(ctx context.Context, ladderID string, earliest time.Time) error
	GetReplayEntry(ctx context.Context, ladderID string) (*models.ReplayQueueEntry, error)
	ListReplayEntries(ctx context.Context) ([]models.ReplayQueueEntry, error)
	DeleteReplayEntry(ctx context.Context, ladderID string) error

	// Jobs
	EnqueueJob(ctx context.Context, req EnqueueRequest) (*models.Job, bool, error)
	ClaimJobs(ctx context.Context, kinds []string, workerID string, batch int, now time.Time) ([]models.Job, error)
	CompleteJob(ctx context.Context, jobID, workerID string, outcome JobOutcome) error
	SweepExpiredJobs(ctx context.Context, visibilityTimeout time.Duration, now time.Time) (int, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// Insight snapshots
	UpsertInsightSnapshot(ctx context.Context, snapshot *models.InsightSnapshot) error
	GetInsightSnapshot(ctx context.Context, organizationID, playerID, sport, discipline string) (*models.InsightSnapshot, error)

	// Subjects and grants
	EnsureSubject(ctx context.Context, tokenSub, name string) (*models.Subject, error)
	CreateSubjectGrant(ctx context.Context, grant *models.SubjectGrant) error
	HasGrant(ctx context.Context, tokenSub, organizationID, sport, regionID string) (bool, error)

	// Leaderboard
	Leaderboard(ctx context.Context, query LeaderboardQuery) ([]LeaderboardEntry, *LeaderboardCursor, error)
}

// MatchFilter narrows ListMatches. Zero values mean "any".
type MatchFilter struct {
	OrganizationID string
	Sport          string
	PlayerID       string
	EventID        string
	StartAfter     *time.Time
	StartBefore    *time.Time
	Cursor         string
	Limit          int
}

// RatingEventFilter narrows ListRatingEvents.
type RatingEventFilter struct {
	OrganizationID string
	PlayerID       string
	LadderID       string
	MatchID        string
	Cursor         string
	Limit          int
}

// EnqueueRequest describes one job to enqueue. With Dedupe set, an
// outstanding job with the same (kind, scope_key) is reused and its run_at
// lowered if RunAt is earlier.
type EnqueueRequest struct {
	Kind     string
	ScopeKey string
	RunAt    time.Time
	Payload  []byte
	Dedupe   bool
}

// JobOutcome finishes one leased job. Success transitions to COMPLETED.
// Failure with RescheduleAt set re-queues; without it the job is FAILED.
type JobOutcome struct {
	Success      bool
	Error        string
	RescheduleAt *time.Time
}

// LeaderboardQuery selects one page of a ladder's standings ordered by
// (mu DESC, player_id ASC). Age bounds apply against AgeCutoff using the
// players' birth dates.
type LeaderboardQuery struct {
	LadderID  string
	AgeFrom   *int
	AgeTo     *int
	AgeCutoff time.Time
	Cursor    *LeaderboardCursor
	Limit     int
}

type LeaderboardEntry struct {
	Rank         int           `json:"rank"`
	Player       models.Player `json:"player"`
	Mu           float64       `json:"mu"`
	Sigma        float64       `json:"sigma"`
	MatchesCount int           `json:"matches_count"`
}

// LeaderboardCursor is the opaque page token: base64url of this JSON.
type LeaderboardCursor struct {
	Mu       float64 `json:"mu"`
	PlayerID string  `json:"player_id"`
	Rank     int     `json:"rank"`
}

func (c *LeaderboardCursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

func DecodeLeaderboardCursor(raw string) (*LeaderboardCursor, *utils.AppError) {
	if raw == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return nil, utils.ValidationError("malformed cursor")
	}
	var cursor LeaderboardCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, utils.ValidationError("malformed cursor")
	}
	return &cursor, nil
}

// timeCursor pages (start_time, id) ordered listings.
type timeCursor struct {
	Time time.Time `json:"t"`
	ID   string    `json:"id"`
}

func encodeTimeCursor(t time.Time, id string) string {
	data, _ := json.Marshal(timeCursor{Time: t, ID: id})
	return base64.URLEncoding.EncodeToString(data)
}

func decodeTimeCursor(raw string) (*timeCursor, *utils.AppError) {
	if raw == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return nil, utils.ValidationError("malformed cursor")
	}
	var cursor timeCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, utils.ValidationError("malformed cursor")
	}
	return &cursor, nil
}

// birthDateBounds converts an age window at a cutoff date into birth-date
// bounds: age >= from means born on or before cutoff-from years; age <= to
// means born after cutoff-(to+1) years.
func birthDateBounds(ageFrom, ageTo *int, cutoff time.Time) (latest, earliest *time.Time) {
	if ageFrom != nil {
		t := cutoff.AddDate(-*ageFrom, 0, 0)
		latest = &t
	}
	if ageTo != nil {
		t := cutoff.AddDate(-(*ageTo + 1), 0, 0)
		earliest = &t
	}
	return latest, earliest
}
