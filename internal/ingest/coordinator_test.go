package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrating/openrating/internal/formats"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

type fixture struct {
	store       *store.MemStore
	coordinator *Coordinator
	org         *models.Organization
	players     map[string]*models.Player
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemStore()
	params := rating.DefaultParams()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	coordinator := NewCoordinator(s, formats.NewRegistry(params), params,
		AllowAll{}, services.NewCacheService(nil), time.Hour, logger)

	org := &models.Organization{Slug: "metro", Name: "Metro League"}
	require.NoError(t, s.CreateOrganization(context.Background(), org))

	f := &fixture{store: s, coordinator: coordinator, org: org, players: map[string]*models.Player{}}
	for _, name := range []string{"a1", "a2", "b1", "b2"} {
		p := &models.Player{OrganizationID: org.ID, DisplayName: name}
		require.NoError(t, s.CreatePlayer(context.Background(), p))
		f.players[name] = p
	}
	return f
}

func (f *fixture) singles(start time.Time, winnerGames []formats.SubmissionGame) *formats.Submission {
	return &formats.Submission{
		ProviderID:     "demo",
		OrganizationID: f.org.ID,
		Sport:          models.SportBadminton,
		Discipline:     models.DisciplineSingles,
		Format:         formats.FormatBO3Rally21,
		StartTime:      start,
		Sides: map[string]formats.SubmissionSide{
			"A": {Players: []string{f.players["a1"].ID}},
			"B": {Players: []string{f.players["b1"].ID}},
		},
		Games: winnerGames,
	}
}

func standardGames() []formats.SubmissionGame {
	return []formats.SubmissionGame{
		{GameNo: 1, A: 21, B: 15},
		{GameNo: 2, A: 21, B: 18},
	}
}

func TestRecordMatchSinglesMovesRatings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.coordinator.RecordMatch(ctx, RecordRequest{
		Submission: f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames()),
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.MatchID)
	assert.Equal(t, models.RatingStatusRated, result.RatingStatus)
	require.Len(t, result.Ratings, 2)

	byPlayer := map[string]RatingLine{}
	for _, line := range result.Ratings {
		require.NotEmpty(t, line.RatingEventID)
		byPlayer[line.PlayerID] = line
	}
	winner := byPlayer[f.players["a1"].ID]
	loser := byPlayer[f.players["b1"].ID]
	assert.Greater(t, winner.MuAfter, winner.MuBefore)
	assert.Less(t, loser.MuAfter, loser.MuBefore)
	assert.InDelta(t, winner.Delta, -loser.Delta, 1e-9)
	assert.InDelta(t, winner.WinProbPre, 1-loser.WinProbPre, 1e-9)

	// Persisted rating row matches the latest event.
	match, err := f.store.GetMatch(ctx, result.MatchID)
	require.NoError(t, err)
	row, err := f.store.GetPlayerRating(ctx, match.LadderID, winner.PlayerID)
	require.NoError(t, err)
	assert.InDelta(t, winner.MuAfter, row.Mu, 1e-9)
	assert.Equal(t, 1, row.MatchesCount)

	// One rating event per participant.
	events, _, err := f.store.ListRatingEvents(ctx, store.RatingEventFilter{MatchID: result.MatchID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecordMatchResolvesOrganizationBySlug(t *testing.T) {
	f := newFixture(t)

	sub := f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames())
	sub.OrganizationID = "metro"
	result, err := f.coordinator.RecordMatch(context.Background(), RecordRequest{Submission: sub})
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, result.OrganizationID)
}

func TestRecordMatchUnknownOrganization(t *testing.T) {
	f := newFixture(t)

	sub := f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames())
	sub.OrganizationID = "nope"
	_, err := f.coordinator.RecordMatch(context.Background(), RecordRequest{Submission: sub})
	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, utils.ErrCodeInvalidOrg, appErr.Code)
}

func TestRecordMatchInvalidPlayers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &models.Organization{Slug: "other", Name: "Other"}
	require.NoError(t, f.store.CreateOrganization(ctx, other))
	foreign := &models.Player{OrganizationID: other.ID, DisplayName: "foreign"}
	require.NoError(t, f.store.CreatePlayer(ctx, foreign))

	sub := f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames())
	sub.Sides["A"] = formats.SubmissionSide{Players: []string{"ghost-id"}}
	sub.Sides["B"] = formats.SubmissionSide{Players: []string{foreign.ID}}

	_, err := f.coordinator.RecordMatch(ctx, RecordRequest{Submission: sub})
	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, utils.ErrCodeInvalidPlayers, appErr.Code)

	details, ok := appErr.Details.(map[string][]string)
	require.True(t, ok)
	assert.Equal(t, []string{"ghost-id"}, details["missing"])
	assert.Equal(t, []string{foreign.ID}, details["wrong_organization"])
}

func TestRecordMatchDeniedWithoutGrant(t *testing.T) {
	f := newFixture(t)
	f.coordinator.authorizer = NewGrantAuthorizer(f.store)

	_, err := f.coordinator.RecordMatch(context.Background(), RecordRequest{
		Submission: f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames()),
		TokenSub:   "auth0|nobody",
	})
	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, utils.ErrCodeInsufficientGrants, appErr.Code)
}

func TestRecordMatchGrantedSubjectPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coordinator.authorizer = NewGrantAuthorizer(f.store)

	subject, err := f.store.EnsureSubject(ctx, "auth0|writer", "writer")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateSubjectGrant(ctx, &models.SubjectGrant{
		SubjectID:      subject.ID,
		OrganizationID: f.org.ID,
	}))

	_, err = f.coordinator.RecordMatch(ctx, RecordRequest{
		Submission: f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames()),
		TokenSub:   "auth0|writer",
	})
	require.NoError(t, err)
}

func TestRecordMatchDuplicateExternalRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames())
	sub.ExternalRef = "prov-match-1"
	_, err := f.coordinator.RecordMatch(ctx, RecordRequest{Submission: sub})
	require.NoError(t, err)

	dup := f.singles(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), standardGames())
	dup.ExternalRef = "prov-match-1"
	_, err = f.coordinator.RecordMatch(ctx, RecordRequest{Submission: dup})
	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, utils.ErrCodeConflict, appErr.Code)

	// The failed submission must leave no rating events behind.
	events, _, err := f.store.ListRatingEvents(ctx, store.RatingEventFilter{OrganizationID: f.org.ID, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecordMatchUnratedWithoutScores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), nil)
	sub.Winner = "A"
	result, err := f.coordinator.RecordMatch(ctx, RecordRequest{Submission: sub})
	require.NoError(t, err)
	assert.Equal(t, models.RatingStatusUnrated, result.RatingStatus)
	assert.Empty(t, result.Ratings)

	match, err := f.store.GetMatch(ctx, result.MatchID)
	require.NoError(t, err)
	assert.Equal(t, models.RatingStatusUnrated, match.RatingStatus)
	assert.Equal(t, formats.SkipReasonMissingScores, match.RatingSkipReason)
	assert.Equal(t, models.SideA, match.WinnerSide)

	events, _, err := f.store.ListRatingEvents(ctx, store.RatingEventFilter{MatchID: result.MatchID, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordMatchOutOfOrderQueuesReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t2 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	t1 := t2.Add(-24 * time.Hour)

	later, err := f.coordinator.RecordMatch(ctx, RecordRequest{Submission: f.singles(t2, standardGames())})
	require.NoError(t, err)

	match, err := f.store.GetMatch(ctx, later.MatchID)
	require.NoError(t, err)
	entry, err := f.store.GetReplayEntry(ctx, match.LadderID)
	require.NoError(t, err)
	assert.Nil(t, entry, "in-order ingestion must not queue replay")

	_, err = f.coordinator.RecordMatch(ctx, RecordRequest{Submission: f.singles(t1, standardGames())})
	require.NoError(t, err)

	entry, err = f.store.GetReplayEntry(ctx, match.LadderID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.EarliestStartTime.Equal(t1))

	jobs, err := f.store.ClaimJobs(ctx, []string{models.JobKindReplay}, "w", 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, match.LadderID, jobs[0].ScopeKey)
}

func TestRecordMatchEnqueuesInsightRefreshPerParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.RecordMatch(ctx, RecordRequest{
		Submission: f.singles(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), standardGames()),
	})
	require.NoError(t, err)

	jobs, err := f.store.ClaimJobs(ctx, []string{models.JobKindInsightRefresh}, "w", 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	// Re-ingestion dedupes on the outstanding scope keys.
	_, err = f.coordinator.RecordMatch(ctx, RecordRequest{
		Submission: f.singles(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), standardGames()),
	})
	require.NoError(t, err)
	more, err := f.store.ClaimJobs(ctx, []string{models.JobKindInsightRefresh}, "w", 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, more, "claimed jobs still outstanding, dedupe must reuse them")
}

func TestRecordMatchDoublesSynergy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doubles := func(start time.Time) *formats.Submission {
		return &formats.Submission{
			ProviderID:     "demo",
			OrganizationID: f.org.ID,
			Sport:          models.SportBadminton,
			Discipline:     models.DisciplineDoubles,
			Format:         formats.FormatBO3Rally21,
			StartTime:      start,
			Sides: map[string]formats.SubmissionSide{
				"A": {Players: []string{f.players["a1"].ID, f.players["a2"].ID}},
				"B": {Players: []string{f.players["b1"].ID, f.players["b2"].ID}},
			},
			Games: standardGames(),
		}
	}

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	params := rating.DefaultParams()
	for i := 0; i <= params.SynergyActivation; i++ {
		result, err := f.coordinator.RecordMatch(ctx, RecordRequest{
			Submission: doubles(start.Add(time.Duration(i) * time.Hour)),
		})
		require.NoError(t, err)
		require.Len(t, result.Ratings, 4)
	}

	match, err := f.coordinator.store.FindLadder(ctx, models.LadderKey{
		OrganizationID: f.org.ID,
		Sport:          models.SportBadminton,
		Discipline:     models.DisciplineDoubles,
		Format:         formats.FormatBO3Rally21,
	})
	require.NoError(t, err)

	pairKey := models.PairKey(f.players["a1"].ID, f.players["a2"].ID)
	synergies, err := f.store.GetPairSynergiesForUpdate(ctx, match.ID, []string{pairKey})
	require.NoError(t, err)
	row := synergies[pairKey]
	assert.Equal(t, params.SynergyActivation+1, row.MatchesCount)
	assert.Greater(t, row.Gamma, 0.0, "winning pair past activation accrues positive synergy")
}
