package insights

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrating/openrating/internal/formats"
	"github.com/openrating/openrating/internal/ingest"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
)

type insightFixture struct {
	store       *store.MemStore
	coordinator *ingest.Coordinator
	builder     *Builder
	org         *models.Organization
	a, b        *models.Player
	now         time.Time
}

func newInsightFixture(t *testing.T) *insightFixture {
	t.Helper()
	s := store.NewMemStore()
	params := rating.DefaultParams()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	f := &insightFixture{
		store: s,
		coordinator: ingest.NewCoordinator(s, formats.NewRegistry(params), params,
			ingest.AllowAll{}, services.NewCacheService(nil), time.Hour, logger),
		builder: NewBuilder(s, logger),
		now:     time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.builder.now = func() time.Time { return f.now }

	f.org = &models.Organization{Slug: "club", Name: "Club"}
	require.NoError(t, s.CreateOrganization(context.Background(), f.org))
	f.a = &models.Player{OrganizationID: f.org.ID, DisplayName: "A"}
	f.b = &models.Player{OrganizationID: f.org.ID, DisplayName: "B"}
	require.NoError(t, s.CreatePlayer(context.Background(), f.a))
	require.NoError(t, s.CreatePlayer(context.Background(), f.b))
	return f
}

// ingestMatch records one singles match; aWins controls the winner.
func (f *insightFixture) ingestMatch(t *testing.T, start time.Time, aWins bool) {
	t.Helper()
	games := []formats.SubmissionGame{{GameNo: 1, A: 21, B: 15}, {GameNo: 2, A: 21, B: 12}}
	if !aWins {
		games = []formats.SubmissionGame{{GameNo: 1, A: 15, B: 21}, {GameNo: 2, A: 12, B: 21}}
	}
	_, err := f.coordinator.RecordMatch(context.Background(), ingest.RecordRequest{
		Submission: &formats.Submission{
			ProviderID:     "demo",
			OrganizationID: f.org.ID,
			Sport:          models.SportBadminton,
			Discipline:     models.DisciplineSingles,
			Format:         formats.FormatBO3Rally21,
			StartTime:      start,
			Sides: map[string]formats.SubmissionSide{
				"A": {Players: []string{f.a.ID}},
				"B": {Players: []string{f.b.ID}},
			},
			Games: games,
		},
	})
	require.NoError(t, err)
}

func (f *insightFixture) decodeSnapshot(t *testing.T, row *models.InsightSnapshot) Snapshot {
	t.Helper()
	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(row.Snapshot, &snapshot))
	return snapshot
}

func TestBuildSnapshotBasics(t *testing.T) {
	f := newInsightFixture(t)
	ctx := context.Background()

	// Two wins then a loss for A, spread over three days.
	f.ingestMatch(t, f.now.AddDate(0, 0, -3), true)
	f.ingestMatch(t, f.now.AddDate(0, 0, -2), true)
	f.ingestMatch(t, f.now.AddDate(0, 0, -1), false)

	row, changed, err := f.builder.BuildSnapshot(ctx, f.org.ID, f.a.ID, models.SportBadminton, models.DisciplineSingles)
	require.NoError(t, err)
	require.True(t, changed)
	require.NotEmpty(t, row.Digest)
	assert.Equal(t, `"`+row.Digest+`"`, row.ETag)

	snapshot := f.decodeSnapshot(t, row)
	assert.Len(t, snapshot.RatingTrend.Daily, 3)
	assert.Equal(t, 3, snapshot.Milestones.TotalMatches)
	assert.Greater(t, snapshot.RatingTrend.LifetimeHigh, snapshot.RatingTrend.LifetimeLow)

	// Streak: W W L.
	assert.Equal(t, -1, snapshot.Streaks.Current)
	assert.Equal(t, 2, snapshot.Streaks.LongestWin)
	assert.Equal(t, 1, snapshot.Streaks.LongestLoss)

	// 7-day window covers everything.
	require.Len(t, snapshot.FormSummary, 4)
	week := snapshot.FormSummary[0]
	assert.Equal(t, 7, week.WindowDays)
	assert.Equal(t, 3, week.Matches)
	assert.Equal(t, 2, week.Wins)
	assert.Equal(t, 1, week.Losses)
	assert.NotNil(t, week.LastEventAt)
	assert.Greater(t, week.AvgOpponentMu, 0.0)

	assert.Equal(t, 1, snapshot.Volatility.InactivityDays)
	require.Len(t, snapshot.DisciplineOverview, 1)
	overview := snapshot.DisciplineOverview[0]
	assert.Equal(t, models.DisciplineSingles, overview.Discipline)
	assert.Equal(t, 3, overview.Matches)
	assert.GreaterOrEqual(t, overview.BestRank, 1)
	assert.LessOrEqual(t, overview.BestRank, overview.CurrentRank)
}

func TestBuildSnapshotIdempotentDigest(t *testing.T) {
	f := newInsightFixture(t)
	ctx := context.Background()

	f.ingestMatch(t, f.now.AddDate(0, 0, -1), true)

	first, changed, err := f.builder.BuildSnapshot(ctx, f.org.ID, f.a.ID, models.SportBadminton, models.DisciplineSingles)
	require.NoError(t, err)
	require.True(t, changed)

	// No new history: rebuild must not write.
	second, changed, err := f.builder.BuildSnapshot(ctx, f.org.ID, f.a.ID, models.SportBadminton, models.DisciplineSingles)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.Digest, second.Digest)

	// New history changes the digest.
	f.ingestMatch(t, f.now.Add(-time.Hour), false)
	third, changed, err := f.builder.BuildSnapshot(ctx, f.org.ID, f.a.ID, models.SportBadminton, models.DisciplineSingles)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, first.Digest, third.Digest)
}

func TestBuildSnapshotEmptyHistory(t *testing.T) {
	f := newInsightFixture(t)

	row, changed, err := f.builder.BuildSnapshot(context.Background(), f.org.ID, f.a.ID, models.SportBadminton, models.DisciplineSingles)
	require.NoError(t, err)
	assert.True(t, changed)

	snapshot := f.decodeSnapshot(t, row)
	assert.Zero(t, snapshot.Milestones.TotalMatches)
	assert.Empty(t, snapshot.RatingTrend.Daily)
	assert.Nil(t, snapshot.Milestones.FirstMatchAt)
}

func TestRefreshHandler(t *testing.T) {
	f := newInsightFixture(t)
	ctx := context.Background()
	f.ingestMatch(t, f.now.AddDate(0, 0, -1), true)

	handler := RefreshHandler(f.builder)

	payload, err := json.Marshal(RefreshPayload{
		OrganizationID: f.org.ID,
		PlayerID:       f.a.ID,
		Sport:          models.SportBadminton,
		Discipline:     models.DisciplineSingles,
	})
	require.NoError(t, err)
	require.NoError(t, handler(ctx, &models.Job{Payload: payload}))

	row, err := f.store.GetInsightSnapshot(ctx, f.org.ID, f.a.ID, models.SportBadminton, models.DisciplineSingles)
	require.NoError(t, err)
	assert.NotEmpty(t, row.Digest)

	// Garbage payload is a permanent failure.
	err = handler(ctx, &models.Job{Payload: []byte("{")})
	require.Error(t, err)
}
