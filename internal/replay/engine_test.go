package replay

import (
	"context"
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

type ladderFixture struct {
	store       *store.MemStore
	coordinator *ingest.Coordinator
	engine      *Engine
	org         *models.Organization
	players     map[string]*models.Player
}

func newLadderFixture(t *testing.T, slug string) *ladderFixture {
	t.Helper()
	s := store.NewMemStore()
	params := rating.DefaultParams()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cache := services.NewCacheService(nil)

	f := &ladderFixture{
		store:       s,
		coordinator: ingest.NewCoordinator(s, formats.NewRegistry(params), params, ingest.AllowAll{}, cache, time.Hour, logger),
		engine:      NewEngine(s, params, cache, logger),
		players:     map[string]*models.Player{},
	}
	f.org = &models.Organization{Slug: slug, Name: slug}
	require.NoError(t, s.CreateOrganization(context.Background(), f.org))
	for _, name := range []string{"a1", "a2", "b1", "b2"} {
		p := &models.Player{OrganizationID: f.org.ID, DisplayName: name}
		require.NoError(t, s.CreatePlayer(context.Background(), p))
		f.players[name] = p
	}
	return f
}

func (f *ladderFixture) ingestSingles(t *testing.T, start time.Time, games []formats.SubmissionGame) *ingest.RecordResult {
	t.Helper()
	result, err := f.coordinator.RecordMatch(context.Background(), ingest.RecordRequest{
		Submission: &formats.Submission{
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
			Games: games,
		},
	})
	require.NoError(t, err)
	return result
}

func (f *ladderFixture) ladderID(t *testing.T) string {
	t.Helper()
	ladder, err := f.store.FindLadder(context.Background(), models.LadderKey{
		OrganizationID: f.org.ID,
		Sport:          models.SportBadminton,
		Discipline:     models.DisciplineSingles,
		Format:         formats.FormatBO3Rally21,
	})
	require.NoError(t, err)
	return ladder.ID
}

// Three distinct score lines so each match moves ratings differently.
func gamesVariant(i int) []formats.SubmissionGame {
	variants := [][]formats.SubmissionGame{
		{{GameNo: 1, A: 21, B: 10}, {GameNo: 2, A: 21, B: 12}},
		{{GameNo: 1, A: 21, B: 19}, {GameNo: 2, A: 18, B: 21}, {GameNo: 3, A: 21, B: 17}},
		{{GameNo: 1, A: 15, B: 21}, {GameNo: 2, A: 12, B: 21}},
	}
	return variants[i%len(variants)]
}

func TestDryRunReportsWithoutClearingQueue(t *testing.T) {
	f := newLadderFixture(t, "club")
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)
	t3 := t1.Add(48 * time.Hour)

	// Out of order: t2, t3, then t1.
	f.ingestSingles(t, t2, gamesVariant(0))
	f.ingestSingles(t, t3, gamesVariant(1))
	f.ingestSingles(t, t1, gamesVariant(2))

	reports, err := f.engine.ProcessQueue(ctx, true)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	assert.Equal(t, f.ladderID(t), report.LadderID)
	assert.Equal(t, 3, report.MatchesProcessed)
	assert.Equal(t, 2, report.PlayersTouched)
	assert.True(t, report.DryRun)
	require.NotNil(t, report.ReplayFrom)
	assert.True(t, report.ReplayFrom.Equal(t1))
	require.NotNil(t, report.ReplayTo)
	assert.True(t, report.ReplayTo.Equal(t3))

	// Dry run leaves the queue in place.
	entry, err := f.store.GetReplayEntry(ctx, report.LadderID)
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestReplayMatchesChronologicalIngestion(t *testing.T) {
	ctx := context.Background()

	outOfOrder := newLadderFixture(t, "shuffled")
	chronological := newLadderFixture(t, "ordered")

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{t1, t1.Add(24 * time.Hour), t1.Add(48 * time.Hour)}

	// Permuted on one ladder, in order on the other.
	for _, i := range []int{1, 2, 0} {
		outOfOrder.ingestSingles(t, times[i], gamesVariant(i))
	}
	for _, i := range []int{0, 1, 2} {
		chronological.ingestSingles(t, times[i], gamesVariant(i))
	}

	reports, err := outOfOrder.engine.ProcessQueue(ctx, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 3, reports[0].MatchesProcessed)

	shuffledLadder := outOfOrder.ladderID(t)
	orderedLadder := chronological.ladderID(t)
	for _, name := range []string{"a1", "b1"} {
		got, err := outOfOrder.store.GetPlayerRating(ctx, shuffledLadder, outOfOrder.players[name].ID)
		require.NoError(t, err)
		want, err := chronological.store.GetPlayerRating(ctx, orderedLadder, chronological.players[name].ID)
		require.NoError(t, err)

		assert.InDelta(t, want.Mu, got.Mu, 1e-6, "mu mismatch for %s", name)
		assert.InDelta(t, want.Sigma, got.Sigma, 1e-6, "sigma mismatch for %s", name)
		assert.Equal(t, want.MatchesCount, got.MatchesCount)
	}

	// Queue cleared; a subsequent dry run reports nothing.
	entry, err := outOfOrder.store.GetReplayEntry(ctx, shuffledLadder)
	require.NoError(t, err)
	assert.Nil(t, entry)
	reports, err = outOfOrder.engine.ProcessQueue(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newLadderFixture(t, "club")
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.ingestSingles(t, t1.Add(24*time.Hour), gamesVariant(0))
	f.ingestSingles(t, t1, gamesVariant(1))

	_, err := f.engine.ProcessQueue(ctx, false)
	require.NoError(t, err)

	ladderID := f.ladderID(t)
	first, err := f.store.GetPlayerRating(ctx, ladderID, f.players["a1"].ID)
	require.NoError(t, err)

	// Forcing a second replay over the same window must not move state.
	from := t1
	report, err := f.engine.ReplayLadder(ctx, ladderID, &from, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.MatchesProcessed)

	second, err := f.store.GetPlayerRating(ctx, ladderID, f.players["a1"].ID)
	require.NoError(t, err)
	assert.InDelta(t, first.Mu, second.Mu, 1e-9)
	assert.InDelta(t, first.Sigma, second.Sigma, 1e-9)
	assert.Equal(t, first.MatchesCount, second.MatchesCount)
}

func TestReplayRebuildsHistoryWindow(t *testing.T) {
	f := newLadderFixture(t, "club")
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	early := f.ingestSingles(t, t1, gamesVariant(0))
	late := f.ingestSingles(t, t1.Add(48*time.Hour), gamesVariant(1))
	mid := f.ingestSingles(t, t1.Add(24*time.Hour), gamesVariant(2))

	_, err := f.engine.ProcessQueue(ctx, false)
	require.NoError(t, err)

	// The pre-window event survives untouched; the window was rewritten
	// and still carries one event per participant per match.
	events, _, err := f.store.ListRatingEvents(ctx, store.RatingEventFilter{
		OrganizationID: f.org.ID, Limit: 50,
	})
	require.NoError(t, err)
	assert.Len(t, events, 6)

	perMatch := map[string]int{}
	for _, e := range events {
		perMatch[e.MatchID]++
	}
	for _, id := range []string{early.MatchID, mid.MatchID, late.MatchID} {
		assert.Equal(t, 2, perMatch[id], "match %s must keep exactly one event per participant", id)
	}
}

func TestReplayDoublesRestoresSynergy(t *testing.T) {
	f := newLadderFixture(t, "club")
	ctx := context.Background()

	doubles := func(start time.Time) {
		_, err := f.coordinator.RecordMatch(ctx, ingest.RecordRequest{
			Submission: &formats.Submission{
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
				Games: gamesVariant(0),
			},
		})
		require.NoError(t, err)
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// Enough matches to push the pair past activation, with the second
	// submitted match arriving out of order.
	offsets := []int{1, 0, 2, 3, 4}
	for _, h := range offsets {
		doubles(base.Add(time.Duration(h) * time.Hour))
	}

	ladder, err := f.store.FindLadder(ctx, models.LadderKey{
		OrganizationID: f.org.ID,
		Sport:          models.SportBadminton,
		Discipline:     models.DisciplineDoubles,
		Format:         formats.FormatBO3Rally21,
	})
	require.NoError(t, err)

	before, err := f.store.GetPairSynergiesForUpdate(ctx, ladder.ID,
		[]string{models.PairKey(f.players["a1"].ID, f.players["a2"].ID)})
	require.NoError(t, err)
	pairKey := models.PairKey(f.players["a1"].ID, f.players["a2"].ID)

	_, err = f.engine.ProcessQueue(ctx, false)
	require.NoError(t, err)

	after, err := f.store.GetPairSynergiesForUpdate(ctx, ladder.ID, []string{pairKey})
	require.NoError(t, err)
	assert.Equal(t, len(offsets), after[pairKey].MatchesCount)
	// Same winner and scores every time, so the replayed gamma matches.
	assert.InDelta(t, before[pairKey].Gamma, after[pairKey].Gamma, 1e-9)
	assert.Greater(t, after[pairKey].Gamma, 0.0)
}
