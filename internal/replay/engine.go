package replay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
)

// Engine rewinds a ladder to just before its earliest out-of-order match
// and re-applies every match from there in chronological order. After a
// successful pass the ladder state is identical to what in-order ingestion
// would have produced.
type Engine struct {
	store  store.Store
	params rating.Params
	cache  *services.CacheService
	logger *logrus.Logger
}

func NewEngine(s store.Store, params rating.Params, cache *services.CacheService, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{store: s, params: params, cache: cache, logger: logger}
}

// Report describes one replay pass over one ladder.
type Report struct {
	LadderID         string     `json:"ladder_id"`
	MatchesProcessed int        `json:"matches_processed"`
	PlayersTouched   int        `json:"players_touched"`
	PairUpdates      int        `json:"pair_updates"`
	ReplayFrom       *time.Time `json:"replay_from,omitempty"`
	ReplayTo         *time.Time `json:"replay_to,omitempty"`
	DryRun           bool       `json:"dry_run"`
}

// ProcessQueue runs (or, with dryRun, previews) a replay for every queued
// ladder. Queue entries are only cleared by a successful non-dry pass.
func (e *Engine) ProcessQueue(ctx context.Context, dryRun bool) ([]Report, error) {
	entries, err := e.store.ListReplayEntries(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(entries))
	for _, entry := range entries {
		report, err := e.ReplayLadder(ctx, entry.LadderID, nil, dryRun)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

// ReplayLadder replays one ladder from the given time, or from the queued
// earliest_start_time when from is nil. With dryRun the chronological walk
// happens without any writes and the queue entry stays.
func (e *Engine) ReplayLadder(ctx context.Context, ladderID string, from *time.Time, dryRun bool) (*Report, error) {
	t0 := from
	if t0 == nil {
		entry, err := e.store.GetReplayEntry(ctx, ladderID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return &Report{LadderID: ladderID, DryRun: dryRun}, nil
		}
		t := entry.EarliestStartTime
		t0 = &t
	}

	if dryRun {
		return e.preview(ctx, ladderID, *t0)
	}

	var report *Report
	err := e.store.Atomically(ctx, func(tx store.Store) error {
		var err error
		report, err = e.replay(ctx, tx, ladderID, *t0)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := e.cache.InvalidateLeaderboard(ctx, ladderID); err != nil {
		e.logger.WithError(err).Warn("leaderboard cache invalidation failed after replay")
	}
	e.logger.WithFields(logrus.Fields{
		"ladder_id":         ladderID,
		"replay_from":       t0,
		"matches_processed": report.MatchesProcessed,
		"players_touched":   report.PlayersTouched,
	}).Info("ladder replay complete")
	return report, nil
}

func (e *Engine) preview(ctx context.Context, ladderID string, t0 time.Time) (*Report, error) {
	matches, err := e.store.ListMatchesFrom(ctx, ladderID, t0)
	if err != nil {
		return nil, err
	}
	report := &Report{LadderID: ladderID, DryRun: true}
	players := map[string]bool{}
	for i := range matches {
		m := &matches[i]
		report.MatchesProcessed++
		last := m.StartTime
		report.ReplayTo = &last
		if m.RatingStatus != models.RatingStatusRated {
			continue
		}
		for _, id := range m.Participants() {
			players[id] = true
		}
		report.PairUpdates += len(sidePairs(m))
	}
	report.PlayersTouched = len(players)
	if report.MatchesProcessed > 0 {
		report.ReplayFrom = &t0
	}
	return report, nil
}

func (e *Engine) replay(ctx context.Context, tx store.Store, ladderID string, t0 time.Time) (*Report, error) {
	matches, err := tx.ListMatchesFrom(ctx, ladderID, t0)
	if err != nil {
		return nil, err
	}

	// Work out who the window touches. Rating events partition by match,
	// so one pass over the affected matches closes the set.
	playerIDs, err := tx.PlayersWithEventsFrom(ctx, ladderID, t0)
	if err != nil {
		return nil, err
	}
	pairKeys, err := tx.PairKeysWithHistoryFrom(ctx, ladderID, t0)
	if err != nil {
		return nil, err
	}

	report := &Report{LadderID: ladderID}
	if len(playerIDs) == 0 && len(matches) == 0 {
		// Nothing recorded in the window; just clear the queue entry.
		return report, tx.DeleteReplayEntry(ctx, ladderID)
	}

	// Participation counts in the window, used to rewind matches_count.
	playerWindowMatches := map[string]int{}
	pairWindowMatches := map[string]int{}
	for i := range matches {
		m := &matches[i]
		if m.RatingStatus != models.RatingStatusRated {
			continue
		}
		for _, id := range m.Participants() {
			playerWindowMatches[id]++
		}
		for _, key := range sidePairs(m) {
			pairWindowMatches[key]++
		}
	}

	// Lock and rewind player rows to their state just before t0.
	ratings, err := tx.GetRatingsForUpdate(ctx, ladderID, playerIDs, e.params.BaseMu, e.params.BaseSigma)
	if err != nil {
		return nil, err
	}
	for _, playerID := range playerIDs {
		row := ratings[playerID]
		prior, err := tx.LatestEventBefore(ctx, ladderID, playerID, t0)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			row.Mu = prior.MuAfter
			row.Sigma = prior.SigmaAfter
		} else {
			row.Mu = e.params.BaseMu
			row.Sigma = e.params.BaseSigma
		}
		row.MatchesCount -= playerWindowMatches[playerID]
		if row.MatchesCount < 0 {
			row.MatchesCount = 0
		}
	}

	synergies := map[string]*models.PairSynergy{}
	if len(pairKeys) > 0 {
		synergies, err = tx.GetPairSynergiesForUpdate(ctx, ladderID, pairKeys)
		if err != nil {
			return nil, err
		}
		for _, key := range pairKeys {
			row := synergies[key]
			prior, err := tx.LatestPairHistoryBefore(ctx, ladderID, key, t0)
			if err != nil {
				return nil, err
			}
			if prior != nil {
				row.Gamma = prior.GammaAfter
			} else {
				row.Gamma = 0
			}
			row.MatchesCount -= pairWindowMatches[key]
			if row.MatchesCount < 0 {
				row.MatchesCount = 0
			}
		}
	}

	// Drop the history we are about to rewrite.
	if err := tx.DeleteRatingEventsFrom(ctx, ladderID, t0); err != nil {
		return nil, err
	}
	if err := tx.DeletePairHistoryFrom(ctx, ladderID, t0); err != nil {
		return nil, err
	}

	ladder, err := tx.GetLadder(ctx, ladderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	playersTouched := map[string]bool{}
	for i := range matches {
		m := &matches[i]
		report.MatchesProcessed++
		last := m.StartTime
		report.ReplayTo = &last
		if m.RatingStatus != models.RatingStatusRated {
			continue
		}

		// Distinct applied_at per match keeps the per-player event order
		// total even inside one replay transaction.
		appliedAt := now.Add(time.Duration(i) * time.Microsecond)
		if err := e.applyMatch(ctx, tx, ladder, m, ratings, synergies, appliedAt, report); err != nil {
			return nil, err
		}
		for _, id := range m.Participants() {
			playersTouched[id] = true
		}
	}
	report.PlayersTouched = len(playersTouched)
	if report.MatchesProcessed > 0 {
		report.ReplayFrom = &t0
	}

	return report, tx.DeleteReplayEntry(ctx, ladderID)
}

func (e *Engine) applyMatch(ctx context.Context, tx store.Store, ladder *models.Ladder, m *models.Match,
	ratings map[string]*models.PlayerRating, synergies map[string]*models.PairSynergy,
	appliedAt time.Time, report *Report) error {

	input := rating.UpdateInput{
		Format:     m.Format,
		WinnerSide: m.WinnerSide,
		MovWeight:  m.MovWeight,
		SideA:      snapshotSide(m.SidePlayers(models.SideA), ratings),
		SideB:      snapshotSide(m.SidePlayers(models.SideB), ratings),
	}
	pairs := sidePairs(m)
	if len(pairs) > 0 {
		input.Pairs = make(map[string]rating.PairSnapshot, len(pairs))
		for _, key := range pairs {
			row := synergies[key]
			input.Pairs[key] = rating.PairSnapshot{PairKey: key, Gamma: row.Gamma, Matches: row.MatchesCount}
		}
	}
	updated := e.params.Update(input)

	events := make([]models.RatingEvent, 0, len(updated.PerPlayer))
	for _, pu := range updated.PerPlayer {
		row := ratings[pu.PlayerID]
		row.Mu = pu.MuAfter
		row.Sigma = pu.SigmaAfter
		row.MatchesCount++
		if err := tx.SavePlayerRating(ctx, row); err != nil {
			return err
		}
		events = append(events, models.RatingEvent{
			ID:             uuid.NewString(),
			OrganizationID: ladder.OrganizationID,
			PlayerID:       pu.PlayerID,
			LadderID:       ladder.ID,
			MatchID:        m.ID,
			MatchStartTime: m.StartTime,
			AppliedAt:      appliedAt,
			MuBefore:       pu.MuBefore,
			MuAfter:        pu.MuAfter,
			Delta:          pu.Delta,
			SigmaBefore:    pu.SigmaBefore,
			SigmaAfter:     pu.SigmaAfter,
			WinProbPre:     pu.WinProbPre,
			MovWeight:      m.MovWeight,
		})
	}
	if err := tx.InsertRatingEvents(ctx, events); err != nil {
		return err
	}

	if len(updated.PairUpdates) > 0 {
		history := make([]models.PairSynergyHistory, 0, len(updated.PairUpdates))
		for _, pu := range updated.PairUpdates {
			row := synergies[pu.PairKey]
			row.Gamma = pu.GammaAfter
			row.MatchesCount = pu.MatchesAfter
			if err := tx.SavePairSynergy(ctx, row); err != nil {
				return err
			}
			history = append(history, models.PairSynergyHistory{
				ID:             uuid.NewString(),
				OrganizationID: ladder.OrganizationID,
				LadderID:       ladder.ID,
				PairKey:        pu.PairKey,
				MatchID:        m.ID,
				MatchStartTime: m.StartTime,
				AppliedAt:      appliedAt,
				GammaBefore:    pu.GammaBefore,
				GammaAfter:     pu.GammaAfter,
				Delta:          pu.Delta,
				MatchesBefore:  pu.MatchesBefore,
				MatchesAfter:   pu.MatchesAfter,
				Activated:      pu.Activated,
			})
			report.PairUpdates++
		}
		if err := tx.InsertPairHistory(ctx, history); err != nil {
			return err
		}
	}
	return nil
}

func snapshotSide(playerIDs []string, ratings map[string]*models.PlayerRating) []rating.PlayerSnapshot {
	side := make([]rating.PlayerSnapshot, 0, len(playerIDs))
	for _, id := range playerIDs {
		row := ratings[id]
		side = append(side, rating.PlayerSnapshot{
			PlayerID: id,
			Mu:       row.Mu,
			Sigma:    row.Sigma,
			Matches:  row.MatchesCount,
		})
	}
	return side
}

// sidePairs lists the same-side pair keys of a doubles match.
func sidePairs(m *models.Match) []string {
	var keys []string
	for _, side := range []string{models.SideA, models.SideB} {
		players := m.SidePlayers(side)
		for i := 0; i < len(players); i++ {
			for j := i + 1; j < len(players); j++ {
				keys = append(keys, models.PairKey(players[i], players[j]))
			}
		}
	}
	return keys
}
