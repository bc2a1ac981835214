package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/formats"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

// Coordinator owns match ingestion. One RecordMatch call runs the full
// pipeline: resolve tenant, normalize, authorize, validate players, lock
// rating rows, apply the updater and persist everything atomically.
type Coordinator struct {
	store          store.Store
	registry       *formats.Registry
	params         rating.Params
	authorizer     Authorizer
	cache          *services.CacheService
	idempotencyTTL time.Duration
	logger         *logrus.Logger
}

func NewCoordinator(s store.Store, registry *formats.Registry, params rating.Params,
	authorizer Authorizer, cache *services.CacheService, idempotencyTTL time.Duration,
	logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		store:          s,
		registry:       registry,
		params:         params,
		authorizer:     authorizer,
		cache:          cache,
		idempotencyTTL: idempotencyTTL,
		logger:         logger,
	}
}

// RecordRequest is one match submission plus its call context.
type RecordRequest struct {
	Submission     *formats.Submission
	TokenSub       string
	IdempotencyKey string
}

// RatingLine is the per-participant slice of the ingestion response.
type RatingLine struct {
	PlayerID      string  `json:"player_id"`
	RatingEventID string  `json:"rating_event_id"`
	MuBefore      float64 `json:"mu_before"`
	MuAfter       float64 `json:"mu_after"`
	Delta         float64 `json:"delta"`
	SigmaAfter    float64 `json:"sigma_after"`
	WinProbPre    float64 `json:"win_probability_pre"`
}

type RecordResult struct {
	MatchID        string       `json:"match_id"`
	OrganizationID string       `json:"organization_id"`
	EventID        string       `json:"event_id,omitempty"`
	RatingStatus   string       `json:"rating_status"`
	Ratings        []RatingLine `json:"ratings"`
	Replayed       bool         `json:"-"` // true when served from the idempotency cache
}

// RecordMatch ingests one match submission. Rated submissions move player
// ratings, append history rows and may schedule a replay when the match
// arrives out of chronological order. Unrated submissions persist for
// archival without touching rating state.
func (c *Coordinator) RecordMatch(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	sub := req.Submission

	if req.IdempotencyKey != "" {
		var cached RecordResult
		hit, err := c.cache.Get(ctx, services.IdempotencyCacheKey(sub.OrganizationID, req.IdempotencyKey), &cached)
		if err != nil {
			c.logger.WithError(err).Warn("idempotency cache read failed, proceeding without it")
		} else if hit {
			cached.Replayed = true
			return &cached, nil
		}
	}

	org, err := c.resolveOrganization(ctx, sub.OrganizationID)
	if err != nil {
		return nil, err
	}
	sub.OrganizationID = org.ID

	normalized, appErr := c.registry.Normalize(sub)
	if appErr != nil {
		return nil, appErr
	}

	if err := c.authorizer.Authorize(ctx, req.TokenSub, org.ID, normalized.Sport, sub.RegionID); err != nil {
		return nil, err
	}

	participants := append(append([]string{}, normalized.SideA...), normalized.SideB...)
	if err := c.validatePlayers(ctx, org.ID, participants); err != nil {
		return nil, err
	}

	ladder, err := c.store.EnsureLadder(ctx, models.LadderKey{
		OrganizationID: org.ID,
		Sport:          normalized.Sport,
		Discipline:     normalized.Discipline,
		Format:         normalized.Format,
		Tier:           sub.Tier,
		RegionID:       sub.RegionID,
	})
	if err != nil {
		return nil, err
	}

	var result *RecordResult
	err = c.store.Atomically(ctx, func(tx store.Store) error {
		if normalized.Rated {
			result, err = c.recordRated(ctx, tx, sub, normalized, ladder)
		} else {
			result, err = c.recordUnrated(ctx, tx, sub, normalized, ladder)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if normalized.Rated {
		c.afterRated(ctx, ladder, participants)
	}

	if req.IdempotencyKey != "" {
		key := services.IdempotencyCacheKey(org.ID, req.IdempotencyKey)
		if err := c.cache.Set(ctx, key, result, c.idempotencyTTL); err != nil {
			c.logger.WithError(err).Warn("idempotency cache write failed")
		}
	}
	return result, nil
}

func (c *Coordinator) resolveOrganization(ctx context.Context, idOrSlug string) (*models.Organization, error) {
	if idOrSlug == "" {
		return nil, utils.NewAppError(utils.ErrCodeInvalidOrg, "organization_id is required")
	}
	org, err := c.store.GetOrganization(ctx, idOrSlug)
	if err == nil {
		return org, nil
	}
	if appErr := utils.AsAppError(err); appErr.Code != utils.ErrCodeNotFound {
		return nil, err
	}
	org, err = c.store.GetOrganizationBySlug(ctx, idOrSlug)
	if err != nil {
		if appErr := utils.AsAppError(err); appErr.Code == utils.ErrCodeNotFound {
			return nil, utils.NewAppError(utils.ErrCodeInvalidOrg, "unknown organization")
		}
		return nil, err
	}
	return org, nil
}

func (c *Coordinator) validatePlayers(ctx context.Context, orgID string, participants []string) error {
	players, err := c.store.GetPlayers(ctx, participants)
	if err != nil {
		return err
	}
	byID := make(map[string]models.Player, len(players))
	for _, p := range players {
		byID[p.ID] = p
	}

	missing := []string{}
	wrongOrg := []string{}
	for _, id := range participants {
		p, ok := byID[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case p.OrganizationID != orgID:
			wrongOrg = append(wrongOrg, id)
		}
	}
	if len(missing) > 0 || len(wrongOrg) > 0 {
		return utils.NewAppError(utils.ErrCodeInvalidPlayers, "unknown or cross-tenant players",
			map[string][]string{"missing": missing, "wrong_organization": wrongOrg})
	}
	return nil
}

func (c *Coordinator) recordRated(ctx context.Context, tx store.Store, sub *formats.Submission,
	normalized *formats.NormalizedMatch, ladder *models.Ladder) (*RecordResult, error) {

	// Out-of-order detection reads the ladder high-water mark before this
	// match lands.
	latest, err := tx.LatestStartTime(ctx, ladder.ID)
	if err != nil {
		return nil, err
	}
	outOfOrder := latest != nil && sub.StartTime.Before(*latest)

	participants := append(append([]string{}, normalized.SideA...), normalized.SideB...)
	ratings, err := tx.GetRatingsForUpdate(ctx, ladder.ID, participants, c.params.BaseMu, c.params.BaseSigma)
	if err != nil {
		return nil, err
	}

	pairKeys := sidePairKeys(normalized)
	var synergies map[string]*models.PairSynergy
	if len(pairKeys) > 0 {
		synergies, err = tx.GetPairSynergiesForUpdate(ctx, ladder.ID, pairKeys)
		if err != nil {
			return nil, err
		}
	}

	input := rating.UpdateInput{
		Format:     normalized.Format,
		WinnerSide: normalized.Winner,
		MovWeight:  normalized.MovWeight,
		SideA:      snapshotSide(normalized.SideA, ratings),
		SideB:      snapshotSide(normalized.SideB, ratings),
	}
	if len(pairKeys) > 0 {
		input.Pairs = make(map[string]rating.PairSnapshot, len(pairKeys))
		for key, row := range synergies {
			input.Pairs[key] = rating.PairSnapshot{PairKey: key, Gamma: row.Gamma, Matches: row.MatchesCount}
		}
	}
	updated := c.params.Update(input)

	match, err := buildMatch(sub, normalized, ladder)
	if err != nil {
		return nil, err
	}
	if err := tx.CreateMatch(ctx, match); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lines := make([]RatingLine, 0, len(updated.PerPlayer))
	events := make([]models.RatingEvent, 0, len(updated.PerPlayer))
	for _, pu := range updated.PerPlayer {
		row := ratings[pu.PlayerID]
		row.Mu = pu.MuAfter
		row.Sigma = pu.SigmaAfter
		row.MatchesCount++
		if err := tx.SavePlayerRating(ctx, row); err != nil {
			return nil, err
		}

		event := models.RatingEvent{
			ID:             uuid.NewString(),
			OrganizationID: ladder.OrganizationID,
			PlayerID:       pu.PlayerID,
			LadderID:       ladder.ID,
			MatchID:        match.ID,
			MatchStartTime: match.StartTime,
			AppliedAt:      now,
			MuBefore:       pu.MuBefore,
			MuAfter:        pu.MuAfter,
			Delta:          pu.Delta,
			SigmaBefore:    pu.SigmaBefore,
			SigmaAfter:     pu.SigmaAfter,
			WinProbPre:     pu.WinProbPre,
			MovWeight:      normalized.MovWeight,
		}
		events = append(events, event)
		lines = append(lines, RatingLine{
			PlayerID:      pu.PlayerID,
			RatingEventID: event.ID,
			MuBefore:      pu.MuBefore,
			MuAfter:       pu.MuAfter,
			Delta:         pu.Delta,
			SigmaAfter:    pu.SigmaAfter,
			WinProbPre:    pu.WinProbPre,
		})
	}
	if err := tx.InsertRatingEvents(ctx, events); err != nil {
		return nil, err
	}

	if len(updated.PairUpdates) > 0 {
		history := make([]models.PairSynergyHistory, 0, len(updated.PairUpdates))
		for _, pu := range updated.PairUpdates {
			row := synergies[pu.PairKey]
			row.Gamma = pu.GammaAfter
			row.MatchesCount = pu.MatchesAfter
			if err := tx.SavePairSynergy(ctx, row); err != nil {
				return nil, err
			}
			history = append(history, models.PairSynergyHistory{
				ID:             uuid.NewString(),
				OrganizationID: ladder.OrganizationID,
				LadderID:       ladder.ID,
				PairKey:        pu.PairKey,
				MatchID:        match.ID,
				MatchStartTime: match.StartTime,
				AppliedAt:      now,
				GammaBefore:    pu.GammaBefore,
				GammaAfter:     pu.GammaAfter,
				Delta:          pu.Delta,
				MatchesBefore:  pu.MatchesBefore,
				MatchesAfter:   pu.MatchesAfter,
				Activated:      pu.Activated,
			})
		}
		if err := tx.InsertPairHistory(ctx, history); err != nil {
			return nil, err
		}
	}

	if outOfOrder {
		if err := tx.UpsertReplayEntry(ctx, ladder.ID, sub.StartTime); err != nil {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"ladder_id":  ladder.ID,
			"match_id":   match.ID,
			"start_time": sub.StartTime,
		}).Info("out-of-order match queued for replay")
	}

	return &RecordResult{
		MatchID:        match.ID,
		OrganizationID: ladder.OrganizationID,
		EventID:        sub.EventID,
		RatingStatus:   models.RatingStatusRated,
		Ratings:        lines,
	}, nil
}

func (c *Coordinator) recordUnrated(ctx context.Context, tx store.Store, sub *formats.Submission,
	normalized *formats.NormalizedMatch, ladder *models.Ladder) (*RecordResult, error) {

	match, err := buildMatch(sub, normalized, ladder)
	if err != nil {
		return nil, err
	}
	if err := tx.CreateMatch(ctx, match); err != nil {
		return nil, err
	}
	return &RecordResult{
		MatchID:        match.ID,
		OrganizationID: ladder.OrganizationID,
		EventID:        sub.EventID,
		RatingStatus:   models.RatingStatusUnrated,
		Ratings:        []RatingLine{},
	}, nil
}

// afterRated schedules the follow-up jobs a rated ingestion owes: a replay
// pass for the ladder when something is queued, and an insight refresh for
// every participant. Job writes are best-effort relative to the committed
// ingestion; at-least-once delivery covers a crash in between.
func (c *Coordinator) afterRated(ctx context.Context, ladder *models.Ladder, participants []string) {
	now := time.Now().UTC()

	entry, err := c.store.GetReplayEntry(ctx, ladder.ID)
	if err != nil {
		c.logger.WithError(err).Error("replay queue lookup failed")
	} else if entry != nil {
		if _, _, err := c.store.EnqueueJob(ctx, store.EnqueueRequest{
			Kind:     models.JobKindReplay,
			ScopeKey: ladder.ID,
			RunAt:    now,
			Dedupe:   true,
		}); err != nil {
			c.logger.WithError(err).Error("failed to enqueue replay job")
		}
	}

	for _, playerID := range participants {
		payload, _ := json.Marshal(map[string]string{
			"organization_id": ladder.OrganizationID,
			"player_id":       playerID,
			"sport":           ladder.Sport,
			"discipline":      ladder.Discipline,
		})
		scope := ladder.OrganizationID + ":" + playerID + ":" + ladder.Sport + ":" + ladder.Discipline
		if _, _, err := c.store.EnqueueJob(ctx, store.EnqueueRequest{
			Kind:     models.JobKindInsightRefresh,
			ScopeKey: scope,
			RunAt:    now,
			Payload:  payload,
			Dedupe:   true,
		}); err != nil {
			c.logger.WithError(err).Error("failed to enqueue insight refresh job")
		}
	}

	if err := c.cache.InvalidateLeaderboard(ctx, ladder.ID); err != nil {
		c.logger.WithError(err).Warn("leaderboard cache invalidation failed")
	}
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

func sidePairKeys(normalized *formats.NormalizedMatch) []string {
	var keys []string
	for _, side := range [][]string{normalized.SideA, normalized.SideB} {
		for i := 0; i < len(side); i++ {
			for j := i + 1; j < len(side); j++ {
				keys = append(keys, models.PairKey(side[i], side[j]))
			}
		}
	}
	return keys
}

func buildMatch(sub *formats.Submission, normalized *formats.NormalizedMatch, ladder *models.Ladder) (*models.Match, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, utils.InternalError("failed to serialize submission")
	}

	matchID := uuid.NewString()
	match := &models.Match{
		ID:               matchID,
		OrganizationID:   ladder.OrganizationID,
		LadderID:         ladder.ID,
		ProviderID:       sub.ProviderID,
		ExternalRef:      sub.ExternalRef,
		Sport:            normalized.Sport,
		Discipline:       normalized.Discipline,
		Format:           normalized.Format,
		Tier:             ladder.Tier,
		StartTime:        sub.StartTime.UTC(),
		VenueID:          sub.VenueID,
		RegionID:         sub.RegionID,
		EventID:          sub.EventID,
		CompetitionID:    sub.CompetitionID,
		WinnerSide:       normalized.Winner,
		MovWeight:        normalized.MovWeight,
		RatingStatus:     models.RatingStatusRated,
		RatingSkipReason: normalized.SkipReason,
		RawPayload:       raw,
	}
	if !normalized.Rated {
		match.RatingStatus = models.RatingStatusUnrated
		match.MovWeight = 0
	}

	for _, sideDef := range []struct {
		side    string
		players []string
	}{
		{models.SideA, normalized.SideA},
		{models.SideB, normalized.SideB},
	} {
		matchSide := models.MatchSide{ID: uuid.NewString(), MatchID: matchID, Side: sideDef.side}
		for pos, playerID := range sideDef.players {
			matchSide.Players = append(matchSide.Players, models.MatchSidePlayer{
				ID:       uuid.NewString(),
				SideID:   matchSide.ID,
				MatchID:  matchID,
				PlayerID: playerID,
				Position: pos + 1,
			})
		}
		match.Sides = append(match.Sides, matchSide)
	}

	for _, g := range normalized.Games {
		match.Games = append(match.Games, models.MatchGame{
			ID:      uuid.NewString(),
			MatchID: matchID,
			GameNo:  g.GameNo,
			ScoreA:  g.A,
			ScoreB:  g.B,
		})
	}
	return match, nil
}
