package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/formats"
	"github.com/openrating/openrating/internal/ingest"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

type MatchHandler struct {
	store       store.Store
	coordinator *ingest.Coordinator
	logger      *logrus.Logger
}

func NewMatchHandler(s store.Store, coordinator *ingest.Coordinator, logger *logrus.Logger) *MatchHandler {
	return &MatchHandler{store: s, coordinator: coordinator, logger: logger}
}

// IngestMatch accepts one match submission and runs it through the
// ingestion coordinator. An Idempotency-Key header makes retries safe:
// the first response is cached and replayed verbatim.
func (h *MatchHandler) IngestMatch(c *gin.Context) {
	var sub formats.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		utils.SendValidationError(c, "Invalid request body", err.Error())
		return
	}

	result, err := h.coordinator.RecordMatch(c.Request.Context(), ingest.RecordRequest{
		Submission:     &sub,
		TokenSub:       tokenSub(c),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	if result.Replayed {
		utils.SendSuccess(c, result)
		return
	}
	utils.SendCreated(c, result)
}

func (h *MatchHandler) ListMatches(c *gin.Context) {
	ctx := c.Request.Context()

	filter := store.MatchFilter{
		OrganizationID: c.Query("organization_id"),
		Sport:          c.Query("sport"),
		PlayerID:       c.Query("player_id"),
		EventID:        c.Query("event_id"),
		Cursor:         c.Query("cursor"),
		Limit:          parseLimit(c.Query("limit")),
	}

	if slug := c.Query("organization_slug"); slug != "" && filter.OrganizationID == "" {
		org, err := h.store.GetOrganizationBySlug(ctx, slug)
		if err != nil {
			utils.SendAppError(c, utils.NewAppError(utils.ErrCodeInvalidOrg, "unknown organization "+slug))
			return
		}
		filter.OrganizationID = org.ID
	}
	for name, dest := range map[string]**time.Time{
		"start_after":  &filter.StartAfter,
		"start_before": &filter.StartBefore,
	} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.SendValidationError(c, "Invalid "+name, "expected RFC3339 timestamp")
			return
		}
		*dest = &t
	}

	matches, next, err := h.store.ListMatches(ctx, filter)
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	if c.Query("include") == "rating_events" {
		withEvents, err := h.attachRatingEvents(c, matches)
		if err != nil {
			utils.SendAppError(c, utils.AsAppError(err))
			return
		}
		utils.SendSuccessWithMeta(c, withEvents, &utils.Meta{NextCursor: next, Limit: filter.Limit})
		return
	}
	utils.SendSuccessWithMeta(c, matches, &utils.Meta{NextCursor: next, Limit: filter.Limit})
}

type matchWithEvents struct {
	models.Match
	RatingEvents []models.RatingEvent `json:"rating_events"`
}

func (h *MatchHandler) attachRatingEvents(c *gin.Context, matches []models.Match) ([]matchWithEvents, error) {
	out := make([]matchWithEvents, 0, len(matches))
	for _, m := range matches {
		events, _, err := h.store.ListRatingEvents(c.Request.Context(), store.RatingEventFilter{MatchID: m.ID})
		if err != nil {
			return nil, err
		}
		out = append(out, matchWithEvents{Match: m, RatingEvents: events})
	}
	return out, nil
}

func (h *MatchHandler) GetMatch(c *gin.Context) {
	match, err := h.store.GetMatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	if c.Query("include") == "rating_events" {
		events, _, err := h.store.ListRatingEvents(c.Request.Context(), store.RatingEventFilter{MatchID: match.ID})
		if err != nil {
			utils.SendAppError(c, utils.AsAppError(err))
			return
		}
		utils.SendSuccess(c, matchWithEvents{Match: *match, RatingEvents: events})
		return
	}
	utils.SendSuccess(c, match)
}

type updateMatchRequest struct {
	StartTime *time.Time `json:"start_time"`
	VenueID   *string    `json:"venue_id"`
	RegionID  *string    `json:"region_id"`
	EventID   *string    `json:"event_id"`
}

// UpdateMatch mutates the editable match fields. A start_time change
// perturbs ladder chronology, so the match's ladder is queued for replay
// from the earlier of the old and new start times.
func (h *MatchHandler) UpdateMatch(c *gin.Context) {
	var req updateMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if req.StartTime == nil && req.VenueID == nil && req.RegionID == nil && req.EventID == nil {
		utils.SendValidationError(c, "No updatable fields in request", nil)
		return
	}

	ctx := c.Request.Context()
	match, err := h.store.GetMatch(ctx, c.Param("id"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	oldStart := match.StartTime
	startChanged := false
	if req.StartTime != nil && !req.StartTime.Equal(oldStart) {
		match.StartTime = req.StartTime.UTC()
		startChanged = true
	}
	if req.VenueID != nil {
		match.VenueID = *req.VenueID
	}
	if req.RegionID != nil {
		match.RegionID = *req.RegionID
	}
	if req.EventID != nil {
		match.EventID = *req.EventID
	}

	err = h.store.Atomically(ctx, func(tx store.Store) error {
		if err := tx.UpdateMatch(ctx, match); err != nil {
			return err
		}
		if startChanged && match.RatingStatus == models.RatingStatusRated {
			earliest := match.StartTime
			if oldStart.Before(earliest) {
				earliest = oldStart
			}
			return tx.UpsertReplayEntry(ctx, match.LadderID, earliest)
		}
		return nil
	})
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	if startChanged && match.RatingStatus == models.RatingStatusRated {
		if _, _, err := h.store.EnqueueJob(ctx, store.EnqueueRequest{
			Kind:     models.JobKindReplay,
			ScopeKey: match.LadderID,
			RunAt:    time.Now().UTC(),
			Dedupe:   true,
		}); err != nil {
			h.logger.WithError(err).Error("failed to enqueue replay job after match update")
		}
		h.logger.WithFields(logrus.Fields{
			"match_id":  match.ID,
			"ladder_id": match.LadderID,
		}).Info("Match start_time changed, replay queued")
	}
	utils.SendSuccess(c, match)
}

// tokenSub reads the authenticated subject the auth middleware stored.
func tokenSub(c *gin.Context) string {
	if sub, ok := c.Get("token_sub"); ok {
		if s, ok := sub.(string); ok {
			return s
		}
	}
	return ""
}
