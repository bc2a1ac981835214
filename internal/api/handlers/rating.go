package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

type RatingHandler struct {
	store  store.Store
	logger *logrus.Logger
}

func NewRatingHandler(s store.Store, logger *logrus.Logger) *RatingHandler {
	return &RatingHandler{store: s, logger: logger}
}

// ListRatingEvents pages one player's audit trail, newest first.
func (h *RatingHandler) ListRatingEvents(c *gin.Context) {
	ctx := c.Request.Context()
	org, err := h.store.GetOrganization(ctx, c.Param("org"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	limit := parseLimit(c.Query("limit"))
	events, next, err := h.store.ListRatingEvents(ctx, store.RatingEventFilter{
		OrganizationID: org.ID,
		PlayerID:       c.Param("player"),
		LadderID:       c.Query("ladder_id"),
		Cursor:         c.Query("cursor"),
		Limit:          limit,
	})
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	utils.SendSuccessWithMeta(c, events, &utils.Meta{NextCursor: next, Limit: limit})
}

// GetRatingEvent returns one audit row, scoped to the path's organization
// and player so tenants cannot read across each other.
func (h *RatingHandler) GetRatingEvent(c *gin.Context) {
	event, err := h.store.GetRatingEvent(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	if event.OrganizationID != c.Param("org") || event.PlayerID != c.Param("player") {
		utils.SendNotFound(c, "rating event not found")
		return
	}
	utils.SendSuccess(c, event)
}

type ratingSnapshotEntry struct {
	LadderID   string    `json:"ladder_id"`
	Sport      string    `json:"sport"`
	Discipline string    `json:"discipline"`
	Format     string    `json:"format"`
	Tier       string    `json:"tier"`
	RegionID   string    `json:"region_id"`
	Mu         float64   `json:"mu"`
	Sigma      float64   `json:"sigma"`
	AsOf       time.Time `json:"as_of"`
}

// GetRatingSnapshot answers "what was this player's rating at time T" per
// ladder. Without as_of it reports the current posterior.
func (h *RatingHandler) GetRatingSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	org, err := h.store.GetOrganization(ctx, c.Param("org"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	playerID := c.Param("player")
	if _, err := h.store.GetPlayer(ctx, playerID); err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	asOf := time.Now().UTC()
	explicit := false
	if raw := c.Query("as_of"); raw != "" {
		t, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			utils.SendValidationError(c, "Invalid as_of", "expected RFC3339 timestamp")
			return
		}
		asOf = t.UTC()
		explicit = true
	}

	rows, err := h.store.ListRatingsForPlayer(ctx, playerID)
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	entries := make([]ratingSnapshotEntry, 0, len(rows))
	for _, row := range rows {
		ladder, err := h.store.GetLadder(ctx, row.LadderID)
		if err != nil || ladder.OrganizationID != org.ID {
			continue
		}
		entry := ratingSnapshotEntry{
			LadderID:   ladder.ID,
			Sport:      ladder.Sport,
			Discipline: ladder.Discipline,
			Format:     ladder.Format,
			Tier:       ladder.Tier,
			RegionID:   ladder.RegionID,
			Mu:         row.Mu,
			Sigma:      row.Sigma,
			AsOf:       asOf,
		}
		if explicit {
			event, err := h.store.LatestEventAsOf(ctx, ladder.ID, playerID, asOf)
			if err != nil {
				utils.SendAppError(c, utils.AsAppError(err))
				return
			}
			if event == nil {
				// No history yet at that instant; the ladder is omitted.
				continue
			}
			entry.Mu = event.MuAfter
			entry.Sigma = event.SigmaAfter
		}
		entries = append(entries, entry)
	}

	utils.SendSuccess(c, gin.H{
		"player_id": playerID,
		"as_of":     asOf,
		"ratings":   entries,
	})
}

// GetInsights serves the latest prebuilt insight snapshot for one player
// on one (sport, discipline). The snapshot digest doubles as the ETag, so
// unchanged snapshots answer 304 to conditional requests.
func (h *RatingHandler) GetInsights(c *gin.Context) {
	sport := c.Query("sport")
	discipline := c.Query("discipline")
	if sport == "" || discipline == "" {
		utils.SendValidationError(c, "sport and discipline are required", nil)
		return
	}

	snapshot, err := h.store.GetInsightSnapshot(c.Request.Context(),
		c.Param("org"), c.Param("player"), sport, discipline)
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	if match := c.GetHeader("If-None-Match"); match != "" && match == snapshot.ETag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", snapshot.ETag)
	utils.SendSuccess(c, snapshot)
}
