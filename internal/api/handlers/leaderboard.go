package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

type LeaderboardHandler struct {
	store  store.Store
	cache  *services.CacheService
	logger *logrus.Logger
}

func NewLeaderboardHandler(s store.Store, cache *services.CacheService, logger *logrus.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{store: s, cache: cache, logger: logger}
}

type leaderboardPage struct {
	LadderID   string                   `json:"ladder_id"`
	Entries    []store.LeaderboardEntry `json:"entries"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

const leaderboardCacheTTL = 60 * time.Second

// GetLeaderboard serves one ranked page of a ladder. The ladder is
// addressed by its key tuple; age filters come from explicit bounds or a
// named band of the ladder's age policy. Pages are cached briefly in
// redis and invalidated whenever ingestion or replay touches the ladder.
func (h *LeaderboardHandler) GetLeaderboard(c *gin.Context) {
	ctx := c.Request.Context()

	org, err := h.resolveOrganization(c)
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	sport := c.Query("sport")
	discipline := c.Query("discipline")
	format := c.Query("format")
	if sport == "" || discipline == "" || format == "" {
		utils.SendValidationError(c, "sport, discipline and format are required", nil)
		return
	}

	key := models.LadderKey{
		OrganizationID: org.ID,
		Sport:          sport,
		Discipline:     discipline,
		Format:         format,
		Tier:           c.Query("tier"),
		RegionID:       c.Query("region_id"),
	}.Normalize()
	ladder, err := h.store.FindLadder(ctx, key)
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	query := store.LeaderboardQuery{
		LadderID:  ladder.ID,
		AgeCutoff: time.Now().UTC(),
		Limit:     parseLimit(c.Query("limit")),
	}
	if appErr := h.applyAgeFilters(c, ladder, &query); appErr != nil {
		utils.SendAppError(c, appErr)
		return
	}
	cursor, appErr := store.DecodeLeaderboardCursor(c.Query("cursor"))
	if appErr != nil {
		utils.SendAppError(c, appErr)
		return
	}
	query.Cursor = cursor

	cacheKey := services.LeaderboardCacheKey(ladder.ID, pageToken(c, query))
	var page leaderboardPage
	if hit, err := h.cache.Get(ctx, cacheKey, &page); err == nil && hit {
		utils.SendSuccess(c, page)
		return
	}

	entries, next, err := h.store.Leaderboard(ctx, query)
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	page = leaderboardPage{LadderID: ladder.ID, Entries: entries}
	if next != nil {
		page.NextCursor = next.Encode()
	}

	if err := h.cache.Set(ctx, cacheKey, page, leaderboardCacheTTL); err != nil {
		h.logger.WithError(err).Warn("leaderboard cache write failed")
	}
	utils.SendSuccess(c, page)
}

func (h *LeaderboardHandler) resolveOrganization(c *gin.Context) (*models.Organization, error) {
	ctx := c.Request.Context()
	if id := c.Query("organization_id"); id != "" {
		org, err := h.store.GetOrganization(ctx, id)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeInvalidOrg, "unknown organization "+id)
		}
		return org, nil
	}
	if slug := c.Query("organization_slug"); slug != "" {
		org, err := h.store.GetOrganizationBySlug(ctx, strings.ToLower(slug))
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeInvalidOrg, "unknown organization "+slug)
		}
		return org, nil
	}
	return nil, utils.ValidationError("organization_id or organization_slug required")
}

// applyAgeFilters resolves age_group against the ladder's policy, or the
// explicit age_from/age_to/age_cutoff parameters.
func (h *LeaderboardHandler) applyAgeFilters(c *gin.Context, ladder *models.Ladder, query *store.LeaderboardQuery) *utils.AppError {
	if raw := c.Query("age_cutoff"); raw != "" {
		cutoff, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return utils.ValidationError("Invalid age_cutoff", "expected YYYY-MM-DD")
		}
		query.AgeCutoff = cutoff
	} else if ladder.AgePolicy != nil && !ladder.AgePolicy.CutoffDate.IsZero() {
		query.AgeCutoff = ladder.AgePolicy.CutoffDate
	}

	if group := c.Query("age_group"); group != "" {
		if ladder.AgePolicy == nil {
			return utils.ValidationError("ladder has no age policy", nil)
		}
		band, ok := ladder.AgePolicy.AgeBands[group]
		if !ok {
			return utils.ValidationError("unknown age_group "+group, nil)
		}
		query.AgeFrom = band.MinAge
		query.AgeTo = band.MaxAge
		return nil
	}

	for name, dest := range map[string]**int{
		"age_from": &query.AgeFrom,
		"age_to":   &query.AgeTo,
	} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return utils.ValidationError("Invalid "+name, "expected a non-negative integer")
		}
		*dest = &n
	}
	return nil
}

// pageToken makes the cache key distinct per page and filter combination.
func pageToken(c *gin.Context, query store.LeaderboardQuery) string {
	from, to := -1, -1
	if query.AgeFrom != nil {
		from = *query.AgeFrom
	}
	if query.AgeTo != nil {
		to = *query.AgeTo
	}
	return fmt.Sprintf("%s:%d:%d:%d:%s",
		c.Query("cursor"), query.Limit, from, to, query.AgeCutoff.Format("2006-01-02"))
}
