package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

const maxPageSize = 200

type PlayerHandler struct {
	store  store.Store
	logger *logrus.Logger
}

func NewPlayerHandler(s store.Store, logger *logrus.Logger) *PlayerHandler {
	return &PlayerHandler{store: s, logger: logger}
}

type createPlayerRequest struct {
	OrganizationID string `json:"organization_id"`
	OrgSlug        string `json:"organization_slug"`
	DisplayName    string `json:"display_name" binding:"required"`
	GivenName      string `json:"given_name"`
	FamilyName     string `json:"family_name"`
	Sex            string `json:"sex"`
	BirthDate      string `json:"birth_date"` // YYYY-MM-DD
	CountryCode    string `json:"country_code"`
	RegionID       string `json:"region_id"`
	ProviderID     string `json:"provider_id"`
	ExternalRef    string `json:"external_ref"`
}

func (h *PlayerHandler) CreatePlayer(c *gin.Context) {
	var req createPlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "Invalid request body", err.Error())
		return
	}

	ctx := c.Request.Context()
	org, err := h.resolveOrganization(c, req.OrganizationID, req.OrgSlug)
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	player := &models.Player{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		GivenName:      req.GivenName,
		FamilyName:     req.FamilyName,
		Sex:            req.Sex,
		CountryCode:    req.CountryCode,
		RegionID:       req.RegionID,
		ProviderID:     req.ProviderID,
		ExternalRef:    req.ExternalRef,
	}
	if req.BirthDate != "" {
		birth, parseErr := time.Parse("2006-01-02", req.BirthDate)
		if parseErr != nil {
			utils.SendValidationError(c, "Invalid birth_date", "expected YYYY-MM-DD")
			return
		}
		player.BirthDate = &birth
		player.BirthYear = birth.Year()
	}
	switch player.Sex {
	case "", "M", "F", "X":
	default:
		utils.SendValidationError(c, "Invalid sex", `expected "M", "F" or "X"`)
		return
	}
	if player.ExternalRef != "" && player.ProviderID == "" {
		utils.SendValidationError(c, "external_ref requires provider_id", nil)
		return
	}

	if err := h.store.CreatePlayer(ctx, player); err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"player_id":       player.ID,
		"organization_id": org.ID,
	}).Info("Player created")
	utils.SendCreated(c, player)
}

func (h *PlayerHandler) GetPlayer(c *gin.Context) {
	player, err := h.store.GetPlayer(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	utils.SendSuccess(c, player)
}

func (h *PlayerHandler) ListPlayers(c *gin.Context) {
	ctx := c.Request.Context()
	org, err := h.resolveOrganization(c, c.Query("organization_id"), c.Query("organization_slug"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	limit := parseLimit(c.Query("limit"))
	players, next, err := h.store.ListPlayers(ctx, org.ID, limit, c.Query("cursor"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	utils.SendSuccessWithMeta(c, players, &utils.Meta{NextCursor: next, Limit: limit})
}

func (h *PlayerHandler) resolveOrganization(c *gin.Context, id, slug string) (*models.Organization, error) {
	ctx := c.Request.Context()
	switch {
	case id != "":
		org, err := h.store.GetOrganization(ctx, id)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeInvalidOrg, "unknown organization "+id)
		}
		return org, nil
	case slug != "":
		org, err := h.store.GetOrganizationBySlug(ctx, strings.ToLower(slug))
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeInvalidOrg, "unknown organization "+slug)
		}
		return org, nil
	default:
		return nil, utils.ValidationError("organization_id or organization_slug required")
	}
}

// parseLimit clamps the page size into [1, maxPageSize], defaulting to 50.
func parseLimit(raw string) int {
	if raw == "" {
		return 50
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 50
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
