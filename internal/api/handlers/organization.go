package handlers

import (
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

type OrganizationHandler struct {
	store  store.Store
	logger *logrus.Logger
}

func NewOrganizationHandler(s store.Store, logger *logrus.Logger) *OrganizationHandler {
	return &OrganizationHandler{store: s, logger: logger}
}

type createOrganizationRequest struct {
	Slug string `json:"slug" binding:"required"`
	Name string `json:"name" binding:"required"`
}

// CreateOrganization registers a new tenant. Slugs are lower-cased and
// must be unique across the deployment.
func (h *OrganizationHandler) CreateOrganization(c *gin.Context) {
	var req createOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "Invalid request body", err.Error())
		return
	}

	slug := strings.ToLower(strings.TrimSpace(req.Slug))
	if !slugPattern.MatchString(slug) {
		utils.SendValidationError(c, "Invalid slug", "slug must be 3-64 chars of [a-z0-9-]")
		return
	}

	org := &models.Organization{
		ID:   uuid.NewString(),
		Slug: slug,
		Name: strings.TrimSpace(req.Name),
	}
	if err := h.store.CreateOrganization(c.Request.Context(), org); err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"slug":            org.Slug,
	}).Info("Organization created")
	utils.SendCreated(c, org)
}

func (h *OrganizationHandler) ListOrganizations(c *gin.Context) {
	orgs, err := h.store.ListOrganizations(c.Request.Context())
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	utils.SendSuccess(c, orgs)
}

func (h *OrganizationHandler) GetOrganization(c *gin.Context) {
	org, err := h.store.GetOrganization(c.Request.Context(), c.Param("org"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	utils.SendSuccess(c, org)
}

type updateOrganizationRequest struct {
	Name *string `json:"name"`
	Slug *string `json:"slug"`
}

func (h *OrganizationHandler) UpdateOrganization(c *gin.Context) {
	var req updateOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "Invalid request body", err.Error())
		return
	}

	ctx := c.Request.Context()
	org, err := h.store.GetOrganization(ctx, c.Param("org"))
	if err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			utils.SendValidationError(c, "Name cannot be empty", nil)
			return
		}
		org.Name = name
	}
	if req.Slug != nil {
		slug := strings.ToLower(strings.TrimSpace(*req.Slug))
		if !slugPattern.MatchString(slug) {
			utils.SendValidationError(c, "Invalid slug", "slug must be 3-64 chars of [a-z0-9-]")
			return
		}
		org.Slug = slug
	}

	if err := h.store.UpdateOrganization(ctx, org); err != nil {
		utils.SendAppError(c, utils.AsAppError(err))
		return
	}
	utils.SendSuccess(c, org)
}
