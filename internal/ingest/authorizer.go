package ingest

import (
	"context"

	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

// Authorizer decides whether a token subject may write matches into the
// given (organization, sport, region) scope. Token-level scopes are
// checked at the HTTP edge; this is the tenant-level grant check.
type Authorizer interface {
	Authorize(ctx context.Context, tokenSub, organizationID, sport, regionID string) error
}

// GrantAuthorizer checks subject_grants rows. An empty sport or region on
// a grant matches any value.
type GrantAuthorizer struct {
	store store.Store
}

func NewGrantAuthorizer(s store.Store) *GrantAuthorizer {
	return &GrantAuthorizer{store: s}
}

func (a *GrantAuthorizer) Authorize(ctx context.Context, tokenSub, organizationID, sport, regionID string) error {
	ok, err := a.store.HasGrant(ctx, tokenSub, organizationID, sport, regionID)
	if err != nil {
		return err
	}
	if !ok {
		return utils.NewAppError(utils.ErrCodeInsufficientGrants,
			"subject has no grant for this organization, sport and region")
	}
	return nil
}

// AllowAll is the AUTH_DISABLE authorizer for local development.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, tokenSub, organizationID, sport, regionID string) error {
	return nil
}
