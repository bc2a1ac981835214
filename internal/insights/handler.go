package insights

import (
	"context"
	"encoding/json"

	"github.com/openrating/openrating/internal/jobs"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/pkg/utils"
)

// RefreshPayload is the insight_refresh job body.
type RefreshPayload struct {
	OrganizationID string `json:"organization_id"`
	PlayerID       string `json:"player_id"`
	Sport          string `json:"sport,omitempty"`
	Discipline     string `json:"discipline,omitempty"`
}

// RefreshHandler adapts the builder to the job worker.
func RefreshHandler(builder *Builder) jobs.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload RefreshPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return utils.ValidationError("malformed insight_refresh payload")
		}
		if payload.OrganizationID == "" || payload.PlayerID == "" {
			return utils.ValidationError("insight_refresh payload missing organization_id or player_id")
		}
		_, _, err := builder.BuildSnapshot(ctx, payload.OrganizationID, payload.PlayerID, payload.Sport, payload.Discipline)
		return err
	}
}
