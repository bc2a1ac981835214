package replay

import (
	"context"

	"github.com/openrating/openrating/internal/jobs"
	"github.com/openrating/openrating/internal/models"
)

// JobHandler adapts the engine to the job worker; the job scope key is the
// ladder id. Replaying a ladder with an empty queue is a no-op, which
// makes redelivery harmless.
func JobHandler(engine *Engine) jobs.Handler {
	return func(ctx context.Context, job *models.Job) error {
		_, err := engine.ReplayLadder(ctx, job.ScopeKey, nil, false)
		return err
	}
}
