package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusInProgress = "IN_PROGRESS"
	JobStatusFailed     = "FAILED"
	JobStatusCompleted  = "COMPLETED"

	JobKindReplay         = "replay"
	JobKindInsightRefresh = "insight_refresh"
)

// Job is one unit of deferred work, leased with a visibility timeout.
// Delivery is at-least-once; handlers must be idempotent. A partial unique
// index on (kind, scope_key) over outstanding statuses enforces at most
// one pending-or-running job per scope.
type Job struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"job_id"`
	Kind      string         `gorm:"index:idx_jobs_kind_scope;not null" json:"kind"`
	ScopeKey  string         `gorm:"index:idx_jobs_kind_scope;not null" json:"scope_key"`
	Status    string         `gorm:"index:idx_jobs_claim;not null;default:PENDING" json:"status"`
	RunAt     time.Time      `gorm:"index:idx_jobs_claim;not null" json:"run_at"`
	Attempts  int            `gorm:"not null;default:0" json:"attempts"`
	LockedBy  string         `json:"locked_by,omitempty"`
	LockedAt  *time.Time     `json:"locked_at,omitempty"`
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// Outstanding reports whether the job still occupies its (kind, scope_key)
// dedupe slot.
func (j *Job) Outstanding() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusInProgress
}
