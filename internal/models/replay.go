package models

import "time"

// ReplayQueueEntry marks a ladder whose history was perturbed by an
// out-of-order ingestion. At most one row per ladder; EarliestStartTime
// only ever moves backwards until the replay clears the entry.
type ReplayQueueEntry struct {
	LadderID          string    `gorm:"primaryKey;type:uuid" json:"ladder_id"`
	EarliestStartTime time.Time `gorm:"not null" json:"earliest_start_time"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (ReplayQueueEntry) TableName() string {
	return "rating_replay_queue"
}
