package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RepositoryView is the denormalized read model refreshed whenever a run
// finalizes. Details holds the score and confidence breakdowns as JSON.
type RepositoryView struct {
	RepositoryID    int64           `db:"repository_id" json:"repositoryId"`
	FullName        string          `db:"full_name" json:"fullName"`
	RunID           uuid.UUID       `db:"run_id" json:"runId"`
	RunStatus       RunStatus       `db:"run_status" json:"runStatus"`
	Score           int             `db:"score" json:"score"`
	Category        string          `db:"category" json:"category"`
	ConfidenceScore int             `db:"confidence_score" json:"confidenceScore"`
	ConfidenceLevel string          `db:"confidence_level" json:"confidenceLevel"`
	Profile         string          `db:"profile" json:"profile"`
	Stars           int             `db:"stars" json:"stars"`
	Description     *string         `db:"description" json:"description,omitempty"`
	Details         json.RawMessage `db:"details" json:"details"`
	ComputedAt      time.Time       `db:"computed_at" json:"computedAt"`
}
