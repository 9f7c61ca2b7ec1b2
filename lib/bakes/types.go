package bakes

import (
	"time"

	"github.com/kilnhq/kiln/lib/recipe"
)

// Bake statuses. ready, failed, and cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusBaking    = "baking"
	StatusReady     = "ready"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Bake is the public view of one bake job.
type Bake struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Recipe      recipe.Recipe `json:"recipe"`
	Error       *string       `json:"error,omitempty"`
	ImageID     *string       `json:"image_id,omitempty"`
	ImageDigest *string       `json:"image_digest,omitempty"`
	BaseDigest  *string       `json:"base_digest,omitempty"`
	DurationMS  *int64        `json:"duration_ms,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// CreateBakeRequest carries the inputs of a new bake. RecipeYAML, when
// empty, means the stock recipe.
type CreateBakeRequest struct {
	RecipeYAML []byte
}

// bakeMetadata is the on-disk record for a bake.
type bakeMetadata struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Recipe      recipe.Recipe `json:"recipe"`
	Error       *string       `json:"error,omitempty"`
	ImageID     *string       `json:"image_id,omitempty"`
	ImageDigest *string       `json:"image_digest,omitempty"`
	BaseDigest  *string       `json:"base_digest,omitempty"`
	DurationMS  *int64        `json:"duration_ms,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

func (m *bakeMetadata) toBake() *Bake {
	return &Bake{
		ID:          m.ID,
		Status:      m.Status,
		Recipe:      m.Recipe,
		Error:       m.Error,
		ImageID:     m.ImageID,
		ImageDigest: m.ImageDigest,
		BaseDigest:  m.BaseDigest,
		DurationMS:  m.DurationMS,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

// isTerminalStatus returns true if the status represents a completed bake.
func isTerminalStatus(status string) bool {
	switch status {
	case StatusReady, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
