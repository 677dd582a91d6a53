// internal/models/activity.go
package models

import "time"

// PipelineActivity is one append-only audit row. FromStage is empty for the
// row written at intake.
type PipelineActivity struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	FromStage     string    `json:"from_stage"`
	ToStage       string    `json:"to_stage"`
	Actor         string    `json:"actor"`
	Note          string    `json:"note"`
	CreatedAt     time.Time `json:"created_at"`
}
