// internal/models/outbox.go
package models

import (
	"encoding/json"
	"time"
)

const (
	EventStageChanged       = "application.stage_changed"
	EventApplicationCreated = "application.created"
)

// OutboxEvent is a committed event waiting to be relayed.
type OutboxEvent struct {
	ID          int64           `json:"id"`
	AggregateID string          `json:"aggregateId"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
	// DeliveredSinks names the sinks that already accepted this event on an
	// earlier attempt. Retries skip them.
	DeliveredSinks []string `json:"deliveredSinks,omitempty"`
}

// DeliveredTo reports whether sink already accepted the event.
func (e OutboxEvent) DeliveredTo(sink string) bool {
	for _, s := range e.DeliveredSinks {
		if s == sink {
			return true
		}
	}
	return false
}

// PipelineEvent is the payload of both outbox event types.
type PipelineEvent struct {
	ActivityID    string    `json:"activityId"`
	ApplicationID string    `json:"applicationId"`
	BusinessName  string    `json:"businessName"`
	Amount        float64   `json:"amount"`
	FromStage     string    `json:"fromStage"`
	ToStage       string    `json:"toStage"`
	Actor         string    `json:"actor"`
	Note          string    `json:"note"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Decode unmarshals the event payload.
func (e OutboxEvent) Decode() (PipelineEvent, error) {
	var p PipelineEvent
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
