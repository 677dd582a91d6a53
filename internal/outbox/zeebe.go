// internal/outbox/zeebe.go
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"crm-pipeline/internal/common/camunda"
	"crm-pipeline/internal/models"
)

// StageChangedMessage is the BPMN message name a process waits on.
const StageChangedMessage = "application-stage-changed"

// MessagePublisher is satisfied by camunda.Client.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, msg camunda.Message) error
}

// ZeebeSink correlates stage changes to running processes by application id.
type ZeebeSink struct {
	client MessagePublisher
	ttl    time.Duration
}

func NewZeebeSink(client MessagePublisher, ttl time.Duration) *ZeebeSink {
	return &ZeebeSink{client: client, ttl: ttl}
}

func (z *ZeebeSink) Name() string { return "zeebe" }

// Publish ignores events other than stage changes. The outbox id is the
// message id, so a redelivered event is rejected by the broker as a duplicate.
func (z *ZeebeSink) Publish(ctx context.Context, ev models.OutboxEvent) error {
	if ev.EventType != models.EventStageChanged {
		return nil
	}
	p, err := ev.Decode()
	if err != nil {
		return fmt.Errorf("decode event %d: %w", ev.ID, err)
	}

	vars, err := json.Marshal(map[string]interface{}{
		"applicationId": p.ApplicationID,
		"fromStage":     p.FromStage,
		"toStage":       p.ToStage,
		"stage":         p.ToStage,
		"actor":         p.Actor,
		"note":          p.Note,
		"activityId":    p.ActivityID,
	})
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	return z.client.PublishMessage(ctx, camunda.Message{
		Name:           StageChangedMessage,
		CorrelationKey: p.ApplicationID,
		MessageID:      strconv.FormatInt(ev.ID, 10),
		Variables:      string(vars),
		TTL:            z.ttl,
	})
}
