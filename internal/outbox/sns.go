// internal/outbox/sns.go
package outbox

import (
	"context"
	"fmt"

	"crm-pipeline/internal/models"
)

// TopicPublisher is satisfied by aws.SNSClient.
type TopicPublisher interface {
	PublishJSON(ctx context.Context, topicARN string, message []byte, attributes map[string]string) (string, error)
}

// SNSSink publishes the raw event payload to a topic.
type SNSSink struct {
	client   TopicPublisher
	topicARN string
}

func NewSNSSink(client TopicPublisher, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) Publish(ctx context.Context, ev models.OutboxEvent) error {
	p, err := ev.Decode()
	if err != nil {
		return fmt.Errorf("decode event %d: %w", ev.ID, err)
	}
	_, err = s.client.PublishJSON(ctx, s.topicARN, ev.Payload, map[string]string{
		"eventType":     ev.EventType,
		"applicationId": ev.AggregateID,
		"toStage":       p.ToStage,
	})
	return err
}
