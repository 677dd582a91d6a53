// internal/outbox/search.go
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"crm-pipeline/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
)

// activityDocument matches the activity index mapping.
type activityDocument struct {
	ID            string  `json:"id"`
	ApplicationID string  `json:"application_id"`
	BusinessName  string  `json:"business_name"`
	FromStage     string  `json:"from_stage"`
	ToStage       string  `json:"to_stage"`
	Actor         string  `json:"actor"`
	Note          string  `json:"note"`
	Amount        float64 `json:"amount"`
	CreatedAt     string  `json:"created_at"`
}

// SearchIndexer projects activity rows into Elasticsearch.
type SearchIndexer struct {
	es    *elasticsearch.Client
	index string
}

func NewSearchIndexer(es *elasticsearch.Client, index string) *SearchIndexer {
	return &SearchIndexer{es: es, index: index}
}

func (s *SearchIndexer) Name() string { return "elasticsearch" }

// Publish indexes the activity with its id as document id, so reindexing a
// redelivered event overwrites the same document.
func (s *SearchIndexer) Publish(ctx context.Context, ev models.OutboxEvent) error {
	p, err := ev.Decode()
	if err != nil {
		return fmt.Errorf("decode event %d: %w", ev.ID, err)
	}
	if p.ActivityID == "" {
		return nil
	}

	body, err := json.Marshal(activityDocument{
		ID:            p.ActivityID,
		ApplicationID: p.ApplicationID,
		BusinessName:  p.BusinessName,
		FromStage:     p.FromStage,
		ToStage:       p.ToStage,
		Actor:         p.Actor,
		Note:          p.Note,
		Amount:        p.Amount,
		CreatedAt:     p.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	res, err := s.es.Index(
		s.index,
		bytes.NewReader(body),
		s.es.Index.WithDocumentID(p.ActivityID),
		s.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("elasticsearch index error: %s: %s", res.Status(), msg)
	}
	return nil
}
