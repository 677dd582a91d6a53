// internal/outbox/store.go
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crm-pipeline/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PublishFunc delivers one event. A nil error marks the event published.
// delivered lists every sink that holds the event after this attempt and is
// stored on failure so the next attempt only retries the rest.
type PublishFunc func(ctx context.Context, ev models.OutboxEvent) (delivered []string, err error)

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Claimed   int
	Published int
	Failed    int
	// Parked counts failures that used up the last attempt.
	Parked int
}

// BatchStore claims and settles outbox rows.
type BatchStore interface {
	ProcessBatch(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (BatchResult, error)
}

// Store is the pipeline_outbox table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ BatchStore = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ProcessBatch claims up to limit unpublished rows that still have attempts
// left, calls publish for each in id order and records the outcome, all in
// one transaction. Rows locked by another relay are skipped, so several
// processes can run a relay against the same table.
func (s *Store) ProcessBatch(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (res BatchResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	events, err := claim(ctx, tx, limit, maxAttempts)
	if err != nil {
		return res, err
	}
	res.Claimed = len(events)

	for _, ev := range events {
		delivered, pubErr := publish(ctx, ev)
		if pubErr == nil {
			if err = s.markPublished(ctx, tx, ev.ID); err != nil {
				return res, err
			}
			res.Published++
			continue
		}
		if err = markFailed(ctx, tx, ev.ID, delivered, pubErr); err != nil {
			return res, err
		}
		res.Failed++
		if ev.Attempts+1 >= maxAttempts {
			res.Parked++
		}
	}

	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func claim(ctx context.Context, tx *sql.Tx, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	query, args, err := psql.Select("id", "aggregate_id", "event_type", "payload", "created_at", "attempts", "last_error", "delivered_sinks").
		From("pipeline_outbox").
		Where(sq.Eq{"published_at": nil}).
		Where(sq.Lt{"attempts": maxAttempts}).
		OrderBy("id").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var (
			ev      models.OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.EventType, &payload, &ev.CreatedAt, &ev.Attempts, &ev.LastError, pq.Array(&ev.DeliveredSinks)); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return events, nil
}

func (s *Store) markPublished(ctx context.Context, tx *sql.Tx, id int64) error {
	query, args, err := psql.Update("pipeline_outbox").
		Set("published_at", s.now()).
		Set("attempts", sq.Expr("attempts + 1")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark published: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published %d: %w", id, err)
	}
	return nil
}

func markFailed(ctx context.Context, tx *sql.Tx, id int64, delivered []string, cause error) error {
	if delivered == nil {
		delivered = []string{}
	}
	msg := cause.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	query, args, err := psql.Update("pipeline_outbox").
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", msg).
		Set("delivered_sinks", pq.Array(delivered)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}
