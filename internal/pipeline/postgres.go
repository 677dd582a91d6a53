// internal/pipeline/postgres.go
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crm-pipeline/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var applicationColumns = []string{
	"id", "business_name", "requested_amount", "stage",
	"contact_name", "contact_email", "contact_phone", "created_at", "updated_at",
}

// PostgresRepository implements Repository on lib/pq.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*models.Application, error) {
	var (
		app   models.Application
		stage string
	)
	if err := row.Scan(
		&app.ID, &app.BusinessName, &app.RequestedAmount, &stage,
		&app.ContactName, &app.ContactEmail, &app.ContactPhone, &app.CreatedAt, &app.UpdatedAt,
	); err != nil {
		return nil, err
	}
	app.Stage = models.Stage(stage)
	return &app, nil
}

func (r *PostgresRepository) CreateApplication(ctx context.Context, in models.NewApplication) (_ *models.Application, err error) {
	now := r.now()
	app := &models.Application{
		ID:              uuid.New().String(),
		BusinessName:    in.BusinessName,
		RequestedAmount: in.RequestedAmount,
		Stage:           models.StageNew,
		ContactName:     in.ContactName,
		ContactEmail:    in.ContactEmail,
		ContactPhone:    in.ContactPhone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := psql.Insert("applications").
		Columns(applicationColumns...).
		Values(app.ID, app.BusinessName, app.RequestedAmount, string(app.Stage),
			app.ContactName, app.ContactEmail, app.ContactPhone, now, now).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s <%s>", ErrDuplicateApplication, in.BusinessName, in.ContactEmail)
		}
		return nil, fmt.Errorf("insert application: %w", err)
	}

	activity := models.PipelineActivity{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		FromStage:     "",
		ToStage:       string(models.StageNew),
		Actor:         in.Actor,
		Note:          "application created",
		CreatedAt:     now,
	}
	if err = insertActivity(ctx, tx, activity); err != nil {
		return nil, err
	}
	if err = insertOutbox(ctx, tx, models.EventApplicationCreated, models.PipelineEvent{
		ActivityID:    activity.ID,
		ApplicationID: app.ID,
		BusinessName:  app.BusinessName,
		Amount:        app.RequestedAmount,
		ToStage:       activity.ToStage,
		Actor:         activity.Actor,
		Note:          activity.Note,
		OccurredAt:    now,
	}); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return app, nil
}

func (r *PostgresRepository) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	query, args, err := psql.Select(applicationColumns...).
		From("applications").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	app, err := scanApplication(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

func (r *PostgresRepository) ListApplications(ctx context.Context) ([]models.Application, error) {
	query, args, err := psql.Select(applicationColumns...).
		From("applications").
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return apps, nil
}

func (r *PostgresRepository) MoveStage(ctx context.Context, t Transition) (_ *MoveResult, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := psql.Select("stage", "business_name", "requested_amount").
		From("applications").
		Where(sq.Eq{"id": t.ApplicationID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var (
		current string
		res     = &MoveResult{ApplicationID: t.ApplicationID, To: t.To}
	)
	err = tx.QueryRowContext(ctx, query, args...).Scan(&current, &res.BusinessName, &res.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, t.ApplicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock application: %w", err)
	}
	res.From = models.Stage(current)

	if t.Expected != "" && t.Expected != res.From {
		return nil, &StageConflictError{ApplicationID: t.ApplicationID, Expected: t.Expected, Actual: res.From}
	}

	if res.From == t.To {
		if err = tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return res, nil
	}

	if t.Allow != nil && !t.Allow(res.From, t.To) {
		return nil, &TransitionError{From: res.From, To: t.To}
	}

	now := r.now()
	query, args, err = psql.Update("applications").
		Set("stage", string(t.To)).
		Set("updated_at", now).
		Where(sq.Eq{"id": t.ApplicationID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update stage: %w", err)
	}

	activity := models.PipelineActivity{
		ID:            uuid.New().String(),
		ApplicationID: t.ApplicationID,
		FromStage:     string(res.From),
		ToStage:       string(t.To),
		Actor:         t.Actor,
		Note:          t.Note,
		CreatedAt:     now,
	}
	if err = insertActivity(ctx, tx, activity); err != nil {
		return nil, err
	}
	if err = insertOutbox(ctx, tx, models.EventStageChanged, models.PipelineEvent{
		ActivityID:    activity.ID,
		ApplicationID: t.ApplicationID,
		BusinessName:  res.BusinessName,
		Amount:        res.Amount,
		FromStage:     activity.FromStage,
		ToStage:       activity.ToStage,
		Actor:         t.Actor,
		Note:          t.Note,
		OccurredAt:    now,
	}); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	res.Changed = true
	res.Activity = &activity
	return res, nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, a models.PipelineActivity) error {
	query, args, err := psql.Insert("pipeline_activity").
		Columns("id", "application_id", "from_stage", "to_stage", "actor", "note", "created_at").
		Values(a.ID, a.ApplicationID, a.FromStage, a.ToStage, a.Actor, a.Note, a.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build activity insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, eventType string, ev models.PipelineEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	query, args, err := psql.Insert("pipeline_outbox").
		Columns("aggregate_id", "event_type", "payload").
		Values(ev.ApplicationID, eventType, payload).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListActivity(ctx context.Context, applicationID string, limit int) ([]models.PipelineActivity, error) {
	b := psql.Select("id", "application_id", "from_stage", "to_stage", "actor", "note", "created_at").
		From("pipeline_activity").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	if applicationID != "" {
		b = b.Where(sq.Eq{"application_id": applicationID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	out := []models.PipelineActivity{}
	for rows.Next() {
		var a models.PipelineActivity
		if err := rows.Scan(&a.ID, &a.ApplicationID, &a.FromStage, &a.ToStage, &a.Actor, &a.Note, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) StageCounts(ctx context.Context) ([]StageTotal, error) {
	query, args, err := psql.Select("stage", "COUNT(*)", "COALESCE(SUM(requested_amount), 0)").
		From("applications").
		GroupBy("stage").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	defer rows.Close()

	var out []StageTotal
	for rows.Next() {
		var (
			stage string
			st    StageTotal
		)
		if err := rows.Scan(&stage, &st.Count, &st.Amount); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		st.Stage = models.Stage(stage)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}
