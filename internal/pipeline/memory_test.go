package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crm-pipeline/internal/models"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository with the same write contract as
// PostgresRepository: one activity and one outbox event per committed change.
type memRepo struct {
	mu       sync.Mutex
	apps     map[string]*models.Application
	activity []models.PipelineActivity
	outbox   []models.OutboxEvent
	clock    time.Time
	failWith error
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		apps:  map[string]*models.Application{},
		clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp so newest-first ordering is deterministic.
func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) seed(id, name string, amount float64, stage models.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.tick()
	r.apps[id] = &models.Application{
		ID: id, BusinessName: name, RequestedAmount: amount, Stage: stage,
		ContactName: name + " Owner", ContactEmail: id + "@example.com",
		CreatedAt: now, UpdatedAt: now,
	}
}

func (r *memRepo) activityFor(id string) []models.PipelineActivity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PipelineActivity
	for _, a := range r.activity {
		if a.ApplicationID == id {
			out = append(out, a)
		}
	}
	return out
}

func (r *memRepo) CreateApplication(ctx context.Context, in models.NewApplication) (*models.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	for _, a := range r.apps {
		if a.BusinessName == in.BusinessName && a.ContactEmail == in.ContactEmail {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateApplication, in.BusinessName)
		}
	}
	now := r.tick()
	app := &models.Application{
		ID: uuid.New().String(), BusinessName: in.BusinessName, RequestedAmount: in.RequestedAmount,
		Stage: models.StageNew, ContactName: in.ContactName, ContactEmail: in.ContactEmail,
		ContactPhone: in.ContactPhone, CreatedAt: now, UpdatedAt: now,
	}
	r.apps[app.ID] = app
	r.activity = append(r.activity, models.PipelineActivity{
		ID: uuid.New().String(), ApplicationID: app.ID, ToStage: string(models.StageNew),
		Actor: in.Actor, CreatedAt: now,
	})
	r.outbox = append(r.outbox, models.OutboxEvent{ID: int64(len(r.outbox) + 1), AggregateID: app.ID, EventType: models.EventApplicationCreated})
	cp := *app
	return &cp, nil
}

func (r *memRepo) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, id)
	}
	cp := *app
	return &cp, nil
}

func (r *memRepo) ListApplications(ctx context.Context) ([]models.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	out := make([]models.Application, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) MoveStage(ctx context.Context, t Transition) (*MoveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	app, ok := r.apps[t.ApplicationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, t.ApplicationID)
	}
	res := &MoveResult{ApplicationID: app.ID, BusinessName: app.BusinessName, Amount: app.RequestedAmount, From: app.Stage, To: t.To}
	if t.Expected != "" && t.Expected != app.Stage {
		return nil, &StageConflictError{ApplicationID: app.ID, Expected: t.Expected, Actual: app.Stage}
	}
	if app.Stage == t.To {
		return res, nil
	}
	if t.Allow != nil && !t.Allow(app.Stage, t.To) {
		return nil, &TransitionError{From: app.Stage, To: t.To}
	}
	now := r.tick()
	app.Stage = t.To
	app.UpdatedAt = now
	act := models.PipelineActivity{
		ID: uuid.New().String(), ApplicationID: app.ID, FromStage: string(res.From), ToStage: string(t.To),
		Actor: t.Actor, Note: t.Note, CreatedAt: now,
	}
	r.activity = append(r.activity, act)
	r.outbox = append(r.outbox, models.OutboxEvent{ID: int64(len(r.outbox) + 1), AggregateID: app.ID, EventType: models.EventStageChanged})
	res.Changed = true
	res.Activity = &act
	return res, nil
}

func (r *memRepo) ListActivity(ctx context.Context, applicationID string, limit int) ([]models.PipelineActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.PipelineActivity{}
	for i := len(r.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if applicationID == "" || r.activity[i].ApplicationID == applicationID {
			out = append(out, r.activity[i])
		}
	}
	return out, nil
}

func (r *memRepo) StageCounts(ctx context.Context) ([]StageTotal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	byStage := map[models.Stage]*StageTotal{}
	for _, a := range r.apps {
		st, ok := byStage[a.Stage]
		if !ok {
			st = &StageTotal{Stage: a.Stage}
			byStage[a.Stage] = st
		}
		st.Count++
		st.Amount += a.RequestedAmount
	}
	out := make([]StageTotal, 0, len(byStage))
	for _, st := range byStage {
		out = append(out, *st)
	}
	return out, nil
}
