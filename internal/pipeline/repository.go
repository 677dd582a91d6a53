// internal/pipeline/repository.go
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"crm-pipeline/internal/models"
)

var (
	ErrApplicationNotFound  = errors.New("APPLICATION_NOT_FOUND")
	ErrStageConflict        = errors.New("STAGE_CONFLICT")
	ErrInvalidTransition    = errors.New("INVALID_TRANSITION")
	ErrDuplicateApplication = errors.New("DUPLICATE_APPLICATION")
)

// StageConflictError is returned when a move carried an expected stage that
// no longer matches the locked row.
type StageConflictError struct {
	ApplicationID string
	Expected      models.Stage
	Actual        models.Stage
}

func (e *StageConflictError) Error() string {
	return fmt.Sprintf("%s: application %s is in %q, expected %q", ErrStageConflict, e.ApplicationID, e.Actual, e.Expected)
}

func (e *StageConflictError) Unwrap() error { return ErrStageConflict }

// TransitionError is returned when the transition policy rejects a move.
type TransitionError struct {
	From models.Stage
	To   models.Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition is one requested stage move.
type Transition struct {
	ApplicationID string
	To            models.Stage
	// Expected, when set, must equal the row's stage at write time.
	Expected models.Stage
	Actor    string
	Note     string
	// Allow is consulted with the locked current stage before any write.
	Allow func(from, to models.Stage) bool
}

// MoveResult describes a committed (or no-op) move.
type MoveResult struct {
	ApplicationID string
	BusinessName  string
	Amount        float64
	From          models.Stage
	To            models.Stage
	Changed       bool
	Activity      *models.PipelineActivity
}

// StageTotal is one row of the metrics aggregate.
type StageTotal struct {
	Stage  models.Stage
	Count  int
	Amount float64
}

// Repository is the transactional store behind the pipeline.
type Repository interface {
	// CreateApplication inserts the application at New together with its
	// intake activity row and an application.created outbox event.
	CreateApplication(ctx context.Context, in models.NewApplication) (*models.Application, error)
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	ListApplications(ctx context.Context) ([]models.Application, error)
	// MoveStage locks the row, applies t, and appends exactly one activity
	// and one outbox row in the same transaction. A move to the current
	// stage writes nothing and returns Changed=false.
	MoveStage(ctx context.Context, t Transition) (*MoveResult, error)
	// ListActivity returns newest first. An empty applicationID lists across all applications.
	ListActivity(ctx context.Context, applicationID string, limit int) ([]models.PipelineActivity, error)
	StageCounts(ctx context.Context) ([]StageTotal, error)
}
