// internal/pipeline/service.go
package pipeline

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/common/metrics"
	"crm-pipeline/internal/common/observability"
	"crm-pipeline/internal/common/validation"
	"crm-pipeline/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Nudger wakes the outbox relay after a commit.
type Nudger interface {
	Nudge()
}

// MoveRequest is the body of POST /api/pipeline/move.
type MoveRequest struct {
	ApplicationID string `json:"applicationId"`
	ToStage       string `json:"toStage"`
	ExpectedStage string `json:"expectedStage,omitempty"`
	Note          string `json:"note,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

type MoveResponse struct {
	OK      bool   `json:"ok"`
	Changed bool   `json:"changed"`
	Stage   string `json:"stage"`
}

// StageInfo is one entry of the config response.
type StageInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Settings is the board configuration served to clients.
type Settings struct {
	Stages           []StageInfo    `json:"stages"`
	WIPLimits        map[string]int `json:"wipLimits"`
	TransitionPolicy string         `json:"transitionPolicy"`
}

// Service implements the pipeline operations on top of a Repository.
// Returned errors are *errors.StandardError.
type Service struct {
	repo   Repository
	cache  BoardCache
	nudger Nudger
	policy TransitionPolicy
	cfg    config.PipelineConfig
	obs    *observability.Observability
	logger logger.Logger
}

type Option func(*Service)

func WithCache(c BoardCache) Option { return func(s *Service) { s.cache = c } }

func WithNudger(n Nudger) Option { return func(s *Service) { s.nudger = n } }

func WithObservability(o *observability.Observability) Option {
	return func(s *Service) { s.obs = o }
}

func NewService(repo Repository, cfg config.PipelineConfig, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		cache:  noopCache{},
		policy: TransitionPolicy(cfg.TransitionPolicy),
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "pipeline"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Move applies a stage transition. See Repository.MoveStage for the write
// contract; this layer validates input, applies the transition policy and
// performs the post-commit cache invalidation and relay nudge.
func (s *Service) Move(ctx context.Context, req MoveRequest) (*MoveResponse, error) {
	appID := strings.TrimSpace(req.ApplicationID)
	if appID == "" {
		metrics.PipelineMoves.WithLabelValues("", "", string(errors.ErrCodeMissingApplicationID)).Inc()
		return nil, errors.NewMissingApplicationIDError()
	}
	to, ok := models.ParseStage(req.ToStage)
	if !ok {
		metrics.PipelineMoves.WithLabelValues("", "", string(errors.ErrCodeInvalidStage)).Inc()
		return nil, errors.NewInvalidStageError(req.ToStage)
	}
	var expected models.Stage
	if strings.TrimSpace(req.ExpectedStage) != "" {
		if expected, ok = models.ParseStage(req.ExpectedStage); !ok {
			metrics.PipelineMoves.WithLabelValues("", "", string(errors.ErrCodeInvalidStage)).Inc()
			return nil, errors.NewInvalidStageError(req.ExpectedStage)
		}
	}

	ctx, span := s.obs.StartSpan(ctx, "pipeline.move",
		attribute.String("application.id", appID),
		attribute.String("stage.to", string(to)),
	)
	defer span.End()

	start := time.Now()
	res, err := s.repo.MoveStage(ctx, Transition{
		ApplicationID: appID,
		To:            to,
		Expected:      expected,
		Actor:         strings.TrimSpace(req.Actor),
		Note:          strings.TrimSpace(req.Note),
		Allow:         s.policy.Allow,
	})
	elapsed := time.Since(start)

	if err != nil {
		stdErr := s.mapError(err, appID, to)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stdErr.Code))
		s.observeMove("", to, string(stdErr.Code), elapsed)
		if !errors.IsClientError(stdErr.Code) {
			s.logger.Error("stage move failed", map[string]interface{}{
				"applicationId": appID,
				"toStage":       to,
				"error":         err,
			})
		}
		return nil, stdErr
	}

	if !res.Changed {
		s.observeMove(res.From, to, "noop", elapsed)
		return &MoveResponse{OK: true, Changed: false, Stage: string(res.To)}, nil
	}

	s.observeMove(res.From, to, "moved", elapsed)
	s.afterCommit(ctx)

	s.logger.Info("application stage changed", map[string]interface{}{
		"applicationId": appID,
		"fromStage":     res.From,
		"toStage":       res.To,
		"actor":         req.Actor,
		"activityId":    res.Activity.ID,
	})

	return &MoveResponse{OK: true, Changed: true, Stage: string(res.To)}, nil
}

func (s *Service) observeMove(from, to models.Stage, result string, elapsed time.Duration) {
	metrics.PipelineMoves.WithLabelValues(string(from), string(to), result).Inc()
	metrics.PipelineMoveDuration.WithLabelValues(result).Observe(elapsed.Seconds())
	s.obs.RecordMove(context.Background(), elapsed, result)
}

// afterCommit runs once a write is durable. Failures here never fail the
// request: the outbox row is already committed and the cache has a TTL.
func (s *Service) afterCommit(ctx context.Context) {
	s.cache.Invalidate(ctx)
	if s.nudger != nil {
		s.nudger.Nudge()
	}
}

func (s *Service) mapError(err error, appID string, to models.Stage) *errors.StandardError {
	var (
		conflict   *StageConflictError
		transition *TransitionError
	)
	switch {
	case stderrors.As(err, &conflict):
		return errors.NewStageConflictError(appID, string(conflict.Expected), string(conflict.Actual))
	case stderrors.Is(err, ErrApplicationNotFound):
		return errors.NewApplicationNotFoundError(appID)
	case stderrors.As(err, &transition):
		return errors.NewInvalidTransitionError(string(transition.From), string(transition.To))
	case stderrors.Is(err, ErrInvalidTransition):
		return errors.NewInvalidTransitionError("", string(to))
	case stderrors.Is(err, ErrDuplicateApplication):
		return errors.NewDuplicateApplicationError(err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewQueryTimeoutError("pipeline", err)
	default:
		return errors.NewQueryExecutionFailedError("pipeline", err)
	}
}

// Board returns the full board, served from the cache when warm.
func (s *Service) Board(ctx context.Context) (*Board, error) {
	if b, ok := s.cache.Get(ctx); ok {
		return b, nil
	}
	// read before the query so a move committed meanwhile makes Set a no-op
	version, cacheable := s.cache.Version(ctx)

	apps, err := s.repo.ListApplications(ctx)
	if err != nil {
		s.logger.Error("board query failed", map[string]interface{}{"error": err})
		return nil, s.mapError(err, "", "")
	}

	board, skipped := BuildBoard(apps, s.cfg.WIPLimits)
	if skipped > 0 {
		s.logger.Warn("applications with unknown stage left off the board", map[string]interface{}{
			"count": skipped,
		})
	}
	if cacheable {
		s.cache.Set(ctx, board, version)
	}
	return board, nil
}

func (s *Service) Metrics(ctx context.Context) (*Metrics, error) {
	totals, err := s.repo.StageCounts(ctx)
	if err != nil {
		s.logger.Error("metrics query failed", map[string]interface{}{"error": err})
		return nil, s.mapError(err, "", "")
	}
	return BuildMetrics(totals), nil
}

// Activity returns the newest activity first, at most cfg.ActivityLimit rows.
func (s *Service) Activity(ctx context.Context, applicationID string, limit int) ([]models.PipelineActivity, error) {
	ceiling := s.cfg.ActivityLimit
	if ceiling <= 0 {
		ceiling = defaultActivityLimit
	}
	if limit <= 0 || limit > ceiling {
		limit = ceiling
	}
	items, err := s.repo.ListActivity(ctx, strings.TrimSpace(applicationID), limit)
	if err != nil {
		s.logger.Error("activity query failed", map[string]interface{}{"error": err})
		return nil, s.mapError(err, applicationID, "")
	}
	return items, nil
}

// defaultActivityLimit caps activity reads when pipeline.activity_limit is unset.
const defaultActivityLimit = 100

// Settings returns the stage list, advisory WIP limits keyed by label, and
// the active transition policy.
func (s *Service) Settings() *Settings {
	out := &Settings{
		Stages:           make([]StageInfo, len(models.AllStages)),
		WIPLimits:        make(map[string]int, len(models.AllStages)),
		TransitionPolicy: string(s.policy),
	}
	for i, st := range models.AllStages {
		out.Stages[i] = StageInfo{ID: st.ID(), Label: st.Label()}
		out.WIPLimits[st.Label()] = s.cfg.WIPLimits[st.ID()]
	}
	return out
}

// CreateApplication validates and stores a new application at New.
func (s *Service) CreateApplication(ctx context.Context, in models.NewApplication) (*models.Application, error) {
	in.BusinessName = strings.TrimSpace(in.BusinessName)
	in.ContactEmail = strings.TrimSpace(in.ContactEmail)
	in.ContactName = strings.TrimSpace(in.ContactName)
	in.ContactPhone = strings.TrimSpace(in.ContactPhone)

	var problems []string
	if in.BusinessName == "" {
		problems = append(problems, "businessName: is required")
	}
	if in.RequestedAmount < 0 {
		problems = append(problems, "requestedAmount: must be >= 0")
	}
	if in.ContactEmail != "" && !validation.ValidateEmail(in.ContactEmail) {
		problems = append(problems, "contactEmail: invalid email address")
	}
	if len(problems) > 0 {
		return nil, errors.NewValidationFailedError(strings.Join(problems, "; "))
	}

	app, err := s.repo.CreateApplication(ctx, in)
	if err != nil {
		stdErr := s.mapError(err, "", "")
		if !errors.IsClientError(stdErr.Code) {
			s.logger.Error("application create failed", map[string]interface{}{"error": err})
		}
		return nil, stdErr
	}

	metrics.ApplicationsCreated.Inc()
	s.afterCommit(ctx)

	s.logger.Info("application created", map[string]interface{}{
		"applicationId": app.ID,
		"businessName":  app.BusinessName,
		"amount":        app.RequestedAmount,
	})
	return app, nil
}

func (s *Service) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewMissingApplicationIDError()
	}
	app, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, s.mapError(err, id, "")
	}
	return app, nil
}
