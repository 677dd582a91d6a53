// internal/workers/pipeline/move-application-stage/handler.go
package moveapplicationstage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/common/metrics"
	"crm-pipeline/internal/common/validation"
	"crm-pipeline/internal/pipeline"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "move-application-stage"
)

// Mover is satisfied by pipeline.Service.
type Mover interface {
	Move(ctx context.Context, req pipeline.MoveRequest) (*pipeline.MoveResponse, error)
}

type Handler struct {
	config       *Config
	mover        Mover
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, mover Mover, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		mover:        mover,
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := parseInput(job.Variables)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	output, err := h.execute(ctx, input)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
}

func parseInput(variables string) (*Input, error) {
	if result := validation.MoveRequestSchema.Validate([]byte(variables)); !result.Valid {
		return nil, errors.NewValidationFailedError(strings.Join(result.GetErrorMessages(), "; "))
	}
	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, errors.NewValidationFailedError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	actor := strings.TrimSpace(input.Actor)
	if actor == "" {
		actor = h.config.DefaultActor
	}

	resp, err := h.mover.Move(ctx, pipeline.MoveRequest{
		ApplicationID: input.ApplicationID,
		ToStage:       input.ToStage,
		ExpectedStage: input.ExpectedStage,
		Note:          input.Note,
		Actor:         actor,
	})
	if err != nil {
		return nil, err
	}

	return &Output{Changed: resp.Changed, Stage: resp.Stage}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}

	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	h.logger.Info("job completed successfully", map[string]interface{}{
		"jobKey":  job.Key,
		"changed": output.Changed,
		"stage":   output.Stage,
	})
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.Normalize(err).Code)).Inc()
	h.errorHandler.HandleJobError(ctx, client, job, err)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
