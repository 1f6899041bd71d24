package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/pkg/response"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// StageRunner runs one stage in the request goroutine
type StageRunner interface {
	RunStage(ctx context.Context, projectID string, name model.StageName) (*model.PipelineExecution, error)
}

type PipelineHandler struct {
	service   *service.PipelineService
	runner    StageRunner
	validator *validator.Validate
}

// NewPipelineHandler creates the pipeline handler. runner may be nil, in
// which case ?wait=true stage invocations are rejected.
func NewPipelineHandler(svc *service.PipelineService, runner StageRunner, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		service:   svc,
		runner:    runner,
		validator: v,
	}
}

// Start handles POST /api/pipelines
// @Summary      Start pipeline
// @Description  Create a project for a topic and queue its full pipeline
// @Tags         Pipelines
// @Accept       json
// @Produce      json
// @Param        request body model.StartPipelineRequest true "Pipeline start request"
// @Success      202 {object} model.StartPipelineResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines [post]
func (h *PipelineHandler) Start(c *fiber.Ctx) error {
	var req model.StartPipelineRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartPipeline(c.UserContext(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// List handles GET /api/pipelines
// @Summary      List projects
// @Description  List the most recent projects, newest first
// @Tags         Pipelines
// @Produce      json
// @Param        limit query int false "Maximum number of projects (default 20, max 100)"
// @Success      200 {object} model.ProjectListResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines [get]
func (h *PipelineHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		return response.ValidationError(c, "limit must be between 1 and 100", nil)
	}

	result, err := h.service.ListProjects(c.UserContext(), limit)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Get handles GET /api/pipelines/:projectId
// @Summary      Get pipeline execution
// @Description  Get per-stage outcomes and the overall status of a project
// @Tags         Pipelines
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {object} model.PipelineExecution
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{projectId} [get]
func (h *PipelineHandler) Get(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	result, err := h.service.GetExecution(c.UserContext(), projectID)
	if err != nil {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/pipelines/:projectId/cancel
// @Summary      Cancel pipeline
// @Description  Stop the pipeline before its next stage starts
// @Tags         Pipelines
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Success      200 {object} model.CancelPipelineResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{projectId}/cancel [post]
func (h *PipelineHandler) Cancel(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	result, err := h.service.Cancel(c.UserContext(), projectID)
	if err != nil {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// InvokeStage handles POST /api/pipelines/:projectId/stages/:stage
// @Summary      Run one stage
// @Description  Queue a single stage of an existing project, or run it inline with wait=true
// @Tags         Pipelines
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        stage path string true "Stage name"
// @Param        wait query bool false "Run inline and return the execution"
// @Success      200 {object} model.PipelineExecution
// @Success      202 {object} model.InvokeStageResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Failure      504 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{projectId}/stages/{stage} [post]
func (h *PipelineHandler) InvokeStage(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	name, err := model.ParseStageName(c.Params("stage"))
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	if !c.QueryBool("wait", false) {
		result, err := h.service.InvokeStage(c.UserContext(), projectID, name)
		if err != nil {
			return h.fail(c, err)
		}
		return response.Accepted(c, result)
	}

	if h.runner == nil {
		return response.ValidationError(c, "Inline stage execution is disabled", nil)
	}
	result, err := h.runner.RunStage(c.UserContext(), projectID, name)
	if err != nil && !degraded(result, name) {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// GetContext handles GET /api/pipelines/:projectId/contexts/:context
// @Summary      Get stage context
// @Description  Get the raw context document a stage wrote
// @Tags         Pipelines
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        context path string true "Context name"
// @Success      200 {object} object
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipelines/{projectId}/contexts/{context} [get]
func (h *PipelineHandler) GetContext(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	name, err := model.ParseContextName(c.Params("context"))
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	doc, err := h.service.GetContext(c.UserContext(), projectID, name)
	if err != nil {
		return h.fail(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(doc)
}

func (h *PipelineHandler) fail(c *fiber.Ctx, err error) error {
	var stageErr *retry.Error
	switch {
	case errors.As(err, &stageErr) && stageErr.Stage != "":
		return response.StageFailed(c, err.Error(), response.StageFailure{
			ErrorKind: string(stageErr.Kind),
			Stage:     string(stageErr.Stage),
			Attempts:  stageErr.Attempts,
		})
	case errors.Is(err, store.ErrProjectNotFound):
		return response.NotFound(c, "Project not found")
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Context not found")
	case errors.Is(err, service.ErrPipelineFinished):
		return response.Conflict(c, "Pipeline already finished")
	case errors.Is(err, service.ErrPipelineRunning), errors.Is(err, store.ErrProjectBusy):
		return response.Conflict(c, "Pipeline is running")
	}
	return response.ServiceError(c, err.Error())
}

// degraded reports whether a soft stage failure was replaced by a fallback.
func degraded(exec *model.PipelineExecution, name model.StageName) bool {
	if exec == nil {
		return false
	}
	outcome, ok := exec.Outcome(name)
	return ok && outcome.Degraded
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
