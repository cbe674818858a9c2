// Package rest is the thin HTTP façade over the orchestration core: it
// translates the endpoints fixed by spec section 6 into calls against the
// workflow state machine, the approval service, and the step executor, and
// translates domain errors back into the HTTP statuses the spec requires.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/step"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// WorkflowMachine is the slice of workflow.Machine the façade needs.
type WorkflowMachine interface {
	Create(ctx context.Context, p workflow.CreateParams) (*workflow.Workflow, error)
	Get(ctx context.Context, workflowID string) (*workflow.Workflow, error)
	Transition(ctx context.Context, workflowID string, to workflow.State, expectedVersion int64, payload json.RawMessage) (*workflow.Workflow, error)
}

// ApprovalService is the slice of approval.Service the façade needs.
type ApprovalService interface {
	Request(ctx context.Context, wfVersion int64, p approval.RequestParams) (*approval.Approval, string, error)
	Submit(ctx context.Context, callbackToken string, decision approval.Decision, responseData json.RawMessage) (*approval.Approval, error)
	Get(ctx context.Context, id string) (*approval.Approval, error)
	Rollback(ctx context.Context, approvalID string) (*approval.Approval, error)
}

// StepCreator is the slice of pkg/storage the façade needs to seed a
// multi-step workflow's pipeline.
type StepCreator interface {
	CreateSteps(ctx context.Context, tx dbtx.Tx, steps []*step.Step) error
}

// StepRunner is the slice of step.Executor the façade needs to kick off a
// freshly created multi-step workflow's first step.
type StepRunner interface {
	Run(ctx context.Context, workflowID string) error
}

// Handler wires the HTTP surface to the orchestration core.
type Handler struct {
	workflows      WorkflowMachine
	approvals      ApprovalService
	steps          StepCreator
	executor       StepRunner
	baseURL        string
	defaultTimeout int
	operatorTokens *OperatorTokens
	logger         *logrus.Entry
}

// New creates a Handler. baseURL prefixes callback URLs returned to
// clients (e.g. "https://orchestrator.internal"). defaultTimeoutSeconds
// backs DEFAULT_APPROVAL_TIMEOUT_SECONDS when a request omits its own
// timeout.
func New(workflows WorkflowMachine, approvals ApprovalService, steps StepCreator, executor StepRunner, baseURL string, defaultTimeoutSeconds int, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if defaultTimeoutSeconds <= 0 {
		defaultTimeoutSeconds = defaultApprovalTimeoutSeconds
	}
	return &Handler{
		workflows:      workflows,
		approvals:      approvals,
		steps:          steps,
		executor:       executor,
		baseURL:        baseURL,
		defaultTimeout: defaultTimeoutSeconds,
		logger:         logger.WithField("component", "adapters.rest"),
	}
}

// WithOperatorAuth enables the operator-only /approvals/:id/rollback
// route, gated behind tokens. Rollback is left unregistered (404) when
// this is never called, since it has no meaning without an operator
// identity to attribute the action to.
func (h *Handler) WithOperatorAuth(tokens *OperatorTokens) *Handler {
	h.operatorTokens = tokens
	return h
}

// RegisterRoutes adds the orchestration endpoints to an Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/workflows", h.createWorkflow)
	g.GET("/workflows/:id", h.getWorkflow)
	g.POST("/workflows/:id/approvals", h.createApproval)
	g.GET("/approvals/:id", h.getApproval)
	g.POST("/callbacks/:token", h.submitCallback)

	if h.operatorTokens != nil {
		g.POST("/approvals/:id/rollback", h.rollbackApproval, RequireOperator(h.operatorTokens))
	}
}

func (h *Handler) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed request body")
	}
	if req.WorkflowType == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "workflow_type is required")
	}

	key := req.IdempotencyKey
	if hdr := c.Request().Header.Get("Idempotency-Key"); hdr != "" {
		key = &hdr
	}

	ctx := c.Request().Context()
	isMultiStep := len(req.Steps) > 0

	wf, err := h.workflows.Create(ctx, workflow.CreateParams{
		WorkflowType:   req.WorkflowType,
		Context:        req.Context,
		IsMultiStep:    isMultiStep,
		IdempotencyKey: key,
	})
	if err != nil {
		return httpError(err)
	}

	resp := toWorkflowResponse(wf)

	switch {
	case isMultiStep:
		steps := make([]*step.Step, len(req.Steps))
		for i, s := range req.Steps {
			steps[i] = &step.Step{
				WorkflowID:  wf.ID,
				StepType:    s.Type,
				Status:      step.StatusPending,
				TaskHandler: s.Handler,
				TaskInput:   s.Input,
			}
		}
		if err := h.steps.CreateSteps(ctx, nil, steps); err != nil {
			return httpError(err)
		}
		if err := h.executor.Run(ctx, wf.ID); err != nil {
			return httpError(err)
		}
		current, err := h.workflows.Get(ctx, wf.ID)
		if err != nil {
			return httpError(err)
		}
		resp = toWorkflowResponse(current)

	case req.ApprovalSchema != nil:
		running, err := h.workflows.Transition(ctx, wf.ID, workflow.StateRunning, wf.Version, nil)
		if err != nil {
			return httpError(err)
		}
		timeout := req.ApprovalTimeoutSeconds
		if timeout == 0 {
			timeout = h.defaultTimeout
		}
		a, token, err := h.approvals.Request(ctx, running.Version, approval.RequestParams{
			WorkflowID:     wf.ID,
			UISchema:       *req.ApprovalSchema,
			TimeoutSeconds: timeout,
		})
		if err != nil {
			return httpError(err)
		}
		ar := toApprovalResponse(a, h.callbackURL(token))
		resp.Approval = &ar
		resp.State = workflow.StateWaitingApproval
	}

	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) getWorkflow(c echo.Context) error {
	wf, err := h.workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toWorkflowResponse(wf))
}

func (h *Handler) createApproval(c echo.Context) error {
	var req createApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed request body")
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = h.defaultTimeout
	}

	ctx := c.Request().Context()
	workflowID := c.Param("id")
	wf, err := h.workflows.Get(ctx, workflowID)
	if err != nil {
		return httpError(err)
	}

	a, token, err := h.approvals.Request(ctx, wf.Version, approval.RequestParams{
		WorkflowID:     workflowID,
		UISchema:       req.UISchema,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, toApprovalResponse(a, h.callbackURL(token)))
}

func (h *Handler) getApproval(c echo.Context) error {
	a, err := h.approvals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toApprovalResponse(a, ""))
}

func (h *Handler) submitCallback(c echo.Context) error {
	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed request body")
	}
	if req.Decision != approval.DecisionApprove && req.Decision != approval.DecisionReject {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "decision must be approve or reject")
	}

	a, err := h.approvals.Submit(c.Request().Context(), c.Param("token"), req.Decision, req.ResponseData)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toApprovalResponse(a, ""))
}

func (h *Handler) rollbackApproval(c echo.Context) error {
	a, err := h.approvals.Rollback(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	h.logger.WithFields(logrus.Fields{
		"approval_id": a.ID,
		"operator_id": OperatorFromContext(c),
	}).Info("approval rolled back by operator")
	return c.JSON(http.StatusOK, toApprovalResponse(a, ""))
}

func (h *Handler) callbackURL(token string) string {
	return fmt.Sprintf("%s/callbacks/%s", h.baseURL, token)
}

const defaultApprovalTimeoutSeconds = 86400
