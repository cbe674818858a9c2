package rest

import (
	"encoding/json"
	"time"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/step"
	"github.com/evalgo/approvalflow/pkg/workflow"
)

// createWorkflowRequest covers both the single-step and multi-step shapes
// from spec section 6: Steps is nil/empty for a single-step request, and
// ApprovalSchema/ApprovalTimeoutSeconds are ignored for a multi-step one.
type createWorkflowRequest struct {
	WorkflowType           string            `json:"workflow_type"`
	Context                json.RawMessage   `json:"context"`
	ApprovalSchema         *approval.UISchema `json:"approval_schema,omitempty"`
	ApprovalTimeoutSeconds int               `json:"approval_timeout_seconds,omitempty"`
	Steps                  []stepRequest     `json:"steps,omitempty"`
	IdempotencyKey         *string           `json:"idempotency_key,omitempty"`
}

type stepRequest struct {
	Type    step.Type       `json:"type"`
	Handler string          `json:"handler,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

type workflowResponse struct {
	ID           string          `json:"id"`
	WorkflowType string          `json:"workflow_type"`
	State        workflow.State  `json:"state"`
	Version      int64           `json:"version"`
	IsMultiStep  bool            `json:"is_multi_step"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Approval     *approvalResponse `json:"approval,omitempty"`
}

func toWorkflowResponse(wf *workflow.Workflow) workflowResponse {
	return workflowResponse{
		ID:           wf.ID,
		WorkflowType: wf.WorkflowType,
		State:        wf.State,
		Version:      wf.Version,
		IsMultiStep:  wf.IsMultiStep,
		CreatedAt:    wf.CreatedAt,
		UpdatedAt:    wf.UpdatedAt,
	}
}

// createApprovalRequest is the standalone approval-create shape from spec
// section 6: {ui_schema, timeout_seconds}.
type createApprovalRequest struct {
	UISchema       approval.UISchema `json:"ui_schema"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// approvalResponse omits the raw callback token per spec section 6 ("Read
// returns the stored record minus the raw token"); CallbackToken is only
// ever present on the response to the creating request, under CallbackURL.
type approvalResponse struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflow_id"`
	UISchema    approval.UISchema `json:"ui_schema"`
	Status      approval.Status   `json:"status"`
	RequestedAt time.Time         `json:"requested_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CallbackURL string            `json:"callback_url,omitempty"`
}

func toApprovalResponse(a *approval.Approval, callbackURL string) approvalResponse {
	return approvalResponse{
		ID:          a.ID,
		WorkflowID:  a.WorkflowID,
		UISchema:    a.UISchema,
		Status:      a.Status,
		RequestedAt: a.RequestedAt,
		ExpiresAt:   a.ExpiresAt,
		CallbackURL: callbackURL,
	}
}

// callbackRequest is the body of POST /callbacks/{token}.
type callbackRequest struct {
	Decision     approval.Decision `json:"decision"`
	ResponseData json.RawMessage   `json:"response_data,omitempty"`
}
