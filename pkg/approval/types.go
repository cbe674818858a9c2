package approval

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an approval record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusTimeout  Status = "TIMEOUT"
)

// IsTerminal reports whether status no longer accepts a decision.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusTimeout
}

// Decision is the outcome submitted through the callback.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Field is one entry in a UISchema's ordered field list.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// ActionButton is a labeled decision the approver can take.
type ActionButton struct {
	Label    string   `json:"label"`
	Decision Decision `json:"decision"`
	Style    string   `json:"style,omitempty"`
}

// UISchema describes how an approval should be rendered to a human
// approver, independent of any specific surface (dashboard, chat
// adapter). Surfaces translate this into their own presentation.
type UISchema struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Fields      []Field        `json:"fields,omitempty"`
	Actions     []ActionButton `json:"actions"`
}

// Approval is a single human-in-the-loop decision point, optionally
// attached to a multi-step workflow's step.
type Approval struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	StepID       *string         `json:"step_id,omitempty"`
	UISchema     UISchema        `json:"ui_schema"`
	Status       Status          `json:"status"`
	RequestedAt  time.Time       `json:"requested_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	RespondedAt  *time.Time      `json:"responded_at,omitempty"`
	Decision     *Decision       `json:"decision,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	CallbackToken string         `json:"-"`
}
