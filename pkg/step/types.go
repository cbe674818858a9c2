package step

import "encoding/json"

// Type distinguishes what a step does.
type Type string

const (
	TypeTask     Type = "task"
	TypeApproval Type = "approval"
)

// Status is a step's position in its pending -> running -> (completed |
// failed) lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step is one entry of a multi-step workflow's ordered pipeline.
type Step struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	StepIndex   int             `json:"step_index"`
	StepType    Type            `json:"step_type"`
	Status      Status          `json:"status"`
	TaskHandler string          `json:"task_handler,omitempty"`
	TaskInput   json.RawMessage `json:"task_input,omitempty"`
	TaskOutput  json.RawMessage `json:"task_output,omitempty"`
	ApprovalID  *string         `json:"approval_id,omitempty"`
}
