// Package workflow implements the durable workflow state machine: validated
// state transitions guarded by an optimistic version check, and the
// append-only event log that records every transition.
package workflow

import (
	"encoding/json"
	"time"
)

// State is one node of the workflow state machine.
type State string

const (
	StateCreated          State = "CREATED"
	StateRunning          State = "RUNNING"
	StateWaitingApproval  State = "WAITING_APPROVAL"
	StateApproved         State = "APPROVED"
	StateCompleted        State = "COMPLETED"
	StateRejected         State = "REJECTED"
	StateTimeout          State = "TIMEOUT"
	StateFailed           State = "FAILED"
)

// terminalStates are absorbing except via the explicit rollback/retry operations.
var terminalStates = map[State]bool{
	StateCompleted: true,
	StateRejected:  true,
	StateTimeout:   true,
	StateFailed:    true,
}

// IsTerminal reports whether state s has no further automatic transitions.
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// transitions is the allowed-edge table from spec section 4.3. The
// REJECTED, TIMEOUT and FAILED -> RUNNING edges are the rollback and retry
// edges and are plain entries here; their extra preconditions (a decided
// approval for approval.Service.Rollback, the retry budget for Retry) are
// checked by those operations, not by this table, so Transition accepts
// these edges from any caller on the from/to pair alone.
var transitions = map[State]map[State]bool{
	StateCreated: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateRunning: {
		StateWaitingApproval: true,
		StateRunning:         true,
		StateCompleted:       true,
		StateFailed:          true,
	},
	StateWaitingApproval: {
		StateApproved: true,
		StateRejected: true,
		StateTimeout:  true,
	},
	StateApproved: {
		StateRunning:   true,
		StateCompleted: true,
	},
	StateRejected: {
		StateRunning: true,
	},
	StateTimeout: {
		StateRunning: true,
	},
	StateFailed: {
		StateRunning: true,
	},
	StateCompleted: {},
}

// CanTransition reports whether the (from, to) edge is allowed by the state
// machine table, independent of any version or retry-count guard.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Workflow is the durable identity of one orchestration run.
type Workflow struct {
	ID             string          `json:"id"`
	WorkflowType   string          `json:"workflow_type"`
	Context        json.RawMessage `json:"context"`
	State          State           `json:"state"`
	Version        int64           `json:"version"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IsMultiStep    bool            `json:"is_multi_step"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastRetryAt    *time.Time      `json:"last_retry_at,omitempty"`
}

// EventType is the canonical set of event-bus event types from spec section 4.2.
type EventType string

const (
	EventWorkflowCreated          EventType = "workflow.created"
	EventWorkflowStateChanged     EventType = "workflow.state_changed"
	EventWorkflowCompleted        EventType = "workflow.completed"
	EventWorkflowFailed           EventType = "workflow.failed"
	EventWorkflowRollbackRequested EventType = "workflow.rollback_requested"
	EventApprovalRequested        EventType = "approval.requested"
	EventApprovalReceived         EventType = "approval.received"
	EventApprovalTimeout          EventType = "approval.timeout"
	EventStepStarted              EventType = "step.started"
	EventStepCompleted            EventType = "step.completed"
	EventStepFailed               EventType = "step.failed"
)

// Event is an append-only audit record for a workflow. The sequence of
// events for a workflow, ordered by OccurredAt, is its authoritative history.
type Event struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       EventType       `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// StateChangedPayload is the payload carried by a workflow.state_changed event.
type StateChangedPayload struct {
	From    State           `json:"from"`
	To      State           `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
