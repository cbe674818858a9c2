package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/eventbus"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher is the slice of eventbus.Bus the state machine needs. Defined
// locally (rather than importing *eventbus.Bus directly as a concrete
// type) so tests can substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.Event)
}

// Machine is the workflow state machine: validated transitions guarded by
// an optimistic version check, with every transition appended to the
// append-only event log in the same transaction and published to the
// event bus strictly after commit.
type Machine struct {
	store  Store
	bus    Publisher
	logger *logrus.Entry
}

// New creates a Machine backed by store and publishing to bus.
func New(store Store, bus Publisher, logger *logrus.Entry) *Machine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{store: store, bus: bus, logger: logger.WithField("component", "workflow.machine")}
}

// CreateParams describes a new workflow.
type CreateParams struct {
	WorkflowType   string
	Context        json.RawMessage
	IsMultiStep    bool
	MaxRetries     int
	IdempotencyKey *string
}

// Create inserts a new workflow in CREATED state. If IdempotencyKey is set
// and a workflow already exists for (WorkflowType, IdempotencyKey), the
// existing workflow is returned and no new workflow.created event is
// appended (spec section 5, "Idempotency").
func (m *Machine) Create(ctx context.Context, p CreateParams) (*Workflow, error) {
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:             uuid.NewString(),
		WorkflowType:   p.WorkflowType,
		Context:        p.Context,
		State:          StateCreated,
		Version:        1,
		MaxRetries:     maxRetries,
		IsMultiStep:    p.IsMultiStep,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var created *Workflow
	var replay bool

	err := m.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		row, err := m.store.CreateWorkflow(ctx, tx, wf)
		if err != nil {
			if errors.Is(err, ErrIdempotentReplay) {
				created = row
				replay = true
				return nil
			}
			return err
		}
		created = row

		payload, _ := json.Marshal(map[string]any{"workflow_type": p.WorkflowType})
		return m.store.AppendEvent(ctx, tx, &Event{
			ID:         uuid.NewString(),
			WorkflowID: created.ID,
			Type:       EventWorkflowCreated,
			Payload:    payload,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	if !replay && m.bus != nil {
		payload, _ := json.Marshal(map[string]any{"workflow_type": p.WorkflowType})
		m.bus.Publish(ctx, eventbus.Event{
			Type:       eventbus.EventType(EventWorkflowCreated),
			WorkflowID: created.ID,
			Payload:    payload,
		})
	}

	return created, nil
}

// Transition atomically moves workflowID from its current state to `to`,
// guarded by expectedVersion, and appends a workflow.state_changed event in
// the same transaction. It publishes the event to the bus only after the
// transaction commits. See spec section 4.3 for the full contract.
//
// Transition opens its own WithTx, so it must never be called by another
// caller that already holds an open transaction against the same store
// (that nests WithTx and either deadlocks, against storage.Memory's plain
// mutex, or splits the work across two separate Postgres transactions).
// A caller that already has a tx in hand — pkg/approval.Service's Submit,
// Request and Rollback, which update the approval row and the owning
// workflow's state as one atomic decision — must use TransitionTx instead
// and publish via PublishStateChange once its own WithTx has committed.
func (m *Machine) Transition(ctx context.Context, workflowID string, to State, expectedVersion int64, payload json.RawMessage) (*Workflow, error) {
	var result *Workflow
	var from State

	err := m.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		var err error
		result, from, err = m.TransitionTx(ctx, tx, workflowID, to, expectedVersion, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	PublishStateChange(ctx, m.bus, workflowID, from, to, payload)
	return result, nil
}

// TransitionTx performs the same validated, versioned state transition as
// Transition, but runs inside a transaction the caller already holds open
// (tx must have come from this Machine's own Store, or a Store backed by
// the same underlying gateway). It does not publish: the caller must call
// PublishStateChange itself once its own transaction has committed, so
// that no event ever reaches the bus before the write it describes is
// durable.
func (m *Machine) TransitionTx(ctx context.Context, tx dbtx.Tx, workflowID string, to State, expectedVersion int64, payload json.RawMessage) (*Workflow, State, error) {
	current, err := m.store.GetWorkflow(ctx, tx, workflowID)
	if err != nil {
		return nil, "", err
	}
	from := current.State

	if !CanTransition(current.State, to) {
		return nil, "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, to)
	}

	if err := m.store.UpdateWorkflowVersioned(ctx, tx, workflowID, expectedVersion, func(wf *Workflow) {
		wf.State = to
		wf.UpdatedAt = time.Now().UTC()
	}); err != nil {
		return nil, "", err
	}

	result, err := m.store.GetWorkflow(ctx, tx, workflowID)
	if err != nil {
		return nil, "", err
	}

	evtPayload, err := json.Marshal(StateChangedPayload{From: from, To: to, Payload: payload})
	if err != nil {
		return nil, "", fmt.Errorf("workflow: marshal state_changed payload: %w", err)
	}

	if err := m.store.AppendEvent(ctx, tx, &Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       EventWorkflowStateChanged,
		Payload:    evtPayload,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		return nil, "", err
	}

	return result, from, nil
}

// PublishStateChange emits workflow.state_changed (and, for COMPLETED or
// FAILED, the matching terminal notification) for a transition that has
// already committed. bus may be nil, in which case this is a no-op.
func PublishStateChange(ctx context.Context, bus Publisher, workflowID string, from, to State, payload json.RawMessage) {
	if bus == nil {
		return
	}

	evtPayload, _ := json.Marshal(StateChangedPayload{From: from, To: to, Payload: payload})
	bus.Publish(ctx, eventbus.Event{
		Type:       eventbus.EventType(EventWorkflowStateChanged),
		WorkflowID: workflowID,
		Payload:    evtPayload,
	})

	if terminalEvent, ok := terminalNotification(to); ok {
		bus.Publish(ctx, eventbus.Event{Type: eventbus.EventType(terminalEvent), WorkflowID: workflowID})
	}
}

func terminalNotification(to State) (EventType, bool) {
	switch to {
	case StateCompleted:
		return EventWorkflowCompleted, true
	case StateFailed:
		return EventWorkflowFailed, true
	default:
		return "", false
	}
}

// Retry transitions a FAILED or TIMEOUT workflow back to RUNNING, gated on
// retry_count < max_retries, and stamps last_retry_at. See spec section
// 4.3.
func (m *Machine) Retry(ctx context.Context, workflowID string) (*Workflow, error) {
	var result *Workflow

	err := m.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		current, err := m.store.GetWorkflow(ctx, tx, workflowID)
		if err != nil {
			return err
		}

		if current.State != StateFailed && current.State != StateTimeout {
			return fmt.Errorf("%w: workflow in state %s", ErrRetryNotAllowed, current.State)
		}
		if current.RetryCount >= current.MaxRetries {
			return fmt.Errorf("%w: retry_count %d >= max_retries %d", ErrRetryNotAllowed, current.RetryCount, current.MaxRetries)
		}

		expectedVersion := current.Version
		now := time.Now().UTC()

		err = m.store.UpdateWorkflowVersioned(ctx, tx, workflowID, expectedVersion, func(wf *Workflow) {
			wf.State = StateRunning
			wf.RetryCount++
			wf.LastRetryAt = &now
			wf.UpdatedAt = now
		})
		if err != nil {
			return err
		}

		result, err = m.store.GetWorkflow(ctx, tx, workflowID)
		if err != nil {
			return err
		}

		payload, _ := json.Marshal(StateChangedPayload{From: current.State, To: StateRunning})
		return m.store.AppendEvent(ctx, tx, &Event{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			Type:       EventWorkflowStateChanged,
			Payload:    payload,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	if m.bus != nil {
		m.bus.Publish(ctx, eventbus.Event{Type: eventbus.EventType(EventWorkflowStateChanged), WorkflowID: workflowID})
	}

	return result, nil
}

// Get returns the current workflow row outside of any transaction.
func (m *Machine) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	var result *Workflow
	err := m.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		wf, err := m.store.GetWorkflow(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		result = wf
		return nil
	})
	return result, err
}

// Events returns the full ordered event history for a workflow.
func (m *Machine) Events(ctx context.Context, workflowID string) ([]*Event, error) {
	return m.store.ListEvents(ctx, workflowID)
}
