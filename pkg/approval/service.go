package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/eventbus"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher is the slice of eventbus.Bus the approval service needs.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.Event)
}

// Machine is the slice of workflow.Machine the approval service needs to
// drive the owning workflow's state. It is satisfied by *workflow.Machine.
// TransitionTx (not Transition) is used throughout this package: every
// approval decision updates the approval row and the owning workflow's
// state as one atomic unit, so the transition must run inside the same
// WithTx the approval row update runs in, not in a second, nested one.
type Machine interface {
	TransitionTx(ctx context.Context, tx dbtx.Tx, workflowID string, to workflow.State, expectedVersion int64, payload json.RawMessage) (*workflow.Workflow, workflow.State, error)
}

// Service implements the approval lifecycle: request, submit, rollback.
// Submit is the most sensitive operation in the system: it runs under a
// pessimistic row lock and checks expiry before status, in that exact
// order, so a late decision can never appear to succeed against an
// approval the timeout manager has already expired.
type Service struct {
	store   Store
	wfStore workflow.Store
	machine Machine
	tokens  *TokenService
	bus     Publisher
	logger  *logrus.Entry
}

// New creates an approval Service.
func New(store Store, wfStore workflow.Store, machine Machine, tokens *TokenService, bus Publisher, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		store:   store,
		wfStore: wfStore,
		machine: machine,
		tokens:  tokens,
		bus:     bus,
		logger:  logger.WithField("component", "approval.service"),
	}
}

// RequestParams describes a new approval request.
type RequestParams struct {
	WorkflowID      string
	StepID          *string
	UISchema        UISchema
	TimeoutSeconds  int
}

// Request creates a PENDING approval, mints its callback token,
// transitions the owning workflow to WAITING_APPROVAL, and publishes
// approval.requested after commit.
func (s *Service) Request(ctx context.Context, wfVersion int64, p RequestParams) (*Approval, string, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(p.TimeoutSeconds) * time.Second)

	a := &Approval{
		ID:          uuid.NewString(),
		WorkflowID:  p.WorkflowID,
		StepID:      p.StepID,
		UISchema:    p.UISchema,
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   expiresAt,
	}

	var token string
	var created *Approval
	var from workflow.State

	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		row, err := s.store.CreateApproval(ctx, tx, a)
		if err != nil {
			return err
		}
		created = row

		tok, err := s.tokens.Mint(row.ID, expiresAt)
		if err != nil {
			return err
		}
		token = tok
		row.CallbackToken = tok
		if err := s.store.UpdateApproval(ctx, tx, row); err != nil {
			return err
		}

		_, from, err = s.machine.TransitionTx(ctx, tx, p.WorkflowID, workflow.StateWaitingApproval, wfVersion, nil)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	workflow.PublishStateChange(ctx, s.bus, p.WorkflowID, from, workflow.StateWaitingApproval, nil)

	if s.bus != nil {
		payload, _ := json.Marshal(map[string]any{"approval_id": created.ID, "workflow_id": p.WorkflowID})
		s.bus.Publish(ctx, eventbus.Event{Type: eventbus.EventType(workflow.EventApprovalRequested), WorkflowID: p.WorkflowID, Payload: payload})
	}

	return created, token, nil
}

// Submit records a decision against the approval bound to callbackToken.
// Order of checks is load -> expiry -> status, matching the non-negotiable
// ordering required to keep a late decision from racing a timeout.
func (s *Service) Submit(ctx context.Context, callbackToken string, decision Decision, responseData json.RawMessage) (*Approval, error) {
	approvalID, err := s.tokens.Verify(callbackToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	var result *Approval
	var from, to workflow.State

	err = s.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		a, err := s.store.GetApprovalByTokenForUpdate(ctx, tx, callbackToken)
		if err != nil {
			return ErrTokenInvalid
		}
		if a.ID != approvalID {
			return ErrTokenInvalid
		}

		now := time.Now().UTC()
		if !now.Before(a.ExpiresAt) {
			return ErrApprovalExpired
		}
		if a.Status != StatusPending {
			return ErrAlreadyDecided
		}

		var newStatus Status
		switch decision {
		case DecisionApprove:
			newStatus = StatusApproved
			to = workflow.StateApproved
		case DecisionReject:
			newStatus = StatusRejected
			to = workflow.StateRejected
		default:
			return fmt.Errorf("approval: unknown decision %q", decision)
		}

		a.Status = newStatus
		a.RespondedAt = &now
		a.Decision = &decision
		a.ResponseData = responseData
		if err := s.store.UpdateApproval(ctx, tx, a); err != nil {
			return err
		}

		wf, err := s.lookupWorkflowVersion(ctx, tx, a.WorkflowID)
		if err != nil {
			return err
		}
		version := wf.Version
		if wf.State == workflow.StateRunning {
			// A rolled-back approval reopens against a RUNNING workflow;
			// move it back to WAITING_APPROVAL before recording the decision.
			reopened, _, err := s.machine.TransitionTx(ctx, tx, a.WorkflowID, workflow.StateWaitingApproval, version, nil)
			if err != nil {
				return err
			}
			version = reopened.Version
		}
		if _, from, err = s.machine.TransitionTx(ctx, tx, a.WorkflowID, to, version, nil); err != nil {
			return err
		}

		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	workflow.PublishStateChange(ctx, s.bus, result.WorkflowID, from, to, nil)

	if s.bus != nil {
		payload, _ := json.Marshal(map[string]any{"approval_id": result.ID, "decision": decision})
		s.bus.Publish(ctx, eventbus.Event{Type: eventbus.EventType(workflow.EventApprovalReceived), WorkflowID: result.WorkflowID, Payload: payload})
	}

	return result, nil
}

// Rollback resets approval to PENDING and the owning workflow from
// REJECTED back to RUNNING. Admin-only; callers enforce authorization.
func (s *Service) Rollback(ctx context.Context, approvalID string) (*Approval, error) {
	var result *Approval
	var from workflow.State

	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		a, err := s.store.GetApprovalForUpdate(ctx, tx, approvalID)
		if err != nil {
			return err
		}
		if !a.Status.IsTerminal() {
			return ErrNotRollbackable
		}

		a.Status = StatusPending
		a.RespondedAt = nil
		a.Decision = nil
		a.ResponseData = nil
		if err := s.store.UpdateApproval(ctx, tx, a); err != nil {
			return err
		}

		wf, err := s.lookupWorkflowVersion(ctx, tx, a.WorkflowID)
		if err != nil {
			return err
		}
		if _, from, err = s.machine.TransitionTx(ctx, tx, a.WorkflowID, workflow.StateRunning, wf.Version, nil); err != nil {
			return err
		}

		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	workflow.PublishStateChange(ctx, s.bus, result.WorkflowID, from, workflow.StateRunning, nil)

	if s.bus != nil {
		s.bus.Publish(ctx, eventbus.Event{Type: eventbus.EventType(workflow.EventWorkflowRollbackRequested), WorkflowID: result.WorkflowID})
	}

	return result, nil
}

func (s *Service) lookupWorkflowVersion(ctx context.Context, tx dbtx.Tx, workflowID string) (*workflow.Workflow, error) {
	wf, err := s.wfStore.GetWorkflow(ctx, tx, workflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil, workflow.ErrNotFound
		}
		return nil, err
	}
	return wf, nil
}

// Get returns an approval by id, outside of any transaction.
func (s *Service) Get(ctx context.Context, id string) (*Approval, error) {
	var result *Approval
	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		a, err := s.store.GetApproval(ctx, tx, id)
		if err != nil {
			return err
		}
		result = a
		return nil
	})
	return result, err
}
