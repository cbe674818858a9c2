package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/eventbus"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/sirupsen/logrus"
)

// Publisher is the slice of eventbus.Bus the executor needs.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.Event)
}

// Machine is the slice of workflow.Machine the executor needs to read and
// advance the owning workflow.
type Machine interface {
	Get(ctx context.Context, workflowID string) (*workflow.Workflow, error)
	Transition(ctx context.Context, workflowID string, to workflow.State, expectedVersion int64, payload json.RawMessage) (*workflow.Workflow, error)
}

// ApprovalRequester is the slice of approval.Service the executor needs to
// open an approval step.
type ApprovalRequester interface {
	Request(ctx context.Context, wfVersion int64, p approval.RequestParams) (*approval.Approval, string, error)
}

// Executor drives a multi-step workflow's pipeline one step at a time.
// Every advance is guarded by the owning workflow's version, so two
// executor instances racing the same workflow never double-advance: the
// loser observes workflow.ErrConcurrentModification and exits quietly.
type Executor struct {
	store     Store
	machine   Machine
	approvals ApprovalRequester
	registry  *Registry
	bus       Publisher
	logger    *logrus.Entry
}

// New creates a step Executor.
func New(store Store, machine Machine, approvals ApprovalRequester, registry *Registry, bus Publisher, logger *logrus.Entry) *Executor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		store:     store,
		machine:   machine,
		approvals: approvals,
		registry:  registry,
		bus:       bus,
		logger:    logger.WithField("component", "step.executor"),
	}
}

// Run advances workflowID by one logical step, recursing internally while
// task steps complete synchronously. It is safe to call repeatedly and
// concurrently for the same workflow: every write is guarded by the
// workflow's version.
func (e *Executor) Run(ctx context.Context, workflowID string) error {
	wf, err := e.machine.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	// REJECTED is terminal but still needs one piece of bookkeeping: the
	// approval step left running must be marked failed. Every other
	// terminal state has nothing further for the executor to do.
	if wf.State != workflow.StateRejected && wf.State.IsTerminal() {
		return nil
	}

	steps, err := e.store.ListSteps(ctx, nil, workflowID)
	if err != nil {
		return err
	}

	candidate := firstIncomplete(steps)
	if candidate == nil && wf.State == workflow.StateRejected {
		return nil
	}
	if candidate == nil {
		_, err := e.machine.Transition(ctx, workflowID, workflow.StateCompleted, wf.Version, nil)
		if err != nil {
			return logAndSwallowRace(e.logger, err)
		}
		return nil
	}

	switch candidate.Status {
	case StatusFailed:
		target := workflow.StateFailed
		if wf.State == workflow.StateRejected {
			target = workflow.StateRejected
		}
		_, err := e.machine.Transition(ctx, workflowID, target, wf.Version, nil)
		return logAndSwallowRace(e.logger, err)

	case StatusRunning:
		return e.resumeRunning(ctx, wf, candidate)

	case StatusPending:
		return e.startStep(ctx, wf, candidate)

	default:
		return fmt.Errorf("step: unknown status %q", candidate.Status)
	}
}

// resumeRunning reacts to a workflow whose current step was left running
// across an approval boundary: the owning workflow's state (APPROVED or
// REJECTED) tells us the decision. A task step found running here means
// an executor instance died mid-invocation; by design we do not
// re-invoke the handler (task handlers are not assumed idempotent) and
// leave it for an operator to resolve, relying on the workflow-level
// retry to recover forward progress.
func (e *Executor) resumeRunning(ctx context.Context, wf *workflow.Workflow, candidate *Step) error {
	if candidate.StepType != TypeApproval {
		e.logger.WithField("step_id", candidate.ID).Warn("task step found running; leaving for operator recovery")
		return nil
	}

	switch wf.State {
	case workflow.StateApproved:
		candidate.Status = StatusCompleted
		if err := e.store.UpdateStep(ctx, nil, candidate); err != nil {
			return err
		}
		if _, err := e.machine.Transition(ctx, wf.ID, workflow.StateRunning, wf.Version, nil); err != nil {
			return logAndSwallowRace(e.logger, err)
		}
		e.publish(ctx, workflow.EventStepCompleted, wf.ID, nil)
		return e.Run(ctx, wf.ID)

	case workflow.StateRejected:
		candidate.Status = StatusFailed
		if err := e.store.UpdateStep(ctx, nil, candidate); err != nil {
			return err
		}
		e.publish(ctx, workflow.EventStepFailed, wf.ID, nil)
		return nil

	default:
		return nil
	}
}

func (e *Executor) startStep(ctx context.Context, wf *workflow.Workflow, candidate *Step) error {
	claimed, err := e.machine.Transition(ctx, wf.ID, workflow.StateRunning, wf.Version, nil)
	if err != nil {
		return logAndSwallowRace(e.logger, err)
	}

	candidate.Status = StatusRunning
	if err := e.store.UpdateStep(ctx, nil, candidate); err != nil {
		return err
	}
	e.publish(ctx, workflow.EventStepStarted, wf.ID, nil)

	switch candidate.StepType {
	case TypeApproval:
		return e.startApprovalStep(ctx, claimed, candidate)
	case TypeTask:
		return e.runTaskStep(ctx, claimed, candidate)
	default:
		return fmt.Errorf("step: unknown step_type %q", candidate.StepType)
	}
}

func (e *Executor) startApprovalStep(ctx context.Context, wf *workflow.Workflow, candidate *Step) error {
	a, _, err := e.approvals.Request(ctx, wf.Version, approval.RequestParams{
		WorkflowID:     wf.ID,
		StepID:         &candidate.ID,
		TimeoutSeconds: 86400,
	})
	if err != nil {
		return err
	}
	candidate.ApprovalID = &a.ID
	return e.store.UpdateStep(ctx, nil, candidate)
}

// runTaskStep invokes the registered handler. A missing handler and a
// handler error are both permanent step failures; per-step retry is not
// offered here, retries are orchestrated at the workflow level via
// workflow.Machine.Retry.
func (e *Executor) runTaskStep(ctx context.Context, wf *workflow.Workflow, candidate *Step) error {
	handler, err := e.registry.Lookup(candidate.TaskHandler)
	if err != nil {
		candidate.Status = StatusFailed
		if uerr := e.store.UpdateStep(ctx, nil, candidate); uerr != nil {
			return uerr
		}
		e.publish(ctx, workflow.EventStepFailed, wf.ID, nil)
		return e.Run(ctx, wf.ID)
	}

	output, err := handler(ctx, wf.ID, candidate.TaskInput)
	if err != nil {
		candidate.Status = StatusFailed
		if uerr := e.store.UpdateStep(ctx, nil, candidate); uerr != nil {
			return uerr
		}
		e.publish(ctx, workflow.EventStepFailed, wf.ID, nil)
		return e.Run(ctx, wf.ID)
	}

	candidate.Status = StatusCompleted
	candidate.TaskOutput = output
	if uerr := e.store.UpdateStep(ctx, nil, candidate); uerr != nil {
		return uerr
	}
	e.publish(ctx, workflow.EventStepCompleted, wf.ID, nil)
	return e.Run(ctx, wf.ID)
}

func (e *Executor) publish(ctx context.Context, evtType workflow.EventType, workflowID string, payload json.RawMessage) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.Event{Type: eventbus.EventType(evtType), WorkflowID: workflowID, Payload: payload})
}

func firstIncomplete(steps []*Step) *Step {
	for _, s := range steps {
		if s.Status != StatusCompleted {
			return s
		}
	}
	return nil
}

// logAndSwallowRace treats workflow.ErrConcurrentModification as the
// expected outcome for the losing side of a race between two executor
// instances: log and return nil rather than propagating an error the
// caller would treat as a genuine failure.
func logAndSwallowRace(logger *logrus.Entry, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, workflow.ErrConcurrentModification) {
		logger.Debug("lost race to advance workflow, yielding to other instance")
		return nil
	}
	return err
}
