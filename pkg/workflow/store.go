package workflow

import (
	"context"
	"errors"

	"github.com/evalgo/approvalflow/pkg/dbtx"
)

// Store is the slice of the persistence gateway the state machine needs.
// pkg/storage.Gateway implements this (and the sibling Store interfaces in
// pkg/approval and pkg/step) against Postgres; an in-memory implementation
// backs unit tests.
type Store interface {
	// WithTx runs fn inside one transactional unit of work, guaranteeing
	// release (commit or rollback) on every exit path.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbtx.Tx) error) error

	GetWorkflow(ctx context.Context, tx dbtx.Tx, id string) (*Workflow, error)

	// CreateWorkflow inserts wf. If wf.IdempotencyKey is set and a row
	// already exists for (WorkflowType, *IdempotencyKey), CreateWorkflow
	// returns that existing row and ErrIdempotentReplay instead of
	// inserting a duplicate.
	CreateWorkflow(ctx context.Context, tx dbtx.Tx, wf *Workflow) (*Workflow, error)

	// UpdateWorkflowVersioned loads the row, verifies version ==
	// expectedVersion, applies mutate, increments version, and persists
	// the row, all inside tx. It returns ErrConcurrentModification on a
	// version mismatch.
	UpdateWorkflowVersioned(ctx context.Context, tx dbtx.Tx, id string, expectedVersion int64, mutate func(*Workflow)) error

	AppendEvent(ctx context.Context, tx dbtx.Tx, ev *Event) error

	ListEvents(ctx context.Context, workflowID string) ([]*Event, error)
}

// ErrIdempotentReplay is returned by Store.CreateWorkflow (wrapped, via
// errors.Is) when an existing workflow is returned instead of a new one
// being created, so Machine.Create can skip appending a second
// workflow.created event.
var ErrIdempotentReplay = errors.New("workflow: idempotent replay, existing workflow returned")
