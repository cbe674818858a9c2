package step

import (
	"context"

	"github.com/evalgo/approvalflow/pkg/dbtx"
)

// Store is the slice of the persistence gateway the step executor needs.
// pkg/storage.Gateway implements this against Postgres.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbtx.Tx) error) error

	// ListSteps returns a workflow's steps ordered by step_index.
	ListSteps(ctx context.Context, tx dbtx.Tx, workflowID string) ([]*Step, error)

	UpdateStep(ctx context.Context, tx dbtx.Tx, s *Step) error
}
