package approval

import (
	"context"
	"time"

	"github.com/evalgo/approvalflow/pkg/dbtx"
)

// Store is the slice of the persistence gateway the approval service
// needs. pkg/storage.Gateway implements this against Postgres.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbtx.Tx) error) error

	CreateApproval(ctx context.Context, tx dbtx.Tx, a *Approval) (*Approval, error)

	// GetApprovalByToken looks up an approval by its unique callback
	// token, taking no lock. Used for read paths (GET /approvals/{id}
	// never goes through this; it is keyed by id instead).
	GetApprovalByToken(ctx context.Context, tx dbtx.Tx, token string) (*Approval, error)

	// GetApprovalByTokenForUpdate is identical to GetApprovalByToken but
	// acquires a pessimistic row lock for the remainder of tx, so
	// concurrent Submit calls for the same token serialize.
	GetApprovalByTokenForUpdate(ctx context.Context, tx dbtx.Tx, token string) (*Approval, error)

	GetApproval(ctx context.Context, tx dbtx.Tx, id string) (*Approval, error)

	// GetApprovalForUpdate acquires a pessimistic row lock by approval id,
	// used by Rollback.
	GetApprovalForUpdate(ctx context.Context, tx dbtx.Tx, id string) (*Approval, error)

	UpdateApproval(ctx context.Context, tx dbtx.Tx, a *Approval) error

	// ListExpiring returns PENDING approvals with expires_at <= asOf,
	// used by the timeout manager.
	ListExpiring(ctx context.Context, asOf time.Time) ([]*Approval, error)
}
