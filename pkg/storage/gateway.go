// Package storage is the single persistence gateway: every row write in
// the system goes through it. It implements the narrow Store interfaces
// declared by pkg/workflow, pkg/approval, pkg/step, pkg/timeoutmgr and
// pkg/dlqstore against PostgreSQL via pgx, so none of those packages
// import this one (avoiding an import cycle). This one imports the
// domain packages whose types it stores and satisfies the interfaces
// structurally; it does not import pkg/timeoutmgr.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/dlqstore"
	"github.com/evalgo/approvalflow/pkg/step"
	"github.com/evalgo/approvalflow/pkg/telemetry"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the slice of pgx's query surface shared by *pgxpool.Pool and
// pgx.Tx, letting every Gateway method run unchanged whether or not it is
// inside a caller-managed transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Gateway is the pgx-backed implementation of every domain Store
// interface. Construct with New and wire the same *Gateway value into
// workflow.New, approval.New, step executor, timeout manager, and the
// dlqstore-consuming components.
type Gateway struct {
	pool   *pgxpool.Pool
	tracer *telemetry.Provider
}

// New wraps an already-connected pgxpool.Pool. Callers are expected to
// have run Migrate against the same database before serving traffic.
func New(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// WithTracer wraps every WithTx call in a span. Nil (the default)
// disables tracing.
func (g *Gateway) WithTracer(tracer *telemetry.Provider) *Gateway {
	g.tracer = tracer
	return g
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

func (g *Gateway) q(tx dbtx.Tx) querier {
	if tx == nil {
		return g.pool
	}
	if q, ok := tx.(querier); ok {
		return q
	}
	return g.pool
}

// WithTx runs fn inside one transaction, committing on a nil return and
// rolling back otherwise. Rollback after a successful Commit is a no-op
// in pgx, so the deferred Rollback is safe on every exit path.
func (g *Gateway) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbtx.Tx) error) error {
	ctx, span := g.tracer.StartTx(ctx, "gateway", "")
	var err error
	defer func() { telemetry.End(span, err) }()

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		err = fmt.Errorf("storage: begin transaction: %w", err)
		return err
	}
	defer tx.Rollback(ctx)

	if err = fn(ctx, tx); err != nil {
		return err
	}
	if cerr := tx.Commit(ctx); cerr != nil {
		err = fmt.Errorf("storage: commit transaction: %w", cerr)
		return err
	}
	return nil
}

// --- workflow.Store -----------------------------------------------------

func (g *Gateway) GetWorkflow(ctx context.Context, tx dbtx.Tx, id string) (*workflow.Workflow, error) {
	row := g.q(tx).QueryRow(ctx, `
		SELECT id, workflow_type, context, state, version, retry_count, max_retries,
		       is_multi_step, idempotency_key, created_at, updated_at, last_retry_at
		FROM workflows WHERE id = $1`, id)

	wf := &workflow.Workflow{}
	err := row.Scan(&wf.ID, &wf.WorkflowType, &wf.Context, &wf.State, &wf.Version, &wf.RetryCount,
		&wf.MaxRetries, &wf.IsMultiStep, &wf.IdempotencyKey, &wf.CreatedAt, &wf.UpdatedAt, &wf.LastRetryAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get workflow: %w", err)
	}
	return wf, nil
}

func (g *Gateway) CreateWorkflow(ctx context.Context, tx dbtx.Tx, wf *workflow.Workflow) (*workflow.Workflow, error) {
	if wf.IdempotencyKey != nil {
		existing, err := g.findByIdempotencyKey(ctx, tx, wf.WorkflowType, *wf.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, workflow.ErrIdempotentReplay
		}
	}

	_, err := g.q(tx).Exec(ctx, `
		INSERT INTO workflows (id, workflow_type, context, state, version, retry_count, max_retries,
		                        is_multi_step, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		wf.ID, wf.WorkflowType, wf.Context, wf.State, wf.Version, wf.RetryCount, wf.MaxRetries,
		wf.IsMultiStep, wf.IdempotencyKey, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: create workflow: %w", err)
	}
	return wf, nil
}

func (g *Gateway) findByIdempotencyKey(ctx context.Context, tx dbtx.Tx, workflowType, key string) (*workflow.Workflow, error) {
	row := g.q(tx).QueryRow(ctx, `
		SELECT id, workflow_type, context, state, version, retry_count, max_retries,
		       is_multi_step, idempotency_key, created_at, updated_at, last_retry_at
		FROM workflows WHERE workflow_type = $1 AND idempotency_key = $2`, workflowType, key)

	wf := &workflow.Workflow{}
	err := row.Scan(&wf.ID, &wf.WorkflowType, &wf.Context, &wf.State, &wf.Version, &wf.RetryCount,
		&wf.MaxRetries, &wf.IsMultiStep, &wf.IdempotencyKey, &wf.CreatedAt, &wf.UpdatedAt, &wf.LastRetryAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lookup idempotency key: %w", err)
	}
	return wf, nil
}

func (g *Gateway) UpdateWorkflowVersioned(ctx context.Context, tx dbtx.Tx, id string, expectedVersion int64, mutate func(*workflow.Workflow)) error {
	wf, err := g.GetWorkflow(ctx, tx, id)
	if err != nil {
		return err
	}
	if wf.Version != expectedVersion {
		return workflow.ErrConcurrentModification
	}

	mutate(wf)
	wf.Version++

	tag, err := g.q(tx).Exec(ctx, `
		UPDATE workflows
		SET context=$1, state=$2, version=$3, retry_count=$4, max_retries=$5,
		    updated_at=$6, last_retry_at=$7
		WHERE id=$8 AND version=$9`,
		wf.Context, wf.State, wf.Version, wf.RetryCount, wf.MaxRetries, wf.UpdatedAt, wf.LastRetryAt,
		id, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrConcurrentModification
	}
	return nil
}

func (g *Gateway) AppendEvent(ctx context.Context, tx dbtx.Tx, ev *workflow.Event) error {
	_, err := g.q(tx).Exec(ctx, `
		INSERT INTO workflow_events (id, workflow_id, event_type, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5)`,
		ev.ID, ev.WorkflowID, ev.Type, ev.Payload, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

func (g *Gateway) ListEvents(ctx context.Context, workflowID string) ([]*workflow.Event, error) {
	rows, err := g.q(nil).Query(ctx, `
		SELECT id, workflow_id, event_type, payload, occurred_at
		FROM workflow_events WHERE workflow_id = $1 ORDER BY occurred_at ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []*workflow.Event
	for rows.Next() {
		ev := &workflow.Event{}
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Type, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRetryCandidates returns workflows currently in one of states,
// consumed by pkg/timeoutmgr's retry/abandon pass.
func (g *Gateway) ListRetryCandidates(ctx context.Context, states []workflow.State) ([]*workflow.Workflow, error) {
	rows, err := g.q(nil).Query(ctx, `
		SELECT id, workflow_type, context, state, version, retry_count, max_retries,
		       is_multi_step, idempotency_key, created_at, updated_at, last_retry_at
		FROM workflows WHERE state = ANY($1)`, statesToStrings(states))
	if err != nil {
		return nil, fmt.Errorf("storage: list retry candidates: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		wf := &workflow.Workflow{}
		if err := rows.Scan(&wf.ID, &wf.WorkflowType, &wf.Context, &wf.State, &wf.Version, &wf.RetryCount,
			&wf.MaxRetries, &wf.IsMultiStep, &wf.IdempotencyKey, &wf.CreatedAt, &wf.UpdatedAt, &wf.LastRetryAt); err != nil {
			return nil, fmt.Errorf("storage: scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func statesToStrings(states []workflow.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// --- approval.Store ------------------------------------------------------

func (g *Gateway) CreateApproval(ctx context.Context, tx dbtx.Tx, a *approval.Approval) (*approval.Approval, error) {
	schema, err := json.Marshal(a.UISchema)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal ui schema: %w", err)
	}

	_, err = g.q(tx).Exec(ctx, `
		INSERT INTO approvals (id, workflow_id, step_id, ui_schema, status, requested_at, expires_at, callback_token)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.WorkflowID, a.StepID, schema, a.Status, a.RequestedAt, a.ExpiresAt, a.CallbackToken)
	if err != nil {
		return nil, fmt.Errorf("storage: create approval: %w", err)
	}
	return a, nil
}

func (g *Gateway) scanApproval(row pgx.Row) (*approval.Approval, error) {
	a := &approval.Approval{}
	var schema []byte
	err := row.Scan(&a.ID, &a.WorkflowID, &a.StepID, &schema, &a.Status, &a.RequestedAt, &a.ExpiresAt,
		&a.RespondedAt, &a.Decision, &a.ResponseData, &a.CallbackToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan approval: %w", err)
	}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &a.UISchema); err != nil {
			return nil, fmt.Errorf("storage: unmarshal ui schema: %w", err)
		}
	}
	return a, nil
}

func (g *Gateway) GetApprovalByToken(ctx context.Context, tx dbtx.Tx, token string) (*approval.Approval, error) {
	row := g.q(tx).QueryRow(ctx, approvalSelectSQL+` WHERE callback_token = $1`, token)
	return g.scanApproval(row)
}

func (g *Gateway) GetApprovalByTokenForUpdate(ctx context.Context, tx dbtx.Tx, token string) (*approval.Approval, error) {
	row := g.q(tx).QueryRow(ctx, approvalSelectSQL+` WHERE callback_token = $1 FOR UPDATE`, token)
	return g.scanApproval(row)
}

func (g *Gateway) GetApproval(ctx context.Context, tx dbtx.Tx, id string) (*approval.Approval, error) {
	row := g.q(tx).QueryRow(ctx, approvalSelectSQL+` WHERE id = $1`, id)
	return g.scanApproval(row)
}

func (g *Gateway) GetApprovalForUpdate(ctx context.Context, tx dbtx.Tx, id string) (*approval.Approval, error) {
	row := g.q(tx).QueryRow(ctx, approvalSelectSQL+` WHERE id = $1 FOR UPDATE`, id)
	return g.scanApproval(row)
}

const approvalSelectSQL = `
	SELECT id, workflow_id, step_id, ui_schema, status, requested_at, expires_at,
	       responded_at, decision, response_data, callback_token
	FROM approvals`

func (g *Gateway) UpdateApproval(ctx context.Context, tx dbtx.Tx, a *approval.Approval) error {
	_, err := g.q(tx).Exec(ctx, `
		UPDATE approvals
		SET status=$1, responded_at=$2, decision=$3, response_data=$4, callback_token=$5
		WHERE id=$6`,
		a.Status, a.RespondedAt, a.Decision, a.ResponseData, a.CallbackToken, a.ID)
	if err != nil {
		return fmt.Errorf("storage: update approval: %w", err)
	}
	return nil
}

func (g *Gateway) ListExpiring(ctx context.Context, asOf time.Time) ([]*approval.Approval, error) {
	rows, err := g.q(nil).Query(ctx, approvalSelectSQL+`
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT 500`, approval.StatusPending, asOf)
	if err != nil {
		return nil, fmt.Errorf("storage: list expiring approvals: %w", err)
	}
	defer rows.Close()

	var out []*approval.Approval
	for rows.Next() {
		a := &approval.Approval{}
		var schema []byte
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.StepID, &schema, &a.Status, &a.RequestedAt, &a.ExpiresAt,
			&a.RespondedAt, &a.Decision, &a.ResponseData, &a.CallbackToken); err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		if len(schema) > 0 {
			_ = json.Unmarshal(schema, &a.UISchema)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- step.Store ------------------------------------------------------------

func (g *Gateway) ListSteps(ctx context.Context, tx dbtx.Tx, workflowID string) ([]*step.Step, error) {
	rows, err := g.q(tx).Query(ctx, `
		SELECT id, workflow_id, step_index, step_type, status, task_handler, task_input, task_output, approval_id
		FROM steps WHERE workflow_id = $1 ORDER BY step_index ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var out []*step.Step
	for rows.Next() {
		s := &step.Step{}
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.StepIndex, &s.StepType, &s.Status,
			&s.TaskHandler, &s.TaskInput, &s.TaskOutput, &s.ApprovalID); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (g *Gateway) UpdateStep(ctx context.Context, tx dbtx.Tx, s *step.Step) error {
	_, err := g.q(tx).Exec(ctx, `
		UPDATE steps SET status=$1, task_output=$2, approval_id=$3 WHERE id=$4`,
		s.Status, s.TaskOutput, s.ApprovalID, s.ID)
	if err != nil {
		return fmt.Errorf("storage: update step: %w", err)
	}
	return nil
}

// CreateSteps inserts the ordered step pipeline for a newly created
// multi-step workflow. Called by the workflow-creation HTTP handler, not
// part of the step.Store interface (steps are only ever created once, in
// bulk, at workflow creation time).
func (g *Gateway) CreateSteps(ctx context.Context, tx dbtx.Tx, steps []*step.Step) error {
	for i, s := range steps {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.StepIndex = i
		_, err := g.q(tx).Exec(ctx, `
			INSERT INTO steps (id, workflow_id, step_index, step_type, status, task_handler, task_input, task_output, approval_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			s.ID, s.WorkflowID, s.StepIndex, s.StepType, s.Status, s.TaskHandler, s.TaskInput, s.TaskOutput, s.ApprovalID)
		if err != nil {
			return fmt.Errorf("storage: create step: %w", err)
		}
	}
	return nil
}

// --- dlqstore.Store ----------------------------------------------------

func (g *Gateway) Record(ctx context.Context, eventType string, payload json.RawMessage, lastErr string, retryCount int, workflowID *string) error {
	_, err := g.q(nil).Exec(ctx, `
		INSERT INTO dlq_entries (id, event_type, payload, error, retry_count, workflow_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), eventType, payload, lastErr, retryCount, workflowID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: record dlq entry: %w", err)
	}
	return nil
}

func (g *Gateway) List(ctx context.Context) ([]*dlqstore.Entry, error) {
	rows, err := g.q(nil).Query(ctx, `
		SELECT id, event_type, payload, error, retry_count, workflow_id, created_at
		FROM dlq_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list dlq entries: %w", err)
	}
	defer rows.Close()

	var out []*dlqstore.Entry
	for rows.Next() {
		e := &dlqstore.Entry{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.Error, &e.RetryCount, &e.WorkflowID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dlq entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *Gateway) Get(ctx context.Context, id string) (*dlqstore.Entry, error) {
	row := g.q(nil).QueryRow(ctx, `
		SELECT id, event_type, payload, error, retry_count, workflow_id, created_at
		FROM dlq_entries WHERE id = $1`, id)
	e := &dlqstore.Entry{}
	err := row.Scan(&e.ID, &e.EventType, &e.Payload, &e.Error, &e.RetryCount, &e.WorkflowID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dlqstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get dlq entry: %w", err)
	}
	return e, nil
}

func (g *Gateway) Delete(ctx context.Context, id string) error {
	tag, err := g.q(nil).Exec(ctx, `DELETE FROM dlq_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dlqstore.ErrNotFound
	}
	return nil
}
