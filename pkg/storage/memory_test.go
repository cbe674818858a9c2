package storage

import (
	"context"
	"testing"
	"time"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/step"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_WorkflowCreateGetUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	wf := &workflow.Workflow{ID: "wf-1", WorkflowType: "deploy", State: workflow.StateCreated, Version: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	created, err := m.CreateWorkflow(ctx, nil, wf)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", created.ID)

	got, err := m.GetWorkflow(ctx, nil, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCreated, got.State)

	err = m.UpdateWorkflowVersioned(ctx, nil, "wf-1", 1, func(wf *workflow.Workflow) {
		wf.State = workflow.StateRunning
	})
	require.NoError(t, err)

	got, err = m.GetWorkflow(ctx, nil, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRunning, got.State)
	assert.EqualValues(t, 2, got.Version)
}

func TestMemory_UpdateWorkflowVersioned_StaleVersionRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.CreateWorkflow(ctx, nil, &workflow.Workflow{ID: "wf-1", Version: 1})
	require.NoError(t, err)

	err = m.UpdateWorkflowVersioned(ctx, nil, "wf-1", 99, func(wf *workflow.Workflow) {})
	assert.ErrorIs(t, err, workflow.ErrConcurrentModification)
}

func TestMemory_IdempotentCreateReplays(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := "req-1"

	first, err := m.CreateWorkflow(ctx, nil, &workflow.Workflow{ID: "wf-1", WorkflowType: "deploy", IdempotencyKey: &key})
	require.NoError(t, err)

	second, err := m.CreateWorkflow(ctx, nil, &workflow.Workflow{ID: "wf-2", WorkflowType: "deploy", IdempotencyKey: &key})
	assert.ErrorIs(t, err, workflow.ErrIdempotentReplay)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemory_ApprovalByTokenRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := &approval.Approval{ID: "appr-1", WorkflowID: "wf-1", Status: approval.StatusPending, CallbackToken: "tok-1"}
	_, err := m.CreateApproval(ctx, nil, a)
	require.NoError(t, err)
	require.NoError(t, m.UpdateApproval(ctx, nil, a))

	got, err := m.GetApprovalByToken(ctx, nil, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "appr-1", got.ID)

	_, err = m.GetApprovalByToken(ctx, nil, "missing")
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestMemory_ListExpiring(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	expired := &approval.Approval{ID: "a1", Status: approval.StatusPending, ExpiresAt: now.Add(-time.Minute)}
	notYet := &approval.Approval{ID: "a2", Status: approval.StatusPending, ExpiresAt: now.Add(time.Hour)}
	_, _ = m.CreateApproval(ctx, nil, expired)
	_, _ = m.CreateApproval(ctx, nil, notYet)

	out, err := m.ListExpiring(ctx, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].ID)
}

func TestMemory_StepsListAndUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	steps := []*step.Step{
		{WorkflowID: "wf-1", StepType: step.TypeTask, Status: step.StatusPending},
		{WorkflowID: "wf-1", StepType: step.TypeApproval, Status: step.StatusPending},
	}
	require.NoError(t, m.CreateSteps(ctx, nil, steps))

	listed, err := m.ListSteps(ctx, nil, "wf-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, 0, listed[0].StepIndex)
	assert.Equal(t, 1, listed[1].StepIndex)

	listed[0].Status = step.StatusCompleted
	require.NoError(t, m.UpdateStep(ctx, nil, listed[0]))

	reloaded, err := m.ListSteps(ctx, nil, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, step.StatusCompleted, reloaded[0].Status)
}

func TestMemory_DLQRecordListDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	wid := "wf-1"

	require.NoError(t, m.Record(ctx, "step.failed", []byte(`{}`), "boom", 2, &wid))
	entries, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, m.Delete(ctx, entries[0].ID))
	_, err = m.Get(ctx, entries[0].ID)
	assert.Error(t, err)
}
