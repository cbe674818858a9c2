package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/dlqstore"
	"github.com/evalgo/approvalflow/pkg/step"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/google/uuid"
)

// Memory is an in-process Gateway implementing every domain Store
// interface without a database. It backs internal/app's integration
// tests and this package's own tests; spec section 1 excludes pluggable
// persistence backends in production, so this is test scaffolding only:
// neither cmd/orchestratord nor the HTTP façade selects it at runtime.
type Memory struct {
	mu sync.Mutex

	workflows    map[string]*workflow.Workflow
	idempotency  map[string]string // workflow_type|key -> workflow id
	events       map[string][]*workflow.Event
	approvals    map[string]*approval.Approval
	approvalsTok map[string]string // token -> approval id
	steps        map[string][]*step.Step
	dlq          map[string]*dlqstore.Entry
}

// NewMemory creates an empty in-memory Gateway.
func NewMemory() *Memory {
	return &Memory{
		workflows:    make(map[string]*workflow.Workflow),
		idempotency:  make(map[string]string),
		events:       make(map[string][]*workflow.Event),
		approvals:    make(map[string]*approval.Approval),
		approvalsTok: make(map[string]string),
		steps:        make(map[string][]*step.Step),
		dlq:          make(map[string]*dlqstore.Entry),
	}
}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbtx.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, nil)
}

// --- workflow.Store ------------------------------------------------------

func (m *Memory) GetWorkflow(_ context.Context, _ dbtx.Tx, id string) (*workflow.Workflow, error) {
	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (m *Memory) CreateWorkflow(_ context.Context, _ dbtx.Tx, wf *workflow.Workflow) (*workflow.Workflow, error) {
	if wf.IdempotencyKey != nil {
		key := wf.WorkflowType + "|" + *wf.IdempotencyKey
		if existingID, ok := m.idempotency[key]; ok {
			cp := *m.workflows[existingID]
			return &cp, workflow.ErrIdempotentReplay
		}
		m.idempotency[key] = wf.ID
	}
	cp := *wf
	m.workflows[wf.ID] = &cp
	out := *wf
	return &out, nil
}

func (m *Memory) UpdateWorkflowVersioned(_ context.Context, _ dbtx.Tx, id string, expectedVersion int64, mutate func(*workflow.Workflow)) error {
	wf, ok := m.workflows[id]
	if !ok {
		return workflow.ErrNotFound
	}
	if wf.Version != expectedVersion {
		return workflow.ErrConcurrentModification
	}
	mutate(wf)
	wf.Version++
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, _ dbtx.Tx, ev *workflow.Event) error {
	cp := *ev
	m.events[ev.WorkflowID] = append(m.events[ev.WorkflowID], &cp)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, workflowID string) ([]*workflow.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.Event, len(m.events[workflowID]))
	copy(out, m.events[workflowID])
	return out, nil
}

func (m *Memory) ListRetryCandidates(_ context.Context, states []workflow.State) ([]*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[workflow.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*workflow.Workflow
	for _, wf := range m.workflows {
		if want[wf.State] {
			cp := *wf
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- approval.Store ------------------------------------------------------

func (m *Memory) CreateApproval(_ context.Context, _ dbtx.Tx, a *approval.Approval) (*approval.Approval, error) {
	cp := *a
	m.approvals[a.ID] = &cp
	out := *a
	return &out, nil
}

func (m *Memory) GetApprovalByToken(_ context.Context, _ dbtx.Tx, token string) (*approval.Approval, error) {
	id, ok := m.approvalsTok[token]
	if !ok {
		return nil, approval.ErrNotFound
	}
	cp := *m.approvals[id]
	return &cp, nil
}

func (m *Memory) GetApprovalByTokenForUpdate(ctx context.Context, tx dbtx.Tx, token string) (*approval.Approval, error) {
	return m.GetApprovalByToken(ctx, tx, token)
}

func (m *Memory) GetApproval(_ context.Context, _ dbtx.Tx, id string) (*approval.Approval, error) {
	a, ok := m.approvals[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetApprovalForUpdate(ctx context.Context, tx dbtx.Tx, id string) (*approval.Approval, error) {
	return m.GetApproval(ctx, tx, id)
}

func (m *Memory) UpdateApproval(_ context.Context, _ dbtx.Tx, a *approval.Approval) error {
	if _, ok := m.approvals[a.ID]; !ok {
		return approval.ErrNotFound
	}
	cp := *a
	m.approvals[a.ID] = &cp
	if a.CallbackToken != "" {
		m.approvalsTok[a.CallbackToken] = a.ID
	}
	return nil
}

func (m *Memory) ListExpiring(_ context.Context, asOf time.Time) ([]*approval.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*approval.Approval
	for _, a := range m.approvals {
		if a.Status == approval.StatusPending && !a.ExpiresAt.After(asOf) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- step.Store ------------------------------------------------------------

func (m *Memory) ListSteps(_ context.Context, _ dbtx.Tx, workflowID string) ([]*step.Step, error) {
	out := make([]*step.Step, len(m.steps[workflowID]))
	copy(out, m.steps[workflowID])
	return out, nil
}

func (m *Memory) UpdateStep(_ context.Context, _ dbtx.Tx, s *step.Step) error {
	for _, existing := range m.steps[s.WorkflowID] {
		if existing.ID == s.ID {
			*existing = *s
			return nil
		}
	}
	return step.ErrNotFound
}

func (m *Memory) CreateSteps(_ context.Context, _ dbtx.Tx, steps []*step.Step) error {
	for i, s := range steps {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.StepIndex = i
	}
	m.steps[steps[0].WorkflowID] = append(m.steps[steps[0].WorkflowID], steps...)
	return nil
}

// --- dlqstore.Store ----------------------------------------------------

func (m *Memory) Record(_ context.Context, eventType string, payload json.RawMessage, lastErr string, retryCount int, workflowID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &dlqstore.Entry{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Payload:    payload,
		Error:      lastErr,
		RetryCount: retryCount,
		WorkflowID: workflowID,
		CreatedAt:  time.Now().UTC(),
	}
	m.dlq[e.ID] = e
	return nil
}

func (m *Memory) List(_ context.Context) ([]*dlqstore.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*dlqstore.Entry, 0, len(m.dlq))
	for _, e := range m.dlq {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (*dlqstore.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlq[id]
	if !ok {
		return nil, dlqstore.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dlq[id]; !ok {
		return dlqstore.ErrNotFound
	}
	delete(m.dlq, id)
	return nil
}
