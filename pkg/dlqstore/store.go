// Package dlqstore persists events whose delivery permanently failed, for
// operator triage: retry or delete. Entries are retained until an operator
// acts on them.
package dlqstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one dead-lettered event.
type Entry struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	RetryCount int             `json:"retry_count"`
	WorkflowID *string         `json:"workflow_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store persists and retrieves dead-letter entries. pkg/storage.Gateway
// implements this against Postgres; Memory below is an in-process
// implementation used by tests and by callers that run without a database.
type Store interface {
	Record(ctx context.Context, eventType string, payload json.RawMessage, lastErr string, retryCount int, workflowID *string) error
	List(ctx context.Context) ([]*Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	Delete(ctx context.Context, id string) error
}

// Memory is an in-memory Store used by tests and by callers that run
// without a database (spec section 1 excludes pluggable persistence
// backends beyond the single relational store; this is test scaffolding,
// not an alternative production backend).
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemory creates an empty in-memory dead-letter store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Record(_ context.Context, eventType string, payload json.RawMessage, lastErr string, retryCount int, workflowID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &Entry{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Payload:    payload,
		Error:      lastErr,
		RetryCount: retryCount,
		WorkflowID: workflowID,
		CreatedAt:  time.Now(),
	}
	m.entries[e.ID] = e
	return nil
}

func (m *Memory) List(_ context.Context) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	return nil
}
