// Package timeoutmgr runs the background scanner that expires stalled
// approvals and retries or abandons workflows stuck in TIMEOUT/FAILED.
package timeoutmgr

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/dlqstore"
	"github.com/evalgo/approvalflow/pkg/eventbus"
	"github.com/evalgo/approvalflow/pkg/telemetry"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/sirupsen/logrus"
)

// Publisher is the slice of eventbus.Bus the manager needs.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.Event)
}

// ApprovalStore is the slice of the persistence gateway needed to expire
// stalled approvals.
type ApprovalStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbtx.Tx) error) error
	ListExpiring(ctx context.Context, asOf time.Time) ([]*approval.Approval, error)
	GetApprovalForUpdate(ctx context.Context, tx dbtx.Tx, id string) (*approval.Approval, error)
	UpdateApproval(ctx context.Context, tx dbtx.Tx, a *approval.Approval) error
}

// WorkflowLister is the slice of the persistence gateway needed to find
// retry/abandon candidates. pkg/storage.Gateway implements this.
type WorkflowLister interface {
	ListRetryCandidates(ctx context.Context, states []workflow.State) ([]*workflow.Workflow, error)
}

// Machine is the slice of workflow.Machine the manager needs.
type Machine interface {
	Get(ctx context.Context, workflowID string) (*workflow.Workflow, error)
	Transition(ctx context.Context, workflowID string, to workflow.State, expectedVersion int64, payload json.RawMessage) (*workflow.Workflow, error)
	Retry(ctx context.Context, workflowID string) (*workflow.Workflow, error)
}

// Config tunes the scan interval and retry backoff.
type Config struct {
	ScanInterval    time.Duration
	MaxBatchSize    int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// DefaultConfig matches the spec's default 10 second scan interval.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 10 * time.Second,
		MaxBatchSize: 100,
		BackoffBase:  5 * time.Second,
		BackoffMax:   10 * time.Minute,
	}
}

// Manager is the single background task that expires stalled approvals
// and drives the retry/abandon decision for FAILED and TIMEOUT workflows.
type Manager struct {
	cfg       Config
	approvals ApprovalStore
	workflows WorkflowLister
	machine   Machine
	dlq       dlqstore.Store
	bus       Publisher
	logger    *logrus.Entry

	mu      sync.Mutex
	lastErr map[string]string // workflow id -> last known error, for DLQ abandonment

	lock   ScanLock
	tracer *telemetry.Provider

	cancel context.CancelFunc
	done   chan struct{}
}

// WithLock enables the optional distributed scan lock. Skipping this call
// leaves every process free to tick independently, which is safe but
// wastes work when more than one orchestratord instance is running.
func (m *Manager) WithLock(lock ScanLock) *Manager {
	m.lock = lock
	return m
}

// WithTracer wraps each tick in a span. Nil (the default) disables tracing.
func (m *Manager) WithTracer(tracer *telemetry.Provider) *Manager {
	m.tracer = tracer
	return m
}

// New creates a timeout Manager.
func New(cfg Config, approvals ApprovalStore, workflows WorkflowLister, machine Machine, dlq dlqstore.Store, bus Publisher, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Manager{
		cfg:       cfg,
		approvals: approvals,
		workflows: workflows,
		machine:   machine,
		dlq:       dlq,
		bus:       bus,
		logger:    logger.WithField("component", "timeoutmgr"),
		lastErr:   make(map[string]string),
	}
}

// Start launches the scan loop on a fixed interval. Stop cancels it
// cooperatively: the in-flight tick is allowed to finish before the loop
// exits, so no transaction is ever abandoned mid-flight.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop requests shutdown and blocks until the current tick finishes.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one full scan: expiry pass, then retry/abandon pass. When a
// ScanLock is configured, a tick that loses the race simply skips this
// interval rather than blocking, since the next tick will catch up.
func (m *Manager) tick(ctx context.Context) {
	ctx, span := m.tracer.StartTick(ctx)
	defer telemetry.End(span, nil)

	if m.lock != nil {
		acquired, err := m.lock.TryAcquire(ctx, m.cfg.ScanInterval)
		if err != nil {
			m.logger.WithError(err).Warn("scan lock acquire failed, ticking unlocked")
		} else if !acquired {
			m.logger.Debug("scan lock held elsewhere, skipping tick")
			return
		} else {
			defer func() {
				if err := m.lock.Release(context.Background()); err != nil {
					m.logger.WithError(err).Warn("scan lock release failed")
				}
			}()
		}
	}
	m.expirePass(ctx)
	m.retryPass(ctx)
}

func (m *Manager) expirePass(ctx context.Context) {
	now := time.Now().UTC()
	expiring, err := m.approvals.ListExpiring(ctx, now)
	if err != nil {
		m.logger.WithError(err).Warn("list expiring approvals failed")
		return
	}

	for _, a := range expiring {
		if err := m.expireOne(ctx, a.ID); err != nil {
			m.logger.WithError(err).WithField("approval_id", a.ID).Warn("expire approval failed")
		}
	}
}

func (m *Manager) expireOne(ctx context.Context, approvalID string) error {
	var workflowID string

	err := m.approvals.WithTx(ctx, func(ctx context.Context, tx dbtx.Tx) error {
		a, err := m.approvals.GetApprovalForUpdate(ctx, tx, approvalID)
		if err != nil {
			return err
		}
		// A concurrent submit may have already decided this approval
		// between the unlocked scan and acquiring the row lock here.
		if a.Status != approval.StatusPending {
			return nil
		}

		now := time.Now().UTC()
		a.Status = approval.StatusTimeout
		a.RespondedAt = &now
		if err := m.approvals.UpdateApproval(ctx, tx, a); err != nil {
			return err
		}
		workflowID = a.WorkflowID
		return nil
	})
	if err != nil {
		return err
	}
	if workflowID == "" {
		return nil
	}

	wf, err := m.machine.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if _, err := m.machine.Transition(ctx, workflowID, workflow.StateTimeout, wf.Version, nil); err != nil {
		if errors.Is(err, workflow.ErrConcurrentModification) {
			m.logger.Debug("workflow transitioned concurrently during expiry, skipping")
			return nil
		}
		return err
	}

	if m.bus != nil {
		m.bus.Publish(ctx, eventbus.Event{Type: eventbus.EventType(workflow.EventApprovalTimeout), WorkflowID: workflowID})
	}
	return nil
}

func (m *Manager) retryPass(ctx context.Context) {
	candidates, err := m.workflows.ListRetryCandidates(ctx, []workflow.State{workflow.StateFailed, workflow.StateTimeout})
	if err != nil {
		m.logger.WithError(err).Warn("list retry candidates failed")
		return
	}

	for _, wf := range candidates {
		m.considerRetryOrAbandon(ctx, wf)
	}
}

func (m *Manager) considerRetryOrAbandon(ctx context.Context, wf *workflow.Workflow) {
	if wf.RetryCount >= wf.MaxRetries {
		m.abandon(ctx, wf)
		return
	}

	delay := backoffWithJitter(m.cfg.BackoffBase, m.cfg.BackoffMax, wf.RetryCount)
	elapsed := time.Since(wf.UpdatedAt)
	if elapsed < delay {
		return
	}

	if _, err := m.machine.Retry(ctx, wf.ID); err != nil {
		if errors.Is(err, workflow.ErrConcurrentModification) || errors.Is(err, workflow.ErrRetryNotAllowed) {
			return
		}
		m.logger.WithError(err).WithField("workflow_id", wf.ID).Warn("retry failed")
	}
}

func (m *Manager) abandon(ctx context.Context, wf *workflow.Workflow) {
	m.mu.Lock()
	lastErr := m.lastErr[wf.ID]
	delete(m.lastErr, wf.ID)
	m.mu.Unlock()
	if lastErr == "" {
		lastErr = "max retries exceeded in state " + string(wf.State)
	}

	payload, _ := json.Marshal(wf)
	if err := m.dlq.Record(ctx, "workflow.abandoned", payload, lastErr, wf.RetryCount, &wf.ID); err != nil {
		m.logger.WithError(err).WithField("workflow_id", wf.ID).Warn("dlq record failed")
	}
}

// RecordFailureReason attaches the error that should appear on the DLQ
// entry if this workflow is later abandoned. Best-effort: if no reason was
// recorded, abandon falls back to a generic message.
func (m *Manager) RecordFailureReason(workflowID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr[workflowID] = reason
}

// backoffWithJitter computes an exponential term base*2^attempt capped at
// max, and returns a random delay in [base, capped+base): the jitter is
// drawn from [0, capped) and added to a floor of base, so the result can
// exceed max by up to base.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	scaled := float64(base) * math.Pow(2, float64(attempt))
	if scaled > float64(max) {
		scaled = float64(max)
	}
	if scaled <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(scaled)) + int64(base))
}
