package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evalgo/approvalflow/internal/config"
	"github.com/evalgo/approvalflow/pkg/adapters/rest"
	"github.com/evalgo/approvalflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// do sends req through a's router and decodes a JSON body into out (when
// out is non-nil), returning the response code.
func do(a *App, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
	}
	return rec, body
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func testConfig() config.Config {
	return config.Config{
		SigningKey:                    "test-signing-key",
		BaseURL:                       "http://localhost:8080",
		HTTPPort:                      0,
		TimeoutScanIntervalSeconds:    10,
		DefaultApprovalTimeoutSeconds: 3600,
		EventBusMaxRetries:            2,
		EventBusBackoffInitial:        time.Millisecond,
		EventBusBackoffMultiplier:     2.0,
		LogFormat:                     "text",
	}
}

func TestNewWithStore_WiresCreateAndFetchWorkflow(t *testing.T) {
	a, err := NewWithStore(testConfig(), storage.NewMemory(), nil)
	require.NoError(t, err)
	require.NotNil(t, a.Echo)

	body, _ := json.Marshal(map[string]any{
		"workflow_type": "expense_report",
		"context":       json.RawMessage(`{"amount":100}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	a.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/workflows/"+id, nil)
	getRec := httptest.NewRecorder()
	a.Echo.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestNewWithStore_HealthzReportsHealthy(t *testing.T) {
	a, err := NewWithStore(testConfig(), storage.NewMemory(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_RejectsEmptyDatabaseURL(t *testing.T) {
	_, err := New(context.Background(), config.Config{})
	assert.Error(t, err)
}

func TestNewWithStore_OperatorSigningKeyEnablesRollbackRoute(t *testing.T) {
	withoutKey := testConfig()
	a, err := NewWithStore(withoutKey, storage.NewMemory(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/missing/rollback", nil)
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	withKey := testConfig()
	withKey.OperatorSigningKey = "operator-secret"
	a, err = NewWithStore(withKey, storage.NewMemory(), nil)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodPost, "/v1/approvals/missing/rollback", nil)
	rec = httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// The following tests exercise the six end-to-end scenarios from spec
// section 8 against a single storage.NewMemory(), driven purely through
// a.Echo.ServeHTTP, so the real wiring between pkg/approval, pkg/workflow
// and pkg/step is on the hook rather than a fake per package.

func createApprovalWorkflow(t *testing.T, a *App, timeoutSeconds int) (id string, callbackURL string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"workflow_type": "deployment",
		"context":       json.RawMessage(`{"env":"prod","version":"v2.5.0"}`),
		"approval_schema": map[string]any{
			"title": "Deploy?",
		},
		"approval_timeout_seconds": timeoutSeconds,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewReader(body))
	rec, created := do(a, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "WAITING_APPROVAL", created["state"])

	approvalResp, _ := created["approval"].(map[string]any)
	require.NotNil(t, approvalResp, "created response must carry the approval")
	id, _ = created["id"].(string)
	callbackURL, _ = approvalResp["callback_url"].(string)
	require.NotEmpty(t, callbackURL)
	return id, callbackURL
}

func callbackToken(t *testing.T, baseURL, callbackURL string) string {
	t.Helper()
	const prefix = "/callbacks/"
	i := bytes.Index([]byte(callbackURL), []byte(prefix))
	require.NotEqual(t, -1, i, "callback url must contain /callbacks/<token>: %s", callbackURL)
	return callbackURL[i+len(prefix):]
}

func workflowState(t *testing.T, a *App, id string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/workflows/"+id, nil)
	rec, body := do(a, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state, _ := body["state"].(string)
	return state
}

// Scenario 1: single-step approval, approved.
func TestEndToEnd_ApprovalApprovedCompletesWorkflow(t *testing.T) {
	cfg := testConfig()
	a, err := NewWithStore(cfg, storage.NewMemory(), nil)
	require.NoError(t, err)

	id, callbackURL := createApprovalWorkflow(t, a, 3600)
	token := callbackToken(t, cfg.BaseURL, callbackURL)

	body, _ := json.Marshal(map[string]any{
		"decision":      "approve",
		"response_data": map[string]any{"reviewer_name": "alice"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/"+token, bytes.NewReader(body))
	rec, decided := do(a, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decided["status"])

	// Completion happens off the approval.received subscriber, async.
	assert.Eventually(t, func() bool {
		return workflowState(t, a, id) == "COMPLETED"
	}, time.Second, 5*time.Millisecond)
}

// Scenario 2: rejected, then rolled back, then approved to completion.
func TestEndToEnd_ApprovalRejectedThenOperatorRollbackResumesWorkflow(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorSigningKey = "operator-secret"
	a, err := NewWithStore(cfg, storage.NewMemory(), nil)
	require.NoError(t, err)

	id, callbackURL := createApprovalWorkflow(t, a, 3600)
	token := callbackToken(t, cfg.BaseURL, callbackURL)

	body, _ := json.Marshal(map[string]any{
		"decision":      "reject",
		"response_data": map[string]any{"rejection_reason": "blocked"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/"+token, bytes.NewReader(body))
	rec, decided := do(a, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "REJECTED", decided["status"])
	assert.Equal(t, "REJECTED", workflowState(t, a, id))

	approvalID, _ := decided["id"].(string)
	require.NotEmpty(t, approvalID)

	operatorTokens := rest.NewOperatorTokens(cfg.OperatorSigningKey, 0)
	opToken, err := operatorTokens.Issue("operator-1")
	require.NoError(t, err)

	rbReq := httptest.NewRequest(http.MethodPost, "/v1/approvals/"+approvalID+"/rollback", nil)
	rbReq.Header.Set("Authorization", "Bearer "+opToken)
	rbRec, rolledBack := do(a, rbReq)
	require.Equal(t, http.StatusOK, rbRec.Code, rbRec.Body.String())
	assert.Equal(t, "PENDING", rolledBack["status"])
	assert.Equal(t, "RUNNING", workflowState(t, a, id))

	// The callback token is still valid against the reopened approval.
	approveBody, _ := json.Marshal(map[string]any{"decision": "approve"})
	approveReq := httptest.NewRequest(http.MethodPost, "/v1/callbacks/"+token, bytes.NewReader(approveBody))
	approveRec, approved := do(a, approveReq)
	require.Equal(t, http.StatusOK, approveRec.Code, approveRec.Body.String())
	assert.Equal(t, "APPROVED", approved["status"])

	assert.Eventually(t, func() bool {
		return workflowState(t, a, id) == "COMPLETED"
	}, time.Second, 5*time.Millisecond)
}

// Scenario 3: expired before decision.
func TestEndToEnd_ApprovalExpiresToTimeoutAndLateCallbackReturns410(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutScanIntervalSeconds = 1
	a, err := NewWithStore(cfg, storage.NewMemory(), nil)
	require.NoError(t, err)

	id, callbackURL := createApprovalWorkflow(t, a, 1)
	token := callbackToken(t, cfg.BaseURL, callbackURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Manager.Start(ctx)
	defer a.Manager.Stop()

	assert.Eventually(t, func() bool {
		return workflowState(t, a, id) == "TIMEOUT"
	}, 5*time.Second, 50*time.Millisecond)

	body, _ := json.Marshal(map[string]any{"decision": "approve"})
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/"+token, bytes.NewReader(body))
	rec, _ := do(a, req)
	assert.Equal(t, http.StatusGone, rec.Code)
}

// Scenario 4: multi-step pipeline of task/approval/task/approval.
func TestEndToEnd_MultiStepPipelineRunsApprovalsAndTasksToCompletion(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()

	cfg := testConfig()
	store := storage.NewMemory()
	a, err := NewWithStore(cfg, store, nil)
	require.NoError(t, err)

	taskInput, _ := json.Marshal(map[string]any{"url": okServer.URL})
	body, _ := json.Marshal(map[string]any{
		"workflow_type": "release",
		"context":       json.RawMessage(`{}`),
		"steps": []map[string]any{
			{"type": "task", "handler": "webhook", "input": json.RawMessage(taskInput)},
			{"type": "approval"},
			{"type": "task", "handler": "webhook", "input": json.RawMessage(taskInput)},
			{"type": "approval"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewReader(body))
	rec, created := do(a, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	// Step 0 (task) completes synchronously and step 1 (approval) opens,
	// putting the workflow in WAITING_APPROVAL before the create call
	// even returns.
	assert.Equal(t, "WAITING_APPROVAL", created["state"])

	approveFirstPendingApproval := func() {
		steps, err := store.ListSteps(context.Background(), nil, id)
		require.NoError(t, err)
		var approvalID string
		for _, s := range steps {
			if s.StepType == "approval" && s.Status == "running" && s.ApprovalID != nil {
				approvalID = *s.ApprovalID
				break
			}
		}
		require.NotEmpty(t, approvalID, "expected one running approval step")

		approvalRow, err := store.GetApproval(context.Background(), nil, approvalID)
		require.NoError(t, err)

		decisionBody, _ := json.Marshal(map[string]any{"decision": "approve"})
		decReq := httptest.NewRequest(http.MethodPost, "/v1/callbacks/"+approvalRow.CallbackToken, bytes.NewReader(decisionBody))
		decRec, _ := do(a, decReq)
		require.Equal(t, http.StatusOK, decRec.Code, decRec.Body.String())
	}

	approveFirstPendingApproval()

	// Step 2 (task) runs and step 3 (approval) opens once the
	// approval.received subscriber drives the executor forward.
	assert.Eventually(t, func() bool {
		return workflowState(t, a, id) == "WAITING_APPROVAL"
	}, time.Second, 5*time.Millisecond)

	approveFirstPendingApproval()

	assert.Eventually(t, func() bool {
		return workflowState(t, a, id) == "COMPLETED"
	}, time.Second, 5*time.Millisecond)
}

// Scenario 5: missing signing key, every callback POST fails closed.
func TestEndToEnd_MissingSigningKeyRejectsCallbackWithUnauthorized(t *testing.T) {
	cfg := testConfig()
	cfg.SigningKey = ""
	a, err := NewWithStore(cfg, storage.NewMemory(), nil)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"decision": "approve"})
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/anything-at-all", bytes.NewReader(body))
	rec, _ := do(a, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// Scenario 6: idempotent creation.
func TestEndToEnd_IdempotentCreationReturnsSameWorkflowAndSingleEvent(t *testing.T) {
	store := storage.NewMemory()
	a, err := NewWithStore(testConfig(), store, nil)
	require.NoError(t, err)

	create := func() map[string]any {
		req := httptest.NewRequest(http.MethodPost, "/v1/workflows", jsonBody(map[string]any{
			"workflow_type":   "expense_report",
			"context":         json.RawMessage(`{}`),
			"idempotency_key": "req-42",
		}))
		rec, body := do(a, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return body
	}

	first := create()
	second := create()
	assert.Equal(t, first["id"], second["id"])

	id, _ := first["id"].(string)
	events, err := store.ListEvents(context.Background(), id)
	require.NoError(t, err)

	createdCount := 0
	for _, ev := range events {
		if ev.Type == "workflow.created" {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount, "replayed creation must not append a second workflow.created event")
}
