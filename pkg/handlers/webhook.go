// Package handlers provides built-in step.TaskHandler implementations
// operators can register against a task step's task_handler name.
// Deployments that need bespoke handlers register their own with
// step.Registry directly; this package only ships the generically useful
// ones.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient is the slice of *http.Client the webhook handler needs,
// letting tests substitute a fake without a live listener.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookInput is the task_input shape the "webhook" handler expects.
type WebhookInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// WebhookOutput is the task_output the "webhook" handler produces.
type WebhookOutput struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Webhook builds a step.TaskHandler (registered as "webhook") that POSTs
// (or Method, if set) task_input.body to task_input.url and returns the
// response status and body as task_output. A non-2xx response is a
// permanent handler failure, never retried by the executor.
func Webhook(client HTTPClient) func(ctx context.Context, workflowID string, input json.RawMessage) (json.RawMessage, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, workflowID string, input json.RawMessage) (json.RawMessage, error) {
		var in WebhookInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("handlers: decode webhook input: %w", err)
		}
		if in.URL == "" {
			return nil, fmt.Errorf("handlers: webhook input missing url")
		}
		method := in.Method
		if method == "" {
			method = http.MethodPost
		}

		req, err := http.NewRequestWithContext(ctx, method, in.URL, bytes.NewReader(in.Body))
		if err != nil {
			return nil, fmt.Errorf("handlers: build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Workflow-ID", workflowID)
		for k, v := range in.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("handlers: webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("handlers: read webhook response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("handlers: webhook returned status %d", resp.StatusCode)
		}

		out, err := json.Marshal(WebhookOutput{StatusCode: resp.StatusCode, Body: body})
		if err != nil {
			return nil, fmt.Errorf("handlers: marshal webhook output: %w", err)
		}
		return out, nil
	}
}
