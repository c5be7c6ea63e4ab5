package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"async-notify/internal/models"
)

// WebhookExecutor forwards the payload to the business system over HTTP.
// A 2xx answer counts as success; the body is only inspected for a short
// failure message.
type WebhookExecutor struct {
	url    string
	client *http.Client
}

func NewWebhookExecutor(url string, timeout time.Duration) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookExecutor{url: url, client: &http.Client{Timeout: timeout}}
}

func (e *WebhookExecutor) Execute(ctx context.Context, payload models.Payload) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Message: fmt.Sprintf("encode payload: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Result{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if payload.TransactionID != "" {
		req.Header.Set("Idempotency-Key", payload.TransactionID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("post %s: %v", e.url, err)}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Message: fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}
	return Result{Success: true, Message: strings.TrimSpace(string(snippet))}
}
