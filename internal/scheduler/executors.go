package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// defaultExecute runs the built-in executor for a task type when no custom
// handler has been registered for it.
func defaultExecute(ctx context.Context, task *ScheduledTask) (interface{}, error) {
	switch task.Payload.Type {
	case TaskFunction:
		return nil, fmt.Errorf("no handler registered for function task %q", task.Payload.FunctionName)
	case TaskHTTP:
		return executeHTTP(ctx, task.Payload)
	case TaskCommand:
		return map[string]interface{}{
			"status": "skipped",
			"reason": "command execution disabled by default",
		}, nil
	case TaskNotification:
		return map[string]interface{}{
			"status":    "submitted",
			"recipient": task.Payload.NotificationRecipient,
		}, nil
	default:
		return nil, fmt.Errorf("unknown task type: %s", task.Payload.Type)
	}
}

// executeHTTP issues the configured HTTP request and returns its status,
// headers, and body. The request is sent once; a transport error is
// returned as-is, with no retry.
func executeHTTP(ctx context.Context, payload TaskPayload) (interface{}, error) {
	method := payload.HTTPMethod
	if method == "" {
		method = "POST"
	}

	var body io.Reader
	if payload.HTTPBody != nil {
		encoded, err := json.Marshal(payload.HTTPBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode http task body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, payload.HTTPURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build http task request: %w", err)
	}
	for k, v := range payload.HTTPHeaders {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http task request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read http task response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(respBody),
	}, nil
}
