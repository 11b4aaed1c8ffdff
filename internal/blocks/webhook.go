package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbirch/weft/internal/retry"
	"github.com/mbirch/weft/internal/workflow"
)

const (
	webhookMaxAttempts = 3
	webhookRetryDelay  = 500 * time.Millisecond
	webhookBodyPreview = 200
)

var webhookSchema = mustCompileSchema("webhook", map[string]any{
	"type":     "object",
	"required": []any{"url"},
	"properties": map[string]any{
		"url":     map[string]any{"type": "string", "minLength": 1},
		"method":  map[string]any{"type": "string"},
		"headers": map[string]any{"type": "object"},
		"body":    map[string]any{},
	},
})

// WebhookHandler performs an HTTP call with the node's url/method/headers/body
// config. Non-2xx responses fail the node; 5xx responses get a bounded
// internal retry first.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates the webhook handler. A nil client gets a default
// with a 30s timeout.
func NewWebhookHandler(client *http.Client) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookHandler{client: client}
}

func (h *WebhookHandler) Type() string { return "webhook" }

func (h *WebhookHandler) ValidateConfig(config map[string]any) error {
	return validateAgainst(webhookSchema, config)
}

func (h *WebhookHandler) Execute(ctx context.Context, node workflow.Node, ec *ExecContext) (map[string]any, error) {
	url, _ := node.Config["url"].(string)
	if url == "" {
		return nil, E(KindConfigInvalid, "webhook: url is required")
	}

	method := "GET"
	if m, ok := node.Config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	headers := map[string]string{}
	if raw, ok := node.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = fmt.Sprint(v)
		}
	}

	body, contentType, err := encodeBody(node.Config["body"], headers)
	if err != nil {
		return nil, err
	}

	ec.Logger.Info("webhook request", "method", method, "url", url)

	var output map[string]any
	err = retry.Do(ctx, webhookMaxAttempts, webhookRetryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(E(KindConfigInvalid, "webhook: bad request: %v", err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if contentType != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return Wrap(KindWebhookError, err, "webhook: request failed")
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return Wrap(KindWebhookError, err, "webhook: reading response")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			failure := E(KindWebhookError, "webhook returned %d: %s",
				resp.StatusCode, bodyPreview(respBody))
			// 5xx may be transient; everything else is the caller's fault.
			if resp.StatusCode >= 500 {
				return failure
			}
			return retry.Permanent(failure)
		}

		output = parseResponse(resp.Header.Get("Content-Type"), respBody)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ec.Logger.Info("webhook response", "url", url)
	return output, nil
}

// encodeBody returns the request body bytes plus a content type to apply when
// the config did not set one. Non-string bodies are JSON-encoded.
func encodeBody(body any, headers map[string]string) ([]byte, string, error) {
	if body == nil {
		return nil, "", nil
	}
	if s, ok := body.(string); ok {
		return []byte(s), "", nil
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, "", E(KindConfigInvalid, "webhook: body is not JSON-encodable: %v", err)
	}
	for k := range headers {
		if strings.EqualFold(k, "Content-Type") {
			return encoded, "", nil
		}
	}
	return encoded, "application/json", nil
}

// parseResponse decodes JSON responses; anything else passes through as text.
// Non-object JSON and text land under a "response" key so downstream template
// paths always have a map to walk.
func parseResponse(contentType string, body []byte) map[string]any {
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			if obj, ok := v.(map[string]any); ok {
				return obj
			}
			return map[string]any{"response": v}
		}
	}
	return map[string]any{"response": string(body)}
}

func bodyPreview(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > webhookBodyPreview {
		s = s[:webhookBodyPreview]
	}
	return s
}

var _ ConfigValidator = (*WebhookHandler)(nil)
