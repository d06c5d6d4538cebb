package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookNotifier posts reminders as signed JSON to a mail relay
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	retry  *RetryPolicy
}

// NewWebhookNotifier creates a notifier for url. A non-empty secret signs each
// body with HMAC-SHA256 in the X-Banquet-Signature header.
func NewWebhookNotifier(url, secret string, timeout time.Duration, retry RetryConfig) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		retry:  NewRetryPolicy(retry),
	}
}

// Name implements Notifier
func (w *WebhookNotifier) Name() string { return "webhook" }

// Send posts msg, retrying network errors, 429 and 5xx responses
func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return w.retry.Do(ctx, func(ctx context.Context) error {
		return w.post(ctx, msg, payload)
	})
}

func (w *WebhookNotifier) post(ctx context.Context, msg Message, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return permanentError{fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Banquet-Event", string(msg.Type))
	req.Header.Set("X-Banquet-Delivery", msg.ID)
	if w.secret != "" {
		req.Header.Set("X-Banquet-Signature", generateSignature(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return permanentError{fmt.Errorf("webhook returned status %d", resp.StatusCode)}
	}
}

// Ping checks the relay answers at all; any response below 500 counts as up
func (w *WebhookNotifier) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.url, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook relay unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook relay returned status %d", resp.StatusCode)
	}
	return nil
}

// VerifySignature verifies a webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
