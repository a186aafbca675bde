package usage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentforge/engine/telemetry"
)

// EventType enumerates the outbound webhook event kinds spec.md §6 names.
type EventType string

const (
	EventSessionStarted   EventType = "SessionStarted"
	EventToolCompleted    EventType = "ToolCompleted"
	EventTokenLimitWarning EventType = "TokenLimitWarning"
	EventCostLimitWarning  EventType = "CostLimitWarning"
)

// Event is the outbound JSON body spec.md §6 defines for a webhook delivery.
type Event struct {
	EventID   string         `json:"eventId"`
	Timestamp string         `json:"timestamp"`
	EventType EventType      `json:"eventType"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
}

// Sender delivers a webhook Event. Implementations must never let delivery
// failures propagate back into the agent's run (spec.md §7): they log and
// drop after retries.
type Sender interface {
	Send(ctx context.Context, evt Event)
}

// HTTPSenderOptions configures an HTTPSender.
type HTTPSenderOptions struct {
	URL     string
	Secret  string
	Headers map[string]string
	Retries int
	Timeout time.Duration
	Client  *http.Client
	Logger  telemetry.Logger
}

// HTTPSender posts webhook events as JSON, signing the body with
// HMAC-SHA256 when a secret is configured, per spec.md §6:
// "X-Webhook-Signature: sha256=<hex hmac of body>".
type HTTPSender struct {
	opts HTTPSenderOptions
}

// NewHTTPSender constructs an HTTPSender, filling in spec.md's defaults
// (3 retries, 30s per-endpoint timeout).
func NewHTTPSender(opts HTTPSenderOptions) *HTTPSender {
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &HTTPSender{opts: opts}
}

// Send posts evt, retrying opts.Retries times on failure. It never returns
// an error to the caller: failures are logged and dropped.
func (s *HTTPSender) Send(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		s.opts.Logger.Error(ctx, "usage: failed to marshal webhook event", "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if err := s.deliver(ctx, body); err != nil {
			lastErr = err
			continue
		}
		return
	}
	s.opts.Logger.Warn(ctx, "usage: webhook delivery failed after retries", "error", lastErr, "event_type", evt.EventType)
}

func (s *HTTPSender) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}
	if s.opts.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(s.opts.Secret, body))
	}
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
