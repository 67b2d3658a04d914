package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// envelope is the JSON body posted to the webhook.
type envelope struct {
	Kind         string        `json:"kind"` // notification | event
	Notification *Notification `json:"notification,omitempty"`
	Event        *Event        `json:"event,omitempty"`
}

// HTTPNotifier posts notifications and events as JSON to a webhook.
type HTTPNotifier struct {
	endpoint  string
	client    *http.Client
	retries   int
	baseDelay time.Duration
	log       *slog.Logger
}

// NewHTTPNotifier creates a webhook notifier. retries below 1 means a
// single attempt.
func NewHTTPNotifier(endpoint string, retries int) (*HTTPNotifier, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid notify endpoint %q", endpoint)
	}
	if retries < 1 {
		retries = 1
	}
	return &HTTPNotifier{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries:   retries,
		baseDelay: time.Second,
		log:       slog.With("component", "notify"),
	}, nil
}

func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	return h.postWithRetry(ctx, envelope{Kind: "notification", Notification: &n})
}

func (h *HTTPNotifier) Event(ctx context.Context, evt Event) error {
	return h.postWithRetry(ctx, envelope{Kind: "event", Event: &evt})
}

// postWithRetry sends the envelope with exponential backoff between
// attempts.
func (h *HTTPNotifier) postWithRetry(ctx context.Context, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Kind, err)
	}

	var lastErr error
	delay := h.baseDelay

	for attempt := 1; attempt <= h.retries; attempt++ {
		err := h.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}

		if attempt < h.retries {
			h.log.Warn("notify attempt failed",
				"attempt", attempt, "retries", h.retries, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("post %s: all %d attempts failed: %w", env.Kind, h.retries, lastErr)
}

func (h *HTTPNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
}

func (h *HTTPNotifier) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
