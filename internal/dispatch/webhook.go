package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadline/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookEvent          = "submission.created"
)

// WebhookNotifier posts submissions as JSON to a CRM endpoint.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) (*WebhookNotifier, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{url: url, secret: secret, client: &http.Client{Timeout: timeout}}, nil
}

type webhookPayload struct {
	Event       string                  `json:"event"`
	ID          string                  `json:"id"`
	RequestType string                  `json:"request_type"`
	DisplayName string                  `json:"display_name"`
	Endpoint    string                  `json:"endpoint"`
	ClientAddr  string                  `json:"client_addr"`
	ReceivedAt  string                  `json:"received_at"`
	Fields      []domain.SubmittedField `json:"fields"`
}

func newWebhookPayload(req domain.SubmissionRequest) webhookPayload {
	return webhookPayload{
		Event:       webhookEvent,
		ID:          req.ID(),
		RequestType: req.RequestType(),
		DisplayName: req.DisplayName(),
		Endpoint:    req.Endpoint(),
		ClientAddr:  req.ClientAddr(),
		ReceivedAt:  req.ReceivedAt().UTC().Format(time.RFC3339),
		Fields:      req.Fields(),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, req domain.SubmissionRequest) error {
	data, err := json.Marshal(newWebhookPayload(req))
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Leadline-Event", webhookEvent)
	httpReq.Header.Set("X-Leadline-Delivery", req.ID())
	httpReq.Header.Set("X-Leadline-Request-Type", req.RequestType())
	if strings.TrimSpace(n.secret) != "" {
		httpReq.Header.Set("X-Leadline-Secret", n.secret)
	}
	res, err := n.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
