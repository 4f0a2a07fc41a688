package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaharia-lab/notiq/internal/build"
)

// WebhookProvider delivers notifications by POSTing a JSON document to the
// recipient URL.
type WebhookProvider struct {
	client *http.Client
}

// NewWebhookProvider creates a WebhookProvider using the given HTTP client.
// A nil client falls back to a default with a 30 second timeout.
func NewWebhookProvider(client *http.Client) *WebhookProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookProvider{client: client}
}

// Name returns the provider identifier.
func (p *WebhookProvider) Name() string { return "webhook" }

// webhookPayload is the JSON document POSTed to the recipient URL.
type webhookPayload struct {
	ID       string            `json:"id"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// Send POSTs the envelope to its recipient URL. Any 2xx response is success;
// 408, 429 and 5xx responses plus transport errors are transient; every other
// 4xx is permanent.
func (p *WebhookProvider) Send(ctx context.Context, env *Envelope) Outcome {
	payload, err := json.Marshal(webhookPayload{
		ID:       env.ID,
		Subject:  env.Subject,
		Body:     env.Body,
		Metadata: env.Metadata,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return Permanent(fmt.Sprintf("encoding payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.Recipient, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Sprintf("invalid webhook URL %q: %v", env.Recipient, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", build.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		// DNS failures, refused connections and timeouts are all worth
		// retrying.
		return Transient(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success(resp.Header.Get("X-Request-Id"))
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Transient(fmt.Sprintf("webhook responded %s", resp.Status))
	default:
		return Permanent(fmt.Sprintf("webhook responded %s", resp.Status))
	}
}
