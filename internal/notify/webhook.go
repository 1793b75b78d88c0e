package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"genengine/internal/domain"
)

// ErrNoEndpoint is returned when neither the recipient nor the notifier has a
// webhook URL.
var ErrNoEndpoint = errors.New("notify: no webhook endpoint")

// WebhookNotifier posts JSON events. A recipient's own webhook URL takes
// precedence over the default endpoint.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
}

type webhookEvent struct {
	Event     string    `json:"event"`
	UserID    string    `json:"user_id"`
	JobID     string    `json:"job_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	ResultURL string    `json:"result_url,omitempty"`
	Refunded  int64     `json:"refunded_points,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	ExpiresAt string    `json:"expires_at,omitempty"`
	Locale    string    `json:"locale"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

func NewWebhookNotifier(endpoint string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{endpoint: strings.TrimSpace(endpoint), client: client}
}

func (n *WebhookNotifier) NotifyCompleted(ctx context.Context, to Recipient, job *domain.Job) error {
	return n.post(ctx, to, webhookEvent{
		Event:     "job.completed",
		JobID:     job.ID,
		Status:    string(job.Status),
		ResultURL: job.ResultURL,
		Message:   completedText(to, job),
	})
}

func (n *WebhookNotifier) NotifyFailed(ctx context.Context, to Recipient, job *domain.Job) error {
	ev := webhookEvent{
		Event:   "job.failed",
		JobID:   job.ID,
		Status:  string(job.Status),
		Message: failedText(to, job),
	}
	if job.Refunded {
		ev.Refunded = job.RefundAmount
	}
	return n.post(ctx, to, ev)
}

func (n *WebhookNotifier) NotifySubscriptionExpiring(ctx context.Context, to Recipient, tier domain.Tier, expiry time.Time, daysLeft int) error {
	return n.post(ctx, to, webhookEvent{
		Event:     "subscription.expiring",
		Tier:      string(tier),
		ExpiresAt: expiry.UTC().Format(time.RFC3339),
		Message:   expiringText(to, tier, daysLeft),
	})
}

func (n *WebhookNotifier) post(ctx context.Context, to Recipient, ev webhookEvent) error {
	endpoint := strings.TrimSpace(to.WebhookURL)
	if endpoint == "" {
		endpoint = n.endpoint
	}
	if endpoint == "" {
		return ErrNoEndpoint
	}
	ev.UserID = to.UserID
	ev.Locale = Locale(to.Locale).String()
	ev.SentAt = time.Now().UTC()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", ev.Event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: post %s: status %d", ev.Event, resp.StatusCode)
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
