package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Headers set on every delivery
const (
	HeaderSignature    = "X-Plangate-Signature"
	HeaderNotification = "X-Plangate-Notification"
	HeaderDeliveryID   = "X-Plangate-Delivery"
)

// Delivery is the JSON body posted by WebhookNotifier
type Delivery struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Type           Type      `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	SentAt         time.Time `json:"sent_at"`
}

// WebhookConfig configures a WebhookNotifier
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// WebhookNotifier posts notifications to an HTTP endpoint
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	clock  func() time.Time
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a WebhookNotifier
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("notification webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		clock: time.Now,
	}, nil
}

// SendNotification posts the notification. Non-2xx responses are errors.
func (n *WebhookNotifier) SendNotification(ctx context.Context, organizationID string, notificationType Type, msg Message) error {
	delivery := Delivery{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Type:           notificationType,
		Title:          msg.Title,
		Message:        msg.Message,
		SentAt:         n.clock().UTC(),
	}
	payload, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderNotification, string(notificationType))
	req.Header.Set(HeaderDeliveryID, delivery.ID)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature of payload as "sha256=<hex>"
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
