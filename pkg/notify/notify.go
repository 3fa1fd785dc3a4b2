// Package notify sends customer-facing notifications about subscriptions.
//
// The strategy is picked by configuration: Noop drops everything, LogNotifier
// writes notifications to the log for local development, and WebhookNotifier
// delivers signed JSON to an HTTP endpoint that fans out to email or chat.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Type identifies a notification template
type Type string

const (
	TypePaymentFailed         Type = "payment_failed"
	TypePaymentFailedReminder Type = "payment_failed_reminder"
	TypeRenewalReminder       Type = "renewal_reminder"
	TypeExpiryReminder        Type = "expiry_reminder"
	TypeSubscriptionExpired   Type = "subscription_expired"
)

// Message is the rendered content of a notification
type Message struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier delivers a notification to an organization
type Notifier interface {
	SendNotification(ctx context.Context, organizationID string, notificationType Type, msg Message) error
}

// Noop discards notifications
type Noop struct{}

// SendNotification does nothing
func (Noop) SendNotification(ctx context.Context, organizationID string, notificationType Type, msg Message) error {
	return nil
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses logrus.New().
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{logger: logger}
}

// SendNotification logs the notification at info level
func (n *LogNotifier) SendNotification(ctx context.Context, organizationID string, notificationType Type, msg Message) error {
	n.logger.WithFields(logrus.Fields{
		"organization_id":   organizationID,
		"notification_type": notificationType,
		"title":             msg.Title,
	}).Info(msg.Message)
	return nil
}
