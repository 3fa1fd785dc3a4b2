package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/plangate/pkg/httputil"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/reconciler"
)

const (
	// SignatureHeader carries the provider's webhook signature
	SignatureHeader = "Stripe-Signature"

	maxWebhookBytes = 64 * 1024
)

// WebhookVerifier verifies and decodes raw webhook bodies
type WebhookVerifier interface {
	ConstructEvent(payload []byte, signature string) (provider.Event, error)
}

// EventHandler applies verified events
type EventHandler interface {
	Handle(ctx context.Context, event provider.Event) reconciler.Result
}

// WebhookHandler receives billing provider webhooks
type WebhookHandler struct {
	verifier WebhookVerifier
	events   EventHandler
}

// NewWebhookHandler creates a WebhookHandler
func NewWebhookHandler(verifier WebhookVerifier, events EventHandler) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events}
}

// RegisterRoutes registers POST /billing/webhook
func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.Handle("/billing/webhook", h).Methods(http.MethodPost)
}

type webhookResponse struct {
	Received bool               `json:"received"`
	EventID  string             `json:"event_id,omitempty"`
	Outcome  reconciler.Outcome `json:"outcome"`
}

// ServeHTTP rejects bodies that fail verification with 400. A verified event
// is always acknowledged with 200, even when handling it failed; failures are
// reported by the reconciler rather than through provider retries.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	event, err := h.verifier.ConstructEvent(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		logger.WithError(err).Warn("Rejected webhook")
		if errors.Is(err, provider.ErrInvalidSignature) {
			httputil.WriteBadRequest(w, "invalid signature")
			return
		}
		httputil.WriteBadRequest(w, "invalid payload")
		return
	}

	result := h.events.Handle(r.Context(), event)
	_ = httputil.WriteSuccess(w, webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Outcome:  result.Outcome,
	})
}
