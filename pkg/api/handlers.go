package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/plangate/pkg/entitlements"
	"github.com/platinummonkey/plangate/pkg/httputil"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/service"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// Subscriptions is the subscription lifecycle the handlers drive
type Subscriptions interface {
	GetSubscription(ctx context.Context, organizationID string) (*subscription.Subscription, error)
	GetHistory(ctx context.Context, organizationID string) ([]subscription.HistoryEntry, error)
	CreateTrialSubscription(ctx context.Context, organizationID, planID string) (*subscription.Subscription, error)
	Subscribe(ctx context.Context, req service.SubscribeRequest) (*subscription.Subscription, error)
	Cancel(ctx context.Context, organizationID string, atPeriodEnd bool) (*subscription.Subscription, error)
	Reactivate(ctx context.Context, organizationID string) (*subscription.Subscription, error)
	ChangePlan(ctx context.Context, organizationID, planID string) (*subscription.Subscription, error)
	UpdatePaymentMethod(ctx context.Context, organizationID, paymentMethodID string) (*subscription.Subscription, error)
	UpdateBillingDetails(ctx context.Context, organizationID string, update subscription.BillingUpdate) (*subscription.Subscription, error)
}

// Entitlements answers feature and usage questions and records usage
type Entitlements interface {
	CheckFeatureAccess(ctx context.Context, organizationID, featureID string) entitlements.FeatureAccess
	CheckUsageLimit(ctx context.Context, organizationID string, metric plans.Metric, requested int64) entitlements.UsageCheck
	UpdateUsage(ctx context.Context, organizationID string, metric plans.Metric, value int64) (subscription.Usage, error)
	IncrementAPIRequests(ctx context.Context, organizationID string, delta int64) (int64, error)
}

// HandlersOptions wires Handlers
type HandlersOptions struct {
	Subscriptions Subscriptions
	Entitlements  Entitlements
	Catalog       plans.Catalog
	Clock         func() time.Time
}

// Handlers serves the subscription and entitlement routes
type Handlers struct {
	subs         Subscriptions
	entitlements Entitlements
	catalog      plans.Catalog
	clock        func() time.Time
	validate     *validator.Validate
}

// NewHandlers creates Handlers
func NewHandlers(opts HandlersOptions) *Handlers {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Handlers{
		subs:         opts.Subscriptions,
		entitlements: opts.Entitlements,
		catalog:      opts.Catalog,
		clock:        opts.Clock,
		validate:     newValidator(),
	}
}

// RegisterRoutes registers the API routes on router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.listPlans).Methods(http.MethodGet)

	org := router.PathPrefix("/orgs/{org}").Subrouter()
	org.Use(organizationContext)
	org.HandleFunc("/subscription", h.getSubscription).Methods(http.MethodGet)
	org.HandleFunc("/subscription", h.subscribe).Methods(http.MethodPost)
	org.HandleFunc("/subscription/trial", h.createTrial).Methods(http.MethodPost)
	org.HandleFunc("/subscription/cancel", h.cancel).Methods(http.MethodPost)
	org.HandleFunc("/subscription/reactivate", h.reactivate).Methods(http.MethodPost)
	org.HandleFunc("/subscription/plan", h.changePlan).Methods(http.MethodPut)
	org.HandleFunc("/subscription/billing", h.updateBilling).Methods(http.MethodPut)
	org.HandleFunc("/subscription/payment-method", h.updatePaymentMethod).Methods(http.MethodPut)
	org.HandleFunc("/subscription/history", h.getHistory).Methods(http.MethodGet)

	org.HandleFunc("/entitlements/features/{feature}", h.checkFeature).Methods(http.MethodGet)
	org.HandleFunc("/entitlements/usage/{metric}", h.checkUsage).Methods(http.MethodGet)
	org.HandleFunc("/usage/api-requests", h.incrementAPIRequests).Methods(http.MethodPost)
	org.HandleFunc("/usage/{metric}", h.updateUsage).Methods(http.MethodPut)
}

// subscriptionView is a subscription plus the derived values clients display
type subscriptionView struct {
	subscription.Snapshot
	IsActive         bool `json:"is_active"`
	DaysUntilRenewal int  `json:"days_until_renewal"`
	InTrial          bool `json:"in_trial"`
	DaysLeftInTrial  int  `json:"days_left_in_trial"`
}

func (h *Handlers) view(sub *subscription.Subscription) subscriptionView {
	now := h.clock()
	return subscriptionView{
		Snapshot:         sub.Snapshot(),
		IsActive:         sub.IsActive(),
		DaysUntilRenewal: sub.DaysUntilRenewal(now),
		InTrial:          sub.IsInTrial(now),
		DaysLeftInTrial:  sub.DaysLeftInTrial(now),
	}
}

func (h *Handlers) writeSubscription(w http.ResponseWriter, status int, sub *subscription.Subscription) {
	_ = httputil.WriteJSON(w, status, h.view(sub))
}

// organizationContext tags the request logger with the organization id
func organizationContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithOrganizationID(r.Context(), orgID(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func orgID(r *http.Request) string {
	return mux.Vars(r)["org"]
}

// hasBody reports whether the request carries a body to decode
func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func (h *Handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	all, err := h.catalog.ListPlans(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]any{"plans": all})
}

func (h *Handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.GetSubscription(r.Context(), orgID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusOK, sub)
}

func (h *Handlers) createTrial(w http.ResponseWriter, r *http.Request) {
	var req trialRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.subs.CreateTrialSubscription(r.Context(), orgID(r), req.PlanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusCreated, sub)
}

func (h *Handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.subs.Subscribe(r.Context(), service.SubscribeRequest{
		OrganizationID:  orgID(r),
		PlanID:          req.PlanID,
		PaymentMethodID: req.PaymentMethodID,
		Billing:         req.billing(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusCreated, sub)
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if hasBody(r) && !h.decode(w, r, &req) {
		return
	}
	sub, err := h.subs.Cancel(r.Context(), orgID(r), req.atPeriodEnd())
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusOK, sub)
}

func (h *Handlers) reactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Reactivate(r.Context(), orgID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusOK, sub)
}

func (h *Handlers) changePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.subs.ChangePlan(r.Context(), orgID(r), req.PlanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusOK, sub)
}

func (h *Handlers) updateBilling(w http.ResponseWriter, r *http.Request) {
	var req billingRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.subs.UpdateBillingDetails(r.Context(), orgID(r), req.update())
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusOK, sub)
}

func (h *Handlers) updatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.subs.UpdatePaymentMethod(r.Context(), orgID(r), req.PaymentMethodID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSubscription(w, http.StatusOK, sub)
}

func (h *Handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.subs.GetHistory(r.Context(), orgID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []subscription.HistoryEntry{}
	}
	_ = httputil.WriteSuccess(w, map[string]any{"history": history})
}

func (h *Handlers) checkFeature(w http.ResponseWriter, r *http.Request) {
	feature := mux.Vars(r)["feature"]
	access := h.entitlements.CheckFeatureAccess(r.Context(), orgID(r), feature)
	_ = httputil.WriteSuccess(w, access)
}

// metric parses the {metric} path variable, writing a 400 on failure
func metric(w http.ResponseWriter, r *http.Request) (plans.Metric, bool) {
	m, err := plans.ParseMetric(mux.Vars(r)["metric"])
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return "", false
	}
	return m, true
}

func (h *Handlers) checkUsage(w http.ResponseWriter, r *http.Request) {
	m, ok := metric(w, r)
	if !ok {
		return
	}
	amount, err := httputil.ParseQueryInt64(r, "amount", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !httputil.RequirePositive(w, amount, "amount") {
		return
	}
	check := h.entitlements.CheckUsageLimit(r.Context(), orgID(r), m, amount)
	_ = httputil.WriteSuccess(w, check)
}

func (h *Handlers) updateUsage(w http.ResponseWriter, r *http.Request) {
	m, ok := metric(w, r)
	if !ok {
		return
	}
	var req usageRequest
	if !h.decode(w, r, &req) {
		return
	}
	usage, err := h.entitlements.UpdateUsage(r.Context(), orgID(r), m, *req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, usage)
}

func (h *Handlers) incrementAPIRequests(w http.ResponseWriter, r *http.Request) {
	var req incrementRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, err := h.entitlements.IncrementAPIRequests(r.Context(), orgID(r), req.Delta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]int64{"api_requests": total})
}
