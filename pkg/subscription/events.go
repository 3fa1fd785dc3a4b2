package subscription

import (
	"encoding/json"
	"time"
)

// Kind identifies a domain event. The set is closed: every consumer switches
// over all kinds, so adding one breaks the exhaustiveness tests until it is
// handled everywhere.
type Kind int

const (
	KindCreated Kind = iota + 1
	KindStatusChanged
	KindPeriodUpdated
	KindCancelled
	KindReactivated
	KindPlanChanged
	KindUsageUpdated
	KindPaymentMethodUpdated
	KindBillingDetailsUpdated
	KindProviderLinked
	KindPaymentSucceeded
	KindPaymentFailed
	KindExpired
)

// AllKinds returns every event kind in declaration order
func AllKinds() []Kind {
	return []Kind{
		KindCreated,
		KindStatusChanged,
		KindPeriodUpdated,
		KindCancelled,
		KindReactivated,
		KindPlanChanged,
		KindUsageUpdated,
		KindPaymentMethodUpdated,
		KindBillingDetailsUpdated,
		KindProviderLinked,
		KindPaymentSucceeded,
		KindPaymentFailed,
		KindExpired,
	}
}

// Name returns the event bus name of the kind
func (k Kind) Name() string {
	switch k {
	case KindCreated:
		return "subscription.created"
	case KindStatusChanged:
		return "subscription.status_changed"
	case KindPeriodUpdated:
		return "subscription.period_updated"
	case KindCancelled:
		return "subscription.canceled"
	case KindReactivated:
		return "subscription.reactivated"
	case KindPlanChanged:
		return "subscription.plan_changed"
	case KindUsageUpdated:
		return "subscription.usage_updated"
	case KindPaymentMethodUpdated:
		return "subscription.payment_method_updated"
	case KindBillingDetailsUpdated:
		return "subscription.billing_details_updated"
	case KindProviderLinked:
		return "subscription.provider_linked"
	case KindPaymentSucceeded:
		return "subscription.payment_succeeded"
	case KindPaymentFailed:
		return "subscription.payment_failed"
	case KindExpired:
		return "subscription.expired"
	}
	return "subscription.unknown"
}

func (k Kind) String() string {
	return k.Name()
}

// Valid reports whether k is a declared kind
func (k Kind) Valid() bool {
	return k >= KindCreated && k <= KindExpired
}

// ParseKind maps an event name back to its Kind
func ParseKind(name string) (Kind, bool) {
	for _, k := range AllKinds() {
		if k.Name() == name {
			return k, true
		}
	}
	return 0, false
}

// Payload is the kind-specific body of an Event. Only types in this package
// implement it.
type Payload interface {
	Kind() Kind
	sealed()
}

// Created is emitted when a subscription is first created
type Created struct {
	PlanID   string     `json:"plan_id"`
	Status   Status     `json:"status"`
	TrialEnd *time.Time `json:"trial_end,omitempty"`
	Source   string     `json:"source"`
}

// StatusChanged is emitted when the status moves from one value to another
type StatusChanged struct {
	OldStatus Status `json:"old_status"`
	NewStatus Status `json:"new_status"`
}

// PeriodUpdated is emitted when the billing period is replaced
type PeriodUpdated struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Cancelled is emitted on every cancellation request
type Cancelled struct {
	AtPeriodEnd bool   `json:"at_period_end"`
	Status      Status `json:"status"`
}

// Reactivated is emitted when a scheduled cancellation is withdrawn
type Reactivated struct{}

// PlanChanged is emitted when the subscription moves to another plan
type PlanChanged struct {
	OldPlanID string `json:"old_plan_id"`
	NewPlanID string `json:"new_plan_id"`
}

// UsageUpdated carries the merged usage snapshot and the counters the update
// set. Persistence writes only the changed counters.
type UsageUpdated struct {
	Usage   Usage       `json:"usage"`
	Changed UsageUpdate `json:"changed"`
}

// PaymentMethodUpdated is emitted when the default payment method changes
type PaymentMethodUpdated struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// BillingDetailsUpdated carries the merged billing profile
type BillingDetailsUpdated struct {
	Billing Billing `json:"billing"`
}

// ProviderLinked is emitted when the provider confirms the subscription
type ProviderLinked struct {
	Provider       string `json:"provider"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
}

// PaymentSucceeded marks a paid invoice
type PaymentSucceeded struct {
	InvoiceID string `json:"invoice_id,omitempty"`
}

// PaymentFailed marks a failed invoice payment
type PaymentFailed struct {
	InvoiceID string `json:"invoice_id,omitempty"`
}

// Expired is emitted when a subscription scheduled to cancel reaches its period end
type Expired struct {
	PeriodEnd time.Time `json:"period_end"`
}

func (Created) Kind() Kind               { return KindCreated }
func (StatusChanged) Kind() Kind         { return KindStatusChanged }
func (PeriodUpdated) Kind() Kind         { return KindPeriodUpdated }
func (Cancelled) Kind() Kind             { return KindCancelled }
func (Reactivated) Kind() Kind           { return KindReactivated }
func (PlanChanged) Kind() Kind           { return KindPlanChanged }
func (UsageUpdated) Kind() Kind          { return KindUsageUpdated }
func (PaymentMethodUpdated) Kind() Kind  { return KindPaymentMethodUpdated }
func (BillingDetailsUpdated) Kind() Kind { return KindBillingDetailsUpdated }
func (ProviderLinked) Kind() Kind        { return KindProviderLinked }
func (PaymentSucceeded) Kind() Kind      { return KindPaymentSucceeded }
func (PaymentFailed) Kind() Kind         { return KindPaymentFailed }
func (Expired) Kind() Kind               { return KindExpired }

func (Created) sealed()               {}
func (StatusChanged) sealed()         {}
func (PeriodUpdated) sealed()         {}
func (Cancelled) sealed()             {}
func (Reactivated) sealed()           {}
func (PlanChanged) sealed()           {}
func (UsageUpdated) sealed()          {}
func (PaymentMethodUpdated) sealed()  {}
func (BillingDetailsUpdated) sealed() {}
func (ProviderLinked) sealed()        {}
func (PaymentSucceeded) sealed()      {}
func (PaymentFailed) sealed()         {}
func (Expired) sealed()               {}

// Event is a domain event emitted by a subscription mutation
type Event struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	OrganizationID string    `json:"organization_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	Payload        Payload   `json:"-"`
}

// Kind returns the kind of the event payload
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Kind()
}

// Name returns the event bus name of the event
func (e Event) Name() string {
	return e.Kind().Name()
}

// Data returns the payload as a generic map, as stored in the history log
func (e Event) Data() map[string]any {
	out := map[string]any{}
	if e.Payload == nil {
		return out
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// HistoryEntry converts the event into its audit record
func (e Event) HistoryEntry() HistoryEntry {
	return HistoryEntry{
		SubscriptionID: e.SubscriptionID,
		EventID:        e.ID,
		EventType:      e.Name(),
		EventData:      e.Data(),
		CreatedAt:      e.OccurredAt,
	}
}

// MarshalJSON renders the event with its name and payload inline
func (e Event) MarshalJSON() ([]byte, error) {
	type envelope struct {
		ID             string    `json:"id"`
		Type           string    `json:"type"`
		SubscriptionID string    `json:"subscription_id"`
		OrganizationID string    `json:"organization_id"`
		OccurredAt     time.Time `json:"occurred_at"`
		Data           Payload   `json:"data,omitempty"`
	}
	return json.Marshal(envelope{
		ID:             e.ID,
		Type:           e.Name(),
		SubscriptionID: e.SubscriptionID,
		OrganizationID: e.OrganizationID,
		OccurredAt:     e.OccurredAt,
		Data:           e.Payload,
	})
}
