package subscription

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const day = 24 * time.Hour

// Option configures a Subscription at construction time
type Option func(*Subscription)

// WithClock sets the time source used to stamp mutations and events
func WithClock(clock func() time.Time) Option {
	return func(s *Subscription) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithID overrides the generated subscription id
func WithID(id string) Option {
	return func(s *Subscription) {
		if id != "" {
			s.id = id
		}
	}
}

// Subscription is one organization's subscription. All state changes go
// through its methods, each of which records exactly one Event.
type Subscription struct {
	id                string
	organizationID    string
	planID            string
	status            Status
	periodStart       time.Time
	periodEnd         time.Time
	cancelAtPeriodEnd bool
	trialEnd          *time.Time
	payment           Payment
	billing           Billing
	usage             Usage
	createdAt         time.Time
	updatedAt         time.Time
	version           int64

	events []Event
	clock  func() time.Time
}

func newSubscription(opts []Option) *Subscription {
	s := &Subscription{
		id:    uuid.New().String(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscription) now() time.Time {
	return s.clock().UTC()
}

// NewTrial starts a 14 day trial on planID for the organization
func NewTrial(organizationID, planID string, opts ...Option) (*Subscription, error) {
	if err := requireIdentity(organizationID, planID); err != nil {
		return nil, err
	}

	s := newSubscription(opts)
	now := s.now()
	trialEnd := now.Add(TrialDuration)

	s.organizationID = organizationID
	s.planID = planID
	s.status = StatusTrialing
	s.periodStart = now
	s.periodEnd = now.Add(PeriodDuration)
	s.trialEnd = &trialEnd
	s.createdAt = now
	s.updatedAt = now

	s.record(now, Created{PlanID: planID, Status: s.status, TrialEnd: s.trialEnd, Source: "trial"})
	return s, nil
}

// NewPending creates an incomplete subscription waiting for the billing
// provider to confirm payment.
func NewPending(organizationID, planID string, payment Payment, billing Billing, opts ...Option) (*Subscription, error) {
	if err := requireIdentity(organizationID, planID); err != nil {
		return nil, err
	}

	s := newSubscription(opts)
	now := s.now()

	s.organizationID = organizationID
	s.planID = planID
	s.status = StatusIncomplete
	s.periodStart = now
	s.periodEnd = now.Add(PeriodDuration)
	s.payment = payment
	s.billing = billing
	s.createdAt = now
	s.updatedAt = now

	s.record(now, Created{PlanID: planID, Status: s.status, Source: "checkout"})
	return s, nil
}

// ProviderParams describes a subscription that already exists at the billing provider
type ProviderParams struct {
	OrganizationID    string
	PlanID            string
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	TrialEnd          *time.Time
	Payment           Payment
	Billing           Billing
}

// NewFromProvider creates a subscription from provider state, typically when a
// checkout completes.
func NewFromProvider(p ProviderParams, opts ...Option) (*Subscription, error) {
	if err := requireIdentity(p.OrganizationID, p.PlanID); err != nil {
		return nil, err
	}
	if !p.Status.Valid() {
		return nil, NewValidationError("status", "unknown status "+string(p.Status))
	}
	if !p.PeriodStart.Before(p.PeriodEnd) {
		return nil, &ValidationError{Field: "period", Message: "start must be before end", Err: ErrInvalidPeriod}
	}

	s := newSubscription(opts)
	now := s.now()

	s.organizationID = p.OrganizationID
	s.planID = p.PlanID
	s.status = p.Status
	s.periodStart = p.PeriodStart.UTC()
	s.periodEnd = p.PeriodEnd.UTC()
	s.cancelAtPeriodEnd = p.CancelAtPeriodEnd
	s.trialEnd = copyTime(p.TrialEnd)
	s.payment = p.Payment
	s.billing = p.Billing
	s.createdAt = now
	s.updatedAt = now

	s.record(now, Created{PlanID: p.PlanID, Status: p.Status, TrialEnd: s.trialEnd, Source: "provider"})
	return s, nil
}

// Restore rebuilds a subscription from persisted state. No events are emitted.
func Restore(snap Snapshot, opts ...Option) (*Subscription, error) {
	if snap.ID == "" {
		return nil, NewValidationError("id", "must not be empty")
	}
	if err := requireIdentity(snap.OrganizationID, snap.PlanID); err != nil {
		return nil, err
	}
	if !snap.Status.Valid() {
		return nil, NewValidationError("status", "unknown status "+string(snap.Status))
	}
	if !snap.CurrentPeriodStart.Before(snap.CurrentPeriodEnd) {
		return nil, &ValidationError{Field: "period", Message: "start must be before end", Err: ErrInvalidPeriod}
	}

	s := newSubscription(opts)
	s.id = snap.ID
	s.organizationID = snap.OrganizationID
	s.planID = snap.PlanID
	s.status = snap.Status
	s.periodStart = snap.CurrentPeriodStart
	s.periodEnd = snap.CurrentPeriodEnd
	s.cancelAtPeriodEnd = snap.CancelAtPeriodEnd
	s.trialEnd = copyTime(snap.TrialEnd)
	s.payment = snap.Payment
	s.billing = snap.Billing
	s.usage = snap.Usage
	s.createdAt = snap.CreatedAt
	s.updatedAt = snap.UpdatedAt
	s.version = snap.Version
	return s, nil
}

func requireIdentity(organizationID, planID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return NewValidationError("organization_id", "must not be empty")
	}
	if strings.TrimSpace(planID) == "" {
		return NewValidationError("plan_id", "must not be empty")
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

func (s *Subscription) record(now time.Time, payload Payload) {
	s.updatedAt = now
	s.events = append(s.events, Event{
		ID:             uuid.New().String(),
		SubscriptionID: s.id,
		OrganizationID: s.organizationID,
		OccurredAt:     now,
		Payload:        payload,
	})
}

// ID returns the subscription id
func (s *Subscription) ID() string { return s.id }

// OrganizationID returns the owning organization
func (s *Subscription) OrganizationID() string { return s.organizationID }

// PlanID returns the current plan
func (s *Subscription) PlanID() string { return s.planID }

// Status returns the lifecycle status
func (s *Subscription) Status() Status { return s.status }

// CurrentPeriodStart returns the start of the billing period
func (s *Subscription) CurrentPeriodStart() time.Time { return s.periodStart }

// CurrentPeriodEnd returns the end of the billing period
func (s *Subscription) CurrentPeriodEnd() time.Time { return s.periodEnd }

// CancelAtPeriodEnd reports whether the subscription ends with the current period
func (s *Subscription) CancelAtPeriodEnd() bool { return s.cancelAtPeriodEnd }

// Payment returns the provider linkage
func (s *Subscription) Payment() Payment { return s.payment }

// Billing returns the billing contact details
func (s *Subscription) Billing() Billing { return s.billing }

// Usage returns the last recorded usage snapshot
func (s *Subscription) Usage() Usage { return s.usage }

// CreatedAt returns when the subscription was created
func (s *Subscription) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns when the subscription last changed
func (s *Subscription) UpdatedAt() time.Time { return s.updatedAt }

// Version returns the persisted version used for optimistic concurrency
func (s *Subscription) Version() int64 { return s.version }

// TrialEnd returns a copy of the trial end, or nil when the subscription never trialed
func (s *Subscription) TrialEnd() *time.Time {
	return copyTime(s.trialEnd)
}

// UpdateStatus moves the subscription to a new status. Setting the current
// status again is a no-op and records nothing.
func (s *Subscription) UpdateStatus(status Status) error {
	if !status.Valid() {
		return NewValidationError("status", "unknown status "+string(status))
	}
	if status == s.status {
		return nil
	}
	old := s.status
	s.status = status
	s.record(s.now(), StatusChanged{OldStatus: old, NewStatus: status})
	return nil
}

// UpdatePeriod replaces the current billing period
func (s *Subscription) UpdatePeriod(start, end time.Time) error {
	if !start.Before(end) {
		return &ValidationError{Field: "period", Message: "start must be before end", Err: ErrInvalidPeriod}
	}
	s.periodStart = start.UTC()
	s.periodEnd = end.UTC()
	s.record(s.now(), PeriodUpdated{Start: s.periodStart, End: s.periodEnd})
	return nil
}

// Cancel schedules cancellation at the end of the period, or cancels
// immediately when atPeriodEnd is false.
func (s *Subscription) Cancel(atPeriodEnd bool) {
	s.cancelAtPeriodEnd = atPeriodEnd
	if !atPeriodEnd {
		s.status = StatusCanceled
	}
	s.record(s.now(), Cancelled{AtPeriodEnd: atPeriodEnd, Status: s.status})
}

// Reactivate withdraws a cancellation scheduled for the period end. A
// subscription that is already canceled cannot be reactivated.
func (s *Subscription) Reactivate() error {
	if s.status == StatusCanceled {
		return NewValidationError("status", "canceled subscriptions cannot be reactivated")
	}
	if !s.cancelAtPeriodEnd {
		return NewValidationError("cancel_at_period_end", "subscription is not scheduled for cancellation")
	}
	s.cancelAtPeriodEnd = false
	s.record(s.now(), Reactivated{})
	return nil
}

// ChangePlan moves the subscription to another plan. Changing to the current
// plan is a no-op.
func (s *Subscription) ChangePlan(planID string) error {
	if strings.TrimSpace(planID) == "" {
		return NewValidationError("plan_id", "must not be empty")
	}
	if planID == s.planID {
		return nil
	}
	old := s.planID
	s.planID = planID
	s.record(s.now(), PlanChanged{OldPlanID: old, NewPlanID: planID})
	return nil
}

// UpdateUsage merges a partial usage snapshot
func (s *Subscription) UpdateUsage(update UsageUpdate) error {
	if update.empty() {
		return NewValidationError("usage", "no fields to update")
	}
	for _, v := range []*int64{update.TeamMembers, update.MediaStorage, update.APIRequests} {
		if v != nil && *v < 0 {
			return NewValidationError("usage", "values must not be negative")
		}
	}

	now := s.now()
	s.usage = update.Apply(s.usage)
	s.usage.LastUpdated = now
	s.record(now, UsageUpdated{Usage: s.usage, Changed: UsageUpdate{}.Merge(update)})
	return nil
}

// UpdatePaymentMethod sets the default payment method
func (s *Subscription) UpdatePaymentMethod(paymentMethodID string) error {
	if strings.TrimSpace(paymentMethodID) == "" {
		return NewValidationError("payment_method_id", "must not be empty")
	}
	s.payment.PaymentMethodID = paymentMethodID
	s.record(s.now(), PaymentMethodUpdated{PaymentMethodID: paymentMethodID})
	return nil
}

// UpdateBillingDetails merges a partial billing profile
func (s *Subscription) UpdateBillingDetails(update BillingUpdate) error {
	if update.empty() {
		return NewValidationError("billing", "no fields to update")
	}
	if update.Email != nil {
		s.billing.Email = *update.Email
	}
	if update.Name != nil {
		s.billing.Name = *update.Name
	}
	if update.Address != nil {
		s.billing.Address = *update.Address
	}
	if update.VATNumber != nil {
		s.billing.VATNumber = *update.VATNumber
	}
	s.record(s.now(), BillingDetailsUpdated{Billing: s.billing})
	return nil
}

// LinkProvider records the provider ids once the provider confirms the subscription
func (s *Subscription) LinkProvider(provider, customerID, subscriptionID string) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return NewValidationError("provider_subscription_id", "must not be empty")
	}
	if provider != "" {
		s.payment.Provider = provider
	}
	if customerID != "" {
		s.payment.CustomerID = customerID
	}
	s.payment.SubscriptionID = subscriptionID
	s.record(s.now(), ProviderLinked{
		Provider:       s.payment.Provider,
		CustomerID:     s.payment.CustomerID,
		SubscriptionID: subscriptionID,
	})
	return nil
}

// RecordPayment records the outcome of an invoice payment for the audit log
func (s *Subscription) RecordPayment(invoiceID string, succeeded bool) {
	if succeeded {
		s.record(s.now(), PaymentSucceeded{InvoiceID: invoiceID})
		return
	}
	s.record(s.now(), PaymentFailed{InvoiceID: invoiceID})
}

// MarkExpired cancels a subscription whose scheduled cancellation has come due.
// It returns false, recording nothing, when the subscription is not due at now.
func (s *Subscription) MarkExpired(now time.Time) bool {
	if !s.cancelAtPeriodEnd || s.periodEnd.After(now) || s.status == StatusCanceled {
		return false
	}
	s.status = StatusCanceled
	s.record(s.now(), Expired{PeriodEnd: s.periodEnd})
	return true
}

// IsActive reports whether the subscription grants its plan. Trialing counts as active.
func (s *Subscription) IsActive() bool {
	return s.status == StatusActive || s.status == StatusTrialing
}

// IsPastDue reports whether the latest payment failed
func (s *Subscription) IsPastDue() bool {
	return s.status == StatusPastDue
}

// IsCanceled reports whether the subscription has ended
func (s *Subscription) IsCanceled() bool {
	return s.status == StatusCanceled
}

// DaysUntilRenewal returns whole days until the period end, rounded up.
// The result is negative once the period has ended.
func (s *Subscription) DaysUntilRenewal(now time.Time) int {
	return ceilDays(s.periodEnd.Sub(now))
}

// IsInTrial reports whether the subscription is trialing and now falls before the trial end
func (s *Subscription) IsInTrial(now time.Time) bool {
	return s.status == StatusTrialing && s.trialEnd != nil && now.Before(*s.trialEnd)
}

// DaysLeftInTrial returns the whole days left in the trial, or 0 when not in one
func (s *Subscription) DaysLeftInTrial(now time.Time) int {
	if !s.IsInTrial(now) {
		return 0
	}
	return ceilDays(s.trialEnd.Sub(now))
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(day)))
}

// PendingEvents returns a copy of the buffered events without draining them
func (s *Subscription) PendingEvents() []Event {
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// FlushEvents drains the event buffer. Events are returned at most once.
func (s *Subscription) FlushEvents() []Event {
	out := s.events
	s.events = nil
	return out
}

// MarkPersisted sets the version after a successful save
func (s *Subscription) MarkPersisted(version int64) {
	s.version = version
}

// RefreshUsage replaces the usage snapshot with the counters read back from
// storage, which may include increments made outside the aggregate
func (s *Subscription) RefreshUsage(usage Usage) {
	s.usage = usage
}

// Snapshot returns the persisted form of the subscription
func (s *Subscription) Snapshot() Snapshot {
	return Snapshot{
		ID:                 s.id,
		OrganizationID:     s.organizationID,
		PlanID:             s.planID,
		Status:             s.status,
		CurrentPeriodStart: s.periodStart,
		CurrentPeriodEnd:   s.periodEnd,
		CancelAtPeriodEnd:  s.cancelAtPeriodEnd,
		TrialEnd:           copyTime(s.trialEnd),
		Payment:            s.payment,
		Billing:            s.billing,
		Usage:              s.usage,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
		Version:            s.version,
	}
}

// MarshalJSON encodes the subscription as its Snapshot
func (s *Subscription) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
