package subscription

import (
	"fmt"
	"time"
)

// Status represents the lifecycle status of a subscription
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
	StatusUnpaid     Status = "unpaid"
)

// AllStatuses returns every valid status
func AllStatuses() []Status {
	return []Status{
		StatusTrialing,
		StatusActive,
		StatusPastDue,
		StatusCanceled,
		StatusIncomplete,
		StatusUnpaid,
	}
}

// Valid reports whether s is one of the canonical statuses
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete, StatusUnpaid:
		return true
	}
	return false
}

// ParseStatus converts a stored status string into a Status
func ParseStatus(value string) (Status, error) {
	s := Status(value)
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", value)}
	}
	return s, nil
}

const (
	// TrialDuration is the length of a trial created by NewTrial
	TrialDuration = 14 * 24 * time.Hour
	// PeriodDuration is the length of the first billing period of a local subscription
	PeriodDuration = 30 * 24 * time.Hour
)

// Payment links a subscription to the billing provider.
// SubscriptionID stays empty until the provider confirms creation.
type Payment struct {
	Provider        string `json:"provider,omitempty"`
	CustomerID      string `json:"customer_id,omitempty"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

// Linked reports whether the provider has confirmed the subscription
func (p Payment) Linked() bool {
	return p.SubscriptionID != ""
}

// Address is a postal billing address
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Billing is the billing profile of the organization
type Billing struct {
	Email     string  `json:"email,omitempty"`
	Name      string  `json:"name,omitempty"`
	Address   Address `json:"address"`
	VATNumber string  `json:"vat_number,omitempty"`
}

// BillingUpdate is a partial update of Billing. Nil fields are left unchanged.
type BillingUpdate struct {
	Email     *string  `json:"email,omitempty"`
	Name      *string  `json:"name,omitempty"`
	Address   *Address `json:"address,omitempty"`
	VATNumber *string  `json:"vat_number,omitempty"`
}

func (u BillingUpdate) empty() bool {
	return u.Email == nil && u.Name == nil && u.Address == nil && u.VATNumber == nil
}

// Usage is a point-in-time snapshot of metered resources, not a ledger
type Usage struct {
	TeamMembers  int64     `json:"team_members"`
	MediaStorage int64     `json:"media_storage"`
	APIRequests  int64     `json:"api_requests"`
	LastUpdated  time.Time `json:"last_updated"`
}

// UsageUpdate is a partial update of Usage. Nil fields are left unchanged.
type UsageUpdate struct {
	TeamMembers  *int64 `json:"team_members,omitempty"`
	MediaStorage *int64 `json:"media_storage,omitempty"`
	APIRequests  *int64 `json:"api_requests,omitempty"`
}

func (u UsageUpdate) empty() bool {
	return u.TeamMembers == nil && u.MediaStorage == nil && u.APIRequests == nil
}

// Merge returns u with every field set in next overriding it
func (u UsageUpdate) Merge(next UsageUpdate) UsageUpdate {
	if next.TeamMembers != nil {
		u.TeamMembers = int64Ptr(*next.TeamMembers)
	}
	if next.MediaStorage != nil {
		u.MediaStorage = int64Ptr(*next.MediaStorage)
	}
	if next.APIRequests != nil {
		u.APIRequests = int64Ptr(*next.APIRequests)
	}
	return u
}

// Apply returns usage with the fields set in u replaced
func (u UsageUpdate) Apply(usage Usage) Usage {
	if u.TeamMembers != nil {
		usage.TeamMembers = *u.TeamMembers
	}
	if u.MediaStorage != nil {
		usage.MediaStorage = *u.MediaStorage
	}
	if u.APIRequests != nil {
		usage.APIRequests = *u.APIRequests
	}
	return usage
}

func int64Ptr(v int64) *int64 { return &v }

// Snapshot is the persisted form of a Subscription
type Snapshot struct {
	ID                 string     `json:"id"`
	OrganizationID     string     `json:"organization_id"`
	PlanID             string     `json:"plan_id"`
	Status             Status     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	Payment            Payment    `json:"payment"`
	Billing            Billing    `json:"billing"`
	Usage              Usage      `json:"usage"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Version            int64      `json:"version"`
}

// HistoryEntry is one append-only audit record for a subscription
type HistoryEntry struct {
	SubscriptionID string         `json:"subscription_id"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	EventData      map[string]any `json:"event_data"`
	CreatedAt      time.Time      `json:"created_at"`
}
