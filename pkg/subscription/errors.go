package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPeriod is returned when a billing period does not start before it ends.
	ErrInvalidPeriod = errors.New("period start must be before period end")

	// ErrSubscriptionNotFound matches any NotFoundError for a subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPlanNotFound matches any NotFoundError for a plan.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrConcurrencyConflict is returned by repositories when the stored version
	// no longer matches the version the aggregate was loaded at.
	ErrConcurrencyConflict = errors.New("subscription was modified concurrently")

	// ErrMissingOrganizationID is returned for provider payloads that do not name
	// the organization they belong to.
	ErrMissingOrganizationID = errors.New("organization_id missing from provider payload")

	// ErrAlreadyExists is returned when an organization already owns a subscription.
	ErrAlreadyExists = errors.New("organization already has a subscription")
)

// ValidationError reports malformed input. The aggregate is never modified when
// one is returned.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a ValidationError for a field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports a missing subscription or plan
type NotFoundError struct {
	Resource string
	Key      string
	Value    string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s not found (%s=%s)", e.Resource, e.Key, e.Value)
}

// Is lets errors.Is match NotFoundError against the resource sentinels.
func (e *NotFoundError) Is(target error) bool {
	switch target {
	case ErrSubscriptionNotFound:
		return e.Resource == "subscription"
	case ErrPlanNotFound:
		return e.Resource == "plan"
	}
	return false
}

// SubscriptionNotFound builds a NotFoundError for a subscription lookup
func SubscriptionNotFound(key, value string) *NotFoundError {
	return &NotFoundError{Resource: "subscription", Key: key, Value: value}
}

// PlanNotFound builds a NotFoundError for a plan lookup
func PlanNotFound(id string) *NotFoundError {
	return &NotFoundError{Resource: "plan", Key: "id", Value: id}
}

// ProviderError wraps a failure returned by the billing provider.
// Retryable is false for errors that will fail the same way on every attempt.
type ProviderError struct {
	Provider  string
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsProvider reports whether err is (or wraps) a ProviderError
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
