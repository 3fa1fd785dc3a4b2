// Package subscription implements the Subscription aggregate: one organization's
// subscription state, the transitions allowed on it, and the domain events those
// transitions emit.
//
// # Overview
//
// The aggregate is a pure state machine. Its methods never perform I/O; every
// successful mutation stamps UpdatedAt and appends exactly one Event to an
// in-memory buffer. Callers persist the aggregate through a repository and then
// publish whatever FlushEvents returns.
//
// # Lifecycle
//
//	sub, err := subscription.NewTrial(orgID, "pro")
//	if err != nil {
//		return err
//	}
//	sub.Cancel(true)
//	events := sub.FlushEvents() // Created, Cancelled
//
// Subscriptions created from billing provider data use NewFromProvider; rows read
// back from storage use Restore, which validates invariants but emits nothing.
//
// # Statuses
//
// The canonical status set is trialing, active, past_due, canceled, incomplete
// and unpaid. IsActive treats trialing the same as active.
//
// # Errors
//
// ValidationError, NotFoundError, ProviderError and the sentinel errors in this
// package form the error taxonomy shared by the service, reconciler and HTTP
// layers. All of them work with errors.Is and errors.As.
package subscription
