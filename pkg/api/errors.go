package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/plangate/pkg/httputil"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

const (
	msgInternal = "internal server error"
	msgProvider = "billing provider unavailable"
	msgTimeout  = "request timed out"
)

// HTTPStatus maps a domain error to a response status
func HTTPStatus(err error) int {
	var validation *subscription.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation),
		errors.Is(err, subscription.ErrInvalidPeriod),
		errors.Is(err, subscription.ErrMissingOrganizationID):
		return http.StatusBadRequest
	case subscription.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrAlreadyExists),
		errors.Is(err, subscription.ErrConcurrencyConflict):
		return http.StatusConflict
	case subscription.IsProvider(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status. Messages of unexpected and
// provider errors are logged and replaced with a generic one.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		observability.FromContext(r.Context()).WithError(err).Error("Unhandled error")
		message = msgInternal
	case http.StatusBadGateway:
		observability.FromContext(r.Context()).WithError(err).Warn("Billing provider call failed")
		message = msgProvider
	case http.StatusGatewayTimeout:
		message = msgTimeout
	}
	httputil.WriteErrorMessage(w, status, message)
}
