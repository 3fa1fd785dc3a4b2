package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/platinummonkey/plangate/pkg/httputil"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

type trialRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

type subscribeRequest struct {
	PlanID          string               `json:"plan_id" validate:"required"`
	PaymentMethodID string               `json:"payment_method_id"`
	Email           string               `json:"email" validate:"required,email"`
	Name            string               `json:"name" validate:"required"`
	Address         subscription.Address `json:"address"`
	VATNumber       string               `json:"vat_number"`
}

func (r subscribeRequest) billing() subscription.Billing {
	return subscription.Billing{
		Email:     r.Email,
		Name:      r.Name,
		Address:   r.Address,
		VATNumber: r.VATNumber,
	}
}

// cancelRequest defaults to cancelling at the end of the period
type cancelRequest struct {
	AtPeriodEnd *bool `json:"at_period_end"`
}

func (r cancelRequest) atPeriodEnd() bool {
	return r.AtPeriodEnd == nil || *r.AtPeriodEnd
}

type changePlanRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

type billingRequest struct {
	Email     *string               `json:"email" validate:"omitempty,email"`
	Name      *string               `json:"name" validate:"omitempty,min=1"`
	Address   *subscription.Address `json:"address"`
	VATNumber *string               `json:"vat_number"`
}

func (r billingRequest) update() subscription.BillingUpdate {
	return subscription.BillingUpdate{
		Email:     r.Email,
		Name:      r.Name,
		Address:   r.Address,
		VATNumber: r.VATNumber,
	}
}

type paymentMethodRequest struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required"`
}

type usageRequest struct {
	Value *int64 `json:"value" validate:"required,gte=0"`
}

type incrementRequest struct {
	Delta int64 `json:"delta" validate:"gt=0"`
}

// newValidator reports field errors under their json names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func formatValidationErrors(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err.Error()
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		if fe.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		messages = append(messages, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(messages, "; ")
}

// decode parses and validates a JSON body, writing a 400 on failure
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if !httputil.ParseJSONOrError(w, r, dest) {
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		httputil.WriteBadRequest(w, formatValidationErrors(err))
		return false
	}
	return true
}
