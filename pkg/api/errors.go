package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/rollover"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// Error codes carried in ErrorResponse.Code
const (
	CodeValidation    = "validation"
	CodeNotFound      = "not_found"
	CodeConflict      = "conflict"
	CodeQuotaExceeded = "quota_exceeded"
	CodeConfiguration = "configuration"
	CodeTimeout       = "timeout"
	CodeJobRunning    = "job_running"
)

// writeError maps a domain error to its status and body
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.FromContext(r.Context(), s.log).WithError(err)

	var (
		validationErr *subscriptions.ValidationError
		notFoundErr   *subscriptions.NotFoundError
		conflictErr   *subscriptions.ConflictError
		quotaErr      *subscriptions.QuotaExceededError
		configErr     *subscriptions.ConfigurationError
	)
	switch {
	case errors.As(err, &validationErr):
		httputil.WriteErrorResponse(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: validationErr.Error(), Code: CodeValidation, Field: validationErr.Field,
		})
	case errors.As(err, &notFoundErr):
		httputil.WriteErrorResponse(w, http.StatusNotFound, httputil.ErrorResponse{
			Error: notFoundErr.Error(), Code: CodeNotFound,
		})
	case errors.As(err, &conflictErr):
		log.WithField("reason", conflictErr.Reason).Info("request conflicted")
		httputil.WriteErrorResponse(w, http.StatusConflict, httputil.ErrorResponse{
			Error: conflictErr.Error(), Code: CodeConflict, Details: map[string]string{"reason": conflictErr.Reason},
		})
	case errors.As(err, &quotaErr):
		httputil.WriteErrorResponse(w, http.StatusForbidden, httputil.ErrorResponse{
			Error: quotaErr.Error(), Code: CodeQuotaExceeded, Details: map[string]string{
				"resource": quotaErr.Resource,
				"current":  quotaErr.Current.String(),
				"limit":    quotaErr.Limit.String(),
			},
		})
	case errors.As(err, &configErr):
		log.Error("configuration error")
		httputil.WriteErrorResponse(w, http.StatusInternalServerError, httputil.ErrorResponse{
			Error: "service misconfigured", Code: CodeConfiguration,
		})
	case errors.Is(err, rollover.ErrUnknownJob):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, rollover.ErrJobRunning):
		httputil.WriteErrorResponse(w, http.StatusConflict, httputil.ErrorResponse{
			Error: err.Error(), Code: CodeJobRunning,
		})
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("request timed out")
		httputil.WriteErrorResponse(w, http.StatusGatewayTimeout, httputil.ErrorResponse{
			Error: "request timed out", Code: CodeTimeout,
		})
	default:
		log.Error("request failed")
		httputil.WriteInternalError(w)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(jsonName)
}

// validateRequest checks a request DTO's validate tags
func validateRequest(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		msg := "failed " + fe.Tag() + " check"
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "oneof":
			msg = "must be one of [" + fe.Param() + "]"
		case "min":
			msg = "must not be empty"
		case "max":
			msg = "must be at most " + fe.Param() + " characters"
		}
		return &subscriptions.ValidationError{Field: fe.Field(), Message: msg, Err: err}
	}
	return &subscriptions.ValidationError{Message: err.Error(), Err: err}
}

// bodyError turns a JSON decoding failure into a validation error
func bodyError(err error) error {
	return &subscriptions.ValidationError{Field: "body", Message: err.Error(), Err: err}
}
