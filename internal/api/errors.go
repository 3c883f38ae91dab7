package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"teenlancer/internal/middleware"
	"teenlancer/internal/service"
	"teenlancer/internal/util"
)

// writeServiceError maps service errors to the HTTP contract. Provider and
// internal error text is logged, never returned.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, status any) {
	reqID := middleware.RequestID(r.Context())
	e := util.APIError{RequestID: reqID, Status: status}
	code := http.StatusInternalServerError

	var rl *service.RateLimitError
	var ic *service.InvalidCodeError
	switch {
	case errors.As(err, &rl):
		code, e.Code, e.Message = http.StatusTooManyRequests, "rate_limited", "please wait before trying again"
		e.RetryAfterSeconds = rl.RetryAfterSeconds()
	case errors.As(err, &ic):
		code, e.Code, e.Message = http.StatusBadRequest, "invalid_code", ic.Error()
	case errors.Is(err, service.ErrInvalidInput):
		code, e.Code, e.Message = http.StatusBadRequest, "bad_request", err.Error()
	case errors.Is(err, service.ErrNotFound):
		code, e.Code, e.Message = http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, service.ErrExpired):
		code, e.Code, e.Message = http.StatusGone, "expired", "link expired"
	case errors.Is(err, service.ErrCodeExpired):
		code, e.Code, e.Message = http.StatusGone, "code_expired", "code expired, request a new one"
	case errors.Is(err, service.ErrAlreadyDecided):
		code, e.Code, e.Message = http.StatusConflict, "already_decided", "this request was already answered"
	case errors.Is(err, service.ErrNotPending):
		code, e.Code, e.Message = http.StatusConflict, "not_pending", "this request is no longer pending"
	case errors.Is(err, service.ErrAlreadyRegistered):
		code, e.Code, e.Message = http.StatusConflict, "already_registered", "an account already exists for this email"
	case errors.Is(err, service.ErrParentApprovalRequired):
		code, e.Code, e.Message = http.StatusForbidden, "parent_approval_required", "parent approval required"
	case errors.Is(err, service.ErrParentNotLinked):
		code, e.Code, e.Message = http.StatusForbidden, "parent_not_linked", "link a parent with a phone number first"
	case errors.Is(err, service.ErrForbiddenRole):
		code, e.Code, e.Message = http.StatusForbidden, "forbidden", "not allowed for this account"
	case errors.Is(err, service.ErrTooManyAttempts):
		code, e.Code, e.Message = http.StatusTooManyRequests, "too_many_attempts", "too many attempts, request a new code"
	case errors.Is(err, service.ErrSideEffectTimeout):
		code, e.Code, e.Message = http.StatusGatewayTimeout, "side_effect_timeout", "saved, but account setup is still running"
	case errors.Is(err, service.ErrProviderFailed):
		code, e.Code, e.Message = http.StatusInternalServerError, "provider_failed", "failed to send"
	default:
		e.Code, e.Message = "internal_error", "internal error"
	}
	if code >= 500 {
		h.log.WithError(err).WithFields(logrus.Fields{"request_id": reqID, "path": r.URL.Path, "status": code}).Error("request failed")
	}
	util.WriteAPIError(w, code, e)
}
