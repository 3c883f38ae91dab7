package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"teenlancer/internal/captcha"
	"teenlancer/internal/middleware"
	"teenlancer/internal/models"
	"teenlancer/internal/service"
	"teenlancer/internal/util"
)

type signupRequest struct {
	service.TeenSignupRequest
	CaptchaToken string `json:"captcha_token"`
}

func (h *Handlers) CreateSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.cfg.CaptchaEnabled {
		ip := middleware.ClientIP(r, h.cfg.TrustProxy)
		if err := h.captchaVerifier.Verify(r.Context(), req.CaptchaToken, ip); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, captcha.ErrUnavailable) {
				status = http.StatusServiceUnavailable
			}
			h.log.WithError(err).WithField("request_id", middleware.RequestID(r.Context())).Warn("captcha check failed")
			util.WriteError(w, status, "captcha_required", "captcha validation failed", middleware.RequestID(r.Context()))
			return
		}
	}
	res, err := h.svc.CreateTeenSignup(r.Context(), req.TeenSignupRequest)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	util.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handlers) ResendSignupEmail(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ResendApprovalEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

func (h *Handlers) ApprovalStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snap, err := h.svc.CheckStatus(r.Context(), models.LookupKey{
		Token:        q.Get("token"),
		ID:           q.Get("id"),
		OwnerContact: q.Get("email"),
		Birthdate:    q.Get("birthdate"),
	})
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	util.WriteJSON(w, http.StatusOK, snap)
}

type decideRequest struct {
	Token  string `json:"token"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action := models.ApprovalAction(strings.ToLower(strings.TrimSpace(req.Action)))
	res, err := h.svc.Decide(r.Context(), req.Token, action, req.Reason)
	if err != nil {
		var status any
		if res.Approval.Status != "" {
			status = res.Approval.Status
		}
		h.writeServiceError(w, r, err, status)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

// ParentApprovePage is the target of the emailed links. Without an action
// it only shows the request; with one it records the decision.
func (h *Handlers) ParentApprovePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := strings.TrimSpace(q.Get("token"))
	action := strings.ToLower(strings.TrimSpace(q.Get("action")))
	view := approvePageView{Token: token}
	w.Header().Set("Cache-Control", "no-store")

	if token == "" {
		view.Title, view.Message = "Link incomplete", "This approval link is missing its token. Open the link from the email again."
		renderApprovePage(w, http.StatusBadRequest, view)
		return
	}
	if action == "" {
		snap, err := h.svc.CheckStatus(r.Context(), models.LookupKey{Token: token})
		if err != nil {
			h.renderDecisionError(w, r, err, view)
			return
		}
		view.Status = snap.Status
		view.ExpiresAt = snap.ExpiresAt
		switch snap.Status {
		case models.StatusPending:
			view.Title, view.Message = "Approval requested", "Your teen asked to join teenlancer. Choose whether to approve."
			view.ShowActions = true
		default:
			view.Title, view.Message = terminalCopy(snap.Status)
		}
		renderApprovePage(w, http.StatusOK, view)
		return
	}

	res, err := h.svc.Decide(r.Context(), token, models.ApprovalAction(action), q.Get("reason"))
	if err != nil && !errors.Is(err, service.ErrSideEffectTimeout) {
		h.renderDecisionError(w, r, err, view)
		return
	}
	view.Status = res.Approval.Status
	view.Title, view.Message = terminalCopy(res.Approval.Status)
	if errors.Is(err, service.ErrSideEffectTimeout) {
		view.Message += " Account setup is still finishing in the background."
	}
	renderApprovePage(w, http.StatusOK, view)
}

func terminalCopy(status models.ApprovalStatus) (string, string) {
	switch status {
	case models.StatusApproved:
		return "Approved", "Thanks. The account was approved."
	case models.StatusRejected:
		return "Rejected", "The request was rejected. No account will be created."
	case models.StatusExpired:
		return "Link expired", "This request expired. Your teen can send a new one."
	}
	return "Request received", ""
}

func (h *Handlers) renderDecisionError(w http.ResponseWriter, r *http.Request, err error, view approvePageView) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
		view.Title, view.Message = "Invalid link", "This link is not valid. Open the link from the email again."
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
		view.Title, view.Message = "Link not found", "This link is no longer valid. A newer email may have replaced it."
	case errors.Is(err, service.ErrExpired):
		status = http.StatusGone
		view.Status = models.StatusExpired
		view.Title, view.Message = terminalCopy(models.StatusExpired)
	case errors.Is(err, service.ErrAlreadyDecided):
		status = http.StatusConflict
		view.Title, view.Message = "Already answered", "This request was already answered with a different choice."
	default:
		h.log.WithError(err).WithField("request_id", middleware.RequestID(r.Context())).Error("parent approve page failed")
		view.Title, view.Message = "Something went wrong", "Please try the link again in a minute."
	}
	renderApprovePage(w, status, view)
}
