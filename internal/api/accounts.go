package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"teenlancer/internal/middleware"
	"teenlancer/internal/service"
	"teenlancer/internal/util"
)

func (h *Handlers) requireCaller(w http.ResponseWriter, r *http.Request) (service.Caller, bool) {
	c, ok := callerFrom(r)
	if !ok {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.RequestID(r.Context()))
	}
	return c, ok
}

func (h *Handlers) CreateParentAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var req service.ParentAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.CreateParentAccount(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	util.WriteJSON(w, status, res)
}

// RequestBankApproval answers 200 when a code went out or the approval was
// already granted. A failed send answers 500 with the approval id so the
// app can retry the send alone.
func (h *Handlers) RequestBankApproval(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RequestBankApproval(r.Context(), caller)
	if err != nil {
		var status any
		if res.Status != "" {
			status = res.Status
		}
		h.writeServiceError(w, r, err, status)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

func (h *Handlers) VerifyBankApproval(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var req verifyCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	snap, err := h.svc.VerifyBankApproval(r.Context(), caller, chi.URLParam(r, "id"), req.Code)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	util.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handlers) CreateBankAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var req service.BankAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := h.svc.CreateBankAccount(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	util.WriteJSON(w, http.StatusCreated, acct)
}

func (h *Handlers) ListBankAccounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	accts, err := h.svc.ListBankAccounts(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": accts})
}
