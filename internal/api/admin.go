package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/internal/resolver"
)

type topUpRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var body topUpRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := h.accounts.TopUp(r.Context(), tenantID, body.Amount, body.Reason)
	if err != nil {
		if errors.Is(err, billing.ErrReservedReason) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": res.TenantID,
		"added":     res.Added,
		"balance":   res.Balance,
	})
}

type adjustRequest struct {
	Delta int64  `json:"delta"`
	Note  string `json:"note"`
}

func (h *Handler) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var body adjustRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := h.accounts.Adjust(r.Context(), tenantID, body.Delta, body.Note)
	if err != nil {
		if errors.Is(err, account.ErrLimitViolation) {
			writeError(w, http.StatusConflict, "limit_violation", err.Error())
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": res.TenantID,
		"delta":     res.Added,
		"balance":   res.Balance,
	})
}

func (h *Handler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var body struct {
		Status account.Status `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	if !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be active or suspended")
		return
	}
	if err := h.accounts.SetStatus(r.Context(), tenantID, body.Status); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "status": body.Status})
}

func (h *Handler) HandleSetLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var body struct {
		SoftLimit int64 `json:"soft_limit"`
		HardLimit int64 `json:"hard_limit"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.HardLimit > body.SoftLimit {
		writeError(w, http.StatusBadRequest, "invalid_request", "hard_limit must not exceed soft_limit")
		return
	}
	if err := h.accounts.SetLimits(r.Context(), tenantID, body.SoftLimit, body.HardLimit); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":  tenantID,
		"soft_limit": body.SoftLimit,
		"hard_limit": body.HardLimit,
	})
}

type modelRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Active   *bool  `json:"active"`
}

func (m modelRequest) active() bool {
	return m.Active == nil || *m.Active
}

func (h *Handler) HandleSetTenantModel(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var body modelRequest
	if !decode(w, r, &body) {
		return
	}
	p, err := h.models.SetTenantDefaultModel(r.Context(), tenantID, body.Provider, body.Model, body.active())
	h.writePreference(w, r, p, err)
}

func (h *Handler) HandleSetUserModel(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	userID := chi.URLParam(r, "userID")
	var body modelRequest
	if !decode(w, r, &body) {
		return
	}
	p, err := h.models.SetUserModel(r.Context(), tenantID, userID, body.Provider, body.Model, body.active())
	h.writePreference(w, r, p, err)
}

func (h *Handler) writePreference(w http.ResponseWriter, r *http.Request, p *resolver.Preference, err error) {
	if err != nil {
		if errors.Is(err, resolver.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, "unknown_provider", err.Error())
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleConsistency(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	c, err := h.accounts.CheckConsistency(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
