// Package api is the HTTP surface: chat submission and account reads for
// API-key holders, plus the administrative balance and model routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/orchestrator"
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/resolver"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

type Accounts interface {
	GetBalance(ctx context.Context, tenantID string) (*account.Account, error)
	TopUp(ctx context.Context, tenantID string, amount int64, reason string) (*billing.TopUpResult, error)
	Adjust(ctx context.Context, tenantID string, delta int64, note string) (*billing.TopUpResult, error)
	SetStatus(ctx context.Context, tenantID string, status account.Status) error
	SetLimits(ctx context.Context, tenantID string, softLimit, hardLimit int64) error
	ListLedger(ctx context.Context, tenantID string, w ledger.Window) ([]ledger.Entry, error)
	CheckConsistency(ctx context.Context, tenantID string) (*billing.Consistency, error)
}

type Models interface {
	SetTenantDefaultModel(ctx context.Context, tenantID, providerName, modelName string, active bool) (*resolver.Preference, error)
	SetUserModel(ctx context.Context, tenantID, userID, providerName, modelName string, active bool) (*resolver.Preference, error)
}

type Providers interface {
	List() []provider.Meta
}

type Handler struct {
	submitter Submitter
	accounts  Accounts
	models    Models
	usage     billing.UsageStore
	providers Providers
	log       *logger.Logger
}

func NewHandler(submitter Submitter, accounts Accounts, models Models, usage billing.UsageStore, providers Providers, log *logger.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		accounts:  accounts,
		models:    models,
		usage:     usage,
		providers: providers,
		log:       log.With("component", "api"),
	}
}

// Routes mounts the tenant routes behind userAuth and the admin routes
// behind adminAuth.
func (h *Handler) Routes(userAuth, adminAuth auth.Middleware) http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(userAuth)
		r.Post("/chat", h.HandleChat)
		r.Get("/balance", h.HandleBalance)
		r.Get("/ledger", h.HandleLedger)
		r.Get("/usage", h.HandleUsage)
		r.Get("/providers", h.HandleProviders)
	})

	r.Route("/admin/tenants/{tenantID}", func(r chi.Router) {
		r.Use(adminAuth)
		r.Post("/topup", h.HandleTopUp)
		r.Post("/adjust", h.HandleAdjust)
		r.Put("/status", h.HandleSetStatus)
		r.Put("/limits", h.HandleSetLimits)
		r.Put("/model", h.HandleSetTenantModel)
		r.Put("/users/{userID}/model", h.HandleSetUserModel)
		r.Get("/consistency", h.HandleConsistency)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Errorw("request failed", "path", r.URL.Path, "request_id", auth.GetRequestID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func tenantFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := auth.GetTenantID(r.Context())
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return "", false
	}
	return tenantID, true
}

type chatRequest struct {
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	var body chatRequest
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	res, err := h.submitter.Submit(r.Context(), orchestrator.Request{
		TenantID: tenantID,
		UserID:   auth.GetUserID(r.Context()),
		Message:  body.Message,
		Provider: body.Provider,
		TraceID:  body.TraceID,
		Kind:     orchestrator.KindChat,
	})
	if err != nil {
		var rej *orchestrator.RejectionError
		if errors.As(err, &rej) {
			h.writeRejection(w, rej)
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) writeRejection(w http.ResponseWriter, rej *orchestrator.RejectionError) {
	status := http.StatusInternalServerError
	switch rej.Code {
	case orchestrator.CodeRateLimited:
		status = http.StatusTooManyRequests
		secs := int(rej.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
	case orchestrator.CodeAccountSuspended:
		status = http.StatusForbidden
	case orchestrator.CodeInsufficientBalance:
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, map[string]any{
		"error":        rej.Code,
		"message":      rej.Err.Error(),
		"tokens_spent": 0,
	})
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	acc, err := h.accounts.GetBalance(r.Context(), tenantID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// parseWindow reads RFC3339 "from" and "to" query parameters. Missing
// values fall back to the defaults.
func parseWindow(w http.ResponseWriter, r *http.Request, from, to time.Time) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'from' date format (use RFC3339)")
			return from, to, false
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid 'to' date format (use RFC3339)")
			return from, to, false
		}
		to = t
	}
	return from, to, true
}

func (h *Handler) HandleLedger(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	from, to, ok := parseWindow(w, r, time.Time{}, time.Time{})
	if !ok {
		return
	}
	entries, err := h.accounts.ListLedger(r.Context(), tenantID, ledger.Window{From: from, To: to})
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "entries": entries})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	now := time.Now()
	from, to, ok := parseWindow(w, r, now.AddDate(0, 0, -30), now)
	if !ok {
		return
	}

	records, err := h.usage.ListUsage(r.Context(), tenantID, from, to)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	total, err := h.usage.TotalUnits(r.Context(), tenantID, from, to)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if records == nil {
		records = []*billing.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"from":        from.Format(time.RFC3339),
		"to":          to.Format(time.RFC3339),
		"total_units": total,
		"records":     records,
	})
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.providers.List()})
}
