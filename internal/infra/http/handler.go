package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/contentpilot/tokenmeter/internal/domain/costs"
	"github.com/contentpilot/tokenmeter/internal/domain/limits"
	"github.com/contentpilot/tokenmeter/internal/domain/meter"
	"github.com/contentpilot/tokenmeter/internal/domain/plans"
	"github.com/contentpilot/tokenmeter/internal/domain/usage"
	"github.com/contentpilot/tokenmeter/internal/infra/generator"
	"github.com/contentpilot/tokenmeter/internal/report"
)

// The fronting identity layer resolves the caller and passes an opaque
// account id plus a privilege flag in headers.
const (
	headerAccountID  = "X-Account-ID"
	headerPrivileged = "X-Account-Privileged"
)

type Meterer interface {
	Meter(ctx context.Context, accountID string, action costs.ActionKind, text string, privileged bool, relatedContentID *string) (meter.Result, error)
}

type PlanStore interface {
	Ensure(ctx context.Context, accountID string) (*plans.Plan, error)
	Rollover(ctx context.Context, accountID string) (*plans.Plan, error)
	SetKind(ctx context.Context, accountID string, kind plans.Kind) (*plans.Plan, error)
}

type HistoryStore interface {
	Query(ctx context.Context, accountID string, f usage.Filter) ([]usage.Record, error)
	SumSince(ctx context.Context, accountID string, since time.Time) (int64, error)
}

type Limiter interface {
	CheckAndReserve(ctx context.Context, accountID, category string, maxCount int) (int64, error)
	Release(ctx context.Context, accountID string, id int64) error
}

type Generator interface {
	Generate(ctx context.Context, req generator.Request) (generator.Response, error)
}

// PlanNotifier mirrors notify.Telegram's admin alert; may be nil.
type PlanNotifier interface {
	PlanChanged(ctx context.Context, accountID string, kind plans.Kind)
}

type Handler struct {
	log     *slog.Logger
	meter   Meterer
	plans   PlanStore
	history HistoryStore
	limits  Limiter
	gen     Generator
	notify  PlanNotifier
}

func NewHandler(log *slog.Logger, m Meterer, p PlanStore, h HistoryStore, l Limiter, g Generator, n PlanNotifier) *Handler {
	return &Handler{log: log, meter: m, plans: p, history: h, limits: l, gen: g, notify: n}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/quote", h.handleQuote)
	mux.HandleFunc("POST /v1/meter", h.handleMeter)
	mux.HandleFunc("POST /v1/generate", h.handleGenerate)
	mux.HandleFunc("GET /v1/plan", h.handlePlan)
	mux.HandleFunc("GET /v1/usage", h.handleUsage)
	mux.HandleFunc("GET /v1/usage/export", h.handleUsageExport)
	mux.HandleFunc("POST /v1/limits/reserve", h.handleReserve)
	mux.HandleFunc("DELETE /v1/limits/items/{id}", h.handleRelease)
	mux.HandleFunc("POST /v1/admin/plan", h.handleAdminPlan)
}

func caller(r *http.Request) (accountID string, privileged bool) {
	return r.Header.Get(headerAccountID), r.Header.Get(headerPrivileged) == "true"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMeterError maps the metering error taxonomy onto status codes.
func (h *Handler) writeMeterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, meter.ErrInsufficientBudget):
		writeError(w, http.StatusPaymentRequired, "insufficient tokens: upgrade your plan or wait for the period reset")
	case errors.Is(err, meter.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account plan not found")
	case errors.Is(err, meter.ErrCategoryLimitExceeded):
		writeError(w, http.StatusConflict, "category limit reached: delete an existing item first")
	default:
		h.log.Error("metering request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type quoteRequest struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

// handleQuote prices an action without charging it, for UI previews.
func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tokens, err := costs.Price(costs.ActionKind(req.Action), req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown action kind")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tokens": tokens})
}

type meterRequest struct {
	Action           string  `json:"action"`
	Text             string  `json:"text"`
	RelatedContentID *string `json:"related_content_id,omitempty"`
}

type meterResponse struct {
	Tokens  int64 `json:"tokens"`
	NewUsed int64 `json:"new_used"`
}

func (h *Handler) handleMeter(w http.ResponseWriter, r *http.Request) {
	accountID, privileged := caller(r)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "missing account id")
		return
	}
	var req meterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := costs.ActionKind(req.Action)
	if !costs.Known(kind) {
		writeError(w, http.StatusBadRequest, "unknown action kind")
		return
	}

	res, err := h.meter.Meter(r.Context(), accountID, kind, req.Text, privileged, req.RelatedContentID)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meterResponse{Tokens: res.Tokens, NewUsed: res.NewUsed})
}

type generateRequest struct {
	Action string `json:"action"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Tokens    int64  `json:"tokens"`
	Content   string `json:"content"`
	RequestID string `json:"request_id"`
}

// handleGenerate meters first and calls the generation webhook only on a
// successful charge. A failed generation does not refund the tokens.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	accountID, privileged := caller(r)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "missing account id")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := costs.ActionKind(req.Action)
	if !costs.Known(kind) {
		writeError(w, http.StatusBadRequest, "unknown action kind")
		return
	}

	res, err := h.meter.Meter(r.Context(), accountID, kind, req.Prompt, privileged, nil)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}

	out, err := h.gen.Generate(r.Context(), generator.Request{
		AccountID: accountID,
		Action:    kind,
		Prompt:    req.Prompt,
	})
	if err != nil {
		h.log.Error("generation failed after charge",
			"account_id", accountID,
			"action", kind,
			"tokens", res.Tokens,
			"err", err,
		)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "generation failed",
			"tokens": res.Tokens,
		})
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		Tokens:    res.Tokens,
		Content:   out.Content,
		RequestID: out.RequestID,
	})
}

type planResponse struct {
	AccountID   string    `json:"account_id"`
	Plan        string    `json:"plan"`
	TotalTokens int64     `json:"total_tokens"`
	UsedTokens  int64     `json:"used_tokens"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	PeriodUsage int64     `json:"period_usage"`
}

// handlePlan provisions the starter plan on first access, applies a due
// rollover, and reports the plan alongside the period usage derived from
// the ledger records.
func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	accountID, _ := caller(r)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "missing account id")
		return
	}
	if _, err := h.plans.Ensure(r.Context(), accountID); err != nil {
		h.log.Error("plan provisioning failed", "account_id", accountID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	p, err := h.plans.Rollover(r.Context(), accountID)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}
	periodUsage, err := h.history.SumSince(r.Context(), accountID, p.PeriodStart)
	if err != nil {
		h.log.Error("period usage aggregation failed", "account_id", accountID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, planResponse{
		AccountID:   p.AccountID,
		Plan:        string(p.Kind),
		TotalTokens: p.TotalTokens,
		UsedTokens:  p.UsedTokens,
		PeriodStart: p.PeriodStart,
		PeriodEnd:   p.PeriodEnd,
		PeriodUsage: periodUsage,
	})
}

func usageFilter(r *http.Request) (usage.Filter, error) {
	f := usage.DefaultFilter()
	q := r.URL.Query()
	if v := q.Get("range"); v != "" {
		f.Range = usage.Range(v)
		if !f.Range.Valid() {
			return f, errors.New("invalid range")
		}
	}
	if v := q.Get("action"); v != "" {
		f.Action = costs.ActionKind(v)
		if v != "all" && !costs.Known(f.Action) {
			return f, errors.New("unknown action kind")
		}
	}
	switch q.Get("sort") {
	case "", "created_at":
		f.Sort = usage.SortCreatedAt
	case "tokens_used":
		f.Sort = usage.SortTokens
	default:
		return f, errors.New("invalid sort field")
	}
	switch q.Get("dir") {
	case "", "desc":
		f.Desc = true
	case "asc":
		f.Desc = false
	default:
		return f, errors.New("invalid sort direction")
	}
	return f, nil
}

type usageResponse struct {
	Records []usageRecord `json:"records"`
	Total   int64         `json:"total"`
}

type usageRecord struct {
	ID               int64     `json:"id"`
	Action           string    `json:"action"`
	TokensUsed       int64     `json:"tokens_used"`
	RelatedContentID *string   `json:"related_content_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (h *Handler) queryUsage(w http.ResponseWriter, r *http.Request) ([]usage.Record, bool) {
	accountID, _ := caller(r)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "missing account id")
		return nil, false
	}
	f, err := usageFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	records, err := h.history.Query(r.Context(), accountID, f)
	if err != nil {
		h.log.Error("usage query failed", "account_id", accountID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return records, true
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	records, ok := h.queryUsage(w, r)
	if !ok {
		return
	}
	resp := usageResponse{Records: make([]usageRecord, 0, len(records))}
	for _, rec := range records {
		resp.Total += rec.TokensUsed
		resp.Records = append(resp.Records, usageRecord{
			ID:               rec.ID,
			Action:           string(rec.Action),
			TokensUsed:       rec.TokensUsed,
			RelatedContentID: rec.RelatedContentID,
			CreatedAt:        rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	records, ok := h.queryUsage(w, r)
	if !ok {
		return
	}
	buf, err := report.BuildUsageXLSX(records)
	if err != nil {
		h.log.Error("usage export failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.xlsx"`)
	_, _ = w.Write(buf.Bytes())
}

type reserveRequest struct {
	Category string `json:"category"`
	MaxCount int    `json:"max_count"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	accountID, _ := caller(r)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "missing account id")
		return
	}
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Category == "" || req.MaxCount <= 0 {
		writeError(w, http.StatusBadRequest, "category and max_count are required")
		return
	}
	id, err := h.limits.CheckAndReserve(r.Context(), accountID, req.Category, req.MaxCount)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"item_id": id})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	accountID, _ := caller(r)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "missing account id")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	if err := h.limits.Release(r.Context(), accountID, id); err != nil {
		if errors.Is(err, limits.ErrReservationNotFound) {
			writeError(w, http.StatusNotFound, "reservation not found")
			return
		}
		h.log.Error("limit release failed", "item_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminPlanRequest struct {
	AccountID string `json:"account_id"`
	Plan      string `json:"plan"`
}

func (h *Handler) handleAdminPlan(w http.ResponseWriter, r *http.Request) {
	_, privileged := caller(r)
	if !privileged {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	var req adminPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	kind := plans.Kind(req.Plan)
	p, err := h.plans.SetKind(r.Context(), req.AccountID, kind)
	if err != nil {
		if errors.Is(err, plans.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, "unknown plan kind")
			return
		}
		h.writeMeterError(w, err)
		return
	}
	if h.notify != nil {
		h.notify.PlanChanged(r.Context(), p.AccountID, p.Kind)
	}
	writeJSON(w, http.StatusOK, planResponse{
		AccountID:   p.AccountID,
		Plan:        string(p.Kind),
		TotalTokens: p.TotalTokens,
		UsedTokens:  p.UsedTokens,
		PeriodStart: p.PeriodStart,
		PeriodEnd:   p.PeriodEnd,
	})
}
