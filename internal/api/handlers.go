/**
 * @description
 * This file contains the HTTP handlers for the faucet API. Handlers parse the request,
 * call the faucet ledger or admin control and translate faucet errors into HTTP
 * responses. Error bodies keep the structured context (remaining seconds, shortfall)
 * so a client can render "try again in N seconds" without a second call.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: Faucet operations and errors.
 */

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/app"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// Handler holds the services the HTTP handlers use.
type Handler struct {
	ledger *app.Service
	admin  *app.Admin
	log    *zap.SugaredLogger
}

// NewHandler creates the faucet handlers.
func NewHandler(ledger *app.Service, admin *app.Admin, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{ledger: ledger, admin: admin, log: log.Named("api")}
}

type errorResponse struct {
	Error            string `json:"error"`
	Kind             string `json:"kind,omitempty"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`
	Shortfall        int64  `json:"shortfall,omitempty"`
}

type canClaimResponse struct {
	Address  domain.Address `json:"address"`
	CanClaim bool           `json:"can_claim"`
}

type timeUntilNextClaimResponse struct {
	Address domain.Address `json:"address"`
	Seconds clock.Seconds  `json:"seconds"`
}

type setCooldownRequest struct {
	CooldownSeconds *int64 `json:"cooldown_seconds"`
}

type internalClaimRequest struct {
	Address string `json:"address"`
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Faucet service is healthy"))
}

func (h *Handler) handleGetFaucetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GetFaucetStats(r.Context())
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGetClock(w http.ResponseWriter, r *http.Request) {
	status, err := h.ledger.ClockStatus(r.Context())
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleGetUserStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.addressParam(w, r)
	if !ok {
		return
	}
	stats, err := h.ledger.GetUserStats(r.Context(), addr)
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleCanClaim(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.addressParam(w, r)
	if !ok {
		return
	}
	can, err := h.ledger.CanClaim(r.Context(), addr)
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, canClaimResponse{Address: addr, CanClaim: can})
}

func (h *Handler) handleTimeUntilNextClaim(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.addressParam(w, r)
	if !ok {
		return
	}
	remaining, err := h.ledger.TimeUntilNextClaim(r.Context(), addr)
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, timeUntilNextClaimResponse{Address: addr, Seconds: remaining})
}

func (h *Handler) handleRequestTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "wallet address not found in session")
		return
	}
	h.requestTokens(w, r, caller)
}

func (h *Handler) handleInternalClaim(w http.ResponseWriter, r *http.Request) {
	var req internalClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	addr, err := domain.ParseAddress(req.Address)
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	h.requestTokens(w, r, addr)
}

func (h *Handler) requestTokens(w http.ResponseWriter, r *http.Request, claimant domain.Address) {
	receipt, err := h.ledger.RequestTokens(r.Context(), claimant)
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) handleSetCooldown(w http.ResponseWriter, r *http.Request) {
	caller, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "wallet address not found in session")
		return
	}

	var req setCooldownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CooldownSeconds == nil {
		writeError(w, http.StatusBadRequest, "cooldown_seconds is required")
		return
	}

	if err := h.admin.SetCooldownTime(r.Context(), caller, clock.Seconds(*req.CooldownSeconds)); err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cooldown_seconds": *req.CooldownSeconds})
}

func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	pool, err := h.ledger.TopUp(r.Context(), domain.Amount(req.Amount))
	if err != nil {
		h.writeFaucetError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (h *Handler) addressParam(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.writeFaucetError(w, r, err)
		return domain.Address{}, false
	}
	return addr, true
}

// writeFaucetError maps faucet error kinds to HTTP statuses.
func (h *Handler) writeFaucetError(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := domain.AsFaucetError(err)
	if !ok {
		h.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch fe.Kind {
	case domain.KindCooldownNotPassed, domain.KindRateLimited:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.FormatInt(int64(fe.RemainingSeconds), 10))
	case domain.KindInsufficientFaucetBalance, domain.KindClockUnavailable, domain.KindStale, domain.KindNotInitialized:
		status = http.StatusServiceUnavailable
	case domain.KindUnauthorized:
		status = http.StatusForbidden
	case domain.KindInvalidParameter:
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError && fe.Kind != domain.KindInsufficientFaucetBalance {
		h.log.Warnw("request degraded", "method", r.Method, "path", r.URL.Path, "kind", fe.Kind, "err", err)
	}

	writeJSON(w, status, errorResponse{
		Error:            fe.Error(),
		Kind:             string(fe.Kind),
		RemainingSeconds: int64(fe.RemainingSeconds),
		Shortfall:        int64(fe.Shortfall),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
