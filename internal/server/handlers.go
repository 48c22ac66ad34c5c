package server

import (
	"CreditLedger/internal/auth"
	"CreditLedger/internal/core"
	"CreditLedger/internal/credit"
	"CreditLedger/internal/event"
	"CreditLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// IdempotencyKeyHeader carries the client's key for a state-changing request.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 16

// CommandService is the write side of the ledger. *core.Ledger satisfies it.
type CommandService interface {
	Execute(ctx context.Context, cmd core.Command) (*core.Result, error)
	CreditLine(ctx context.Context, caller credit.Identity) (uint64, error)
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type commandResponse struct {
	Sequence       int64              `json:"sequence"`
	IdempotencyKey string             `json:"idempotency_key"`
	EventType      string             `json:"event_type"`
	Event          event.Event        `json:"event"`
	Vault          *credit.Vault      `json:"vault,omitempty"`
	User           *credit.UserLedger `json:"user,omitempty"`
}

type creditLineResponse struct {
	User       string `json:"user"`
	CreditLine uint64 `json:"credit_line"`
}

type journalResponse struct {
	User    string                      `json:"user"`
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreditHandler serves the authenticated credit API.
type CreditHandler struct {
	ledger  CommandService
	queries *query.QueryService
	logger  zerolog.Logger
}

func NewCreditHandler(ledger CommandService, queries *query.QueryService, logger zerolog.Logger) *CreditHandler {
	return &CreditHandler{ledger: ledger, queries: queries, logger: logger}
}

func (h *CreditHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, core.OpInitialize, 0)
}

func (h *CreditHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.executeAmount(w, r, core.OpDeposit)
}

func (h *CreditHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.executeAmount(w, r, core.OpWithdraw)
}

func (h *CreditHandler) UseCredit(w http.ResponseWriter, r *http.Request) {
	h.executeAmount(w, r, core.OpUseCredit)
}

func (h *CreditHandler) RepayCredit(w http.ResponseWriter, r *http.Request) {
	h.executeAmount(w, r, core.OpRepayCredit)
}

func (h *CreditHandler) executeAmount(w http.ResponseWriter, r *http.Request, op core.Operation) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.execute(w, r, op, req.Amount)
}

func (h *CreditHandler) execute(w http.ResponseWriter, r *http.Request, op core.Operation, amount uint64) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	res, err := h.ledger.Execute(r.Context(), core.Command{
		Op:             op,
		Caller:         caller,
		Amount:         amount,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if op == core.OpInitialize {
		status = http.StatusCreated
	}
	writeJSON(w, status, commandResponse{
		Sequence:       res.Sequence,
		IdempotencyKey: res.IdempotencyKey,
		EventType:      res.Event.EventType().String(),
		Event:          res.Event,
		Vault:          res.Vault,
		User:           res.User,
	})
}

func (h *CreditHandler) CreditLine(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	line, err := h.ledger.CreditLine(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creditLineResponse{User: string(caller), CreditLine: line})
}

func (h *CreditHandler) Position(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	resp, err := h.queries.GetPosition(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CreditHandler) HealthFactor(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	resp, err := h.queries.GetHealthFactor(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CreditHandler) Activity(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.queries.GetActivity(r.Context(), caller, limit, before)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CreditHandler) Journal(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.queries.GetJournalHistory(r.Context(), caller, limit, before)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, journalResponse{User: string(caller), Entries: entries})
}

func (h *CreditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.queries.GetStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CreditHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, publicMessage(err))
}

// AuthHandler serves the email code login flow.
type AuthHandler struct {
	service *auth.Service
	logger  zerolog.Logger
}

func NewAuthHandler(service *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{service: service, logger: logger}
}

type sendCodeRequest struct {
	Email string `json:"email"`
}

type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type sendCodeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type verifyCodeResponse struct {
	Success   bool      `json:"success"`
	Verified  bool      `json:"verified"`
	Identity  string    `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := decodeJSON(r, &req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if err := h.service.SendCode(r.Context(), req.Email); err != nil {
		if errors.Is(err, auth.ErrInvalidEmail) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("send verification code")
		writeError(w, http.StatusInternalServerError, "failed to send verification code")
		return
	}
	writeJSON(w, http.StatusOK, sendCodeResponse{Success: true, Message: "verification code sent"})
}

func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decodeJSON(r, &req); err != nil || req.Email == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "email and code are required")
		return
	}
	session, err := h.service.VerifyCode(r.Context(), req.Email, req.Code)
	if err != nil {
		status := httpStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("verify code")
		}
		writeError(w, status, publicMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, verifyCodeResponse{
		Success:   true,
		Verified:  true,
		Identity:  string(session.Identity),
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

func pageParams(r *http.Request) (limit int, before int64, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("before"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil || before < 0 {
			return 0, 0, errors.New("before must be a non-negative sequence")
		}
	}
	return limit, before, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
