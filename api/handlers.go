/*
handlers.go - HTTP API handlers for the session accounting engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Sessions:
    POST   /api/guilds/{gid}/members/{uid}/session/start  Open a session
    POST   /api/guilds/{gid}/members/{uid}/session/tick   Advance a session
    POST   /api/guilds/{gid}/members/{uid}/session/close  Close and settle
    GET    /api/guilds/{gid}/members/{uid}/session        Current open session

  Members:
    GET    /api/guilds/{gid}/members/{uid}                Member snapshot
    GET    /api/guilds/{gid}/members/{uid}/transactions   Ledger history
    GET    /api/guilds/{gid}/members/{uid}/sessions       Session history

  Economy:
    POST   /api/guilds/{gid}/transfers                    Member to member
    POST   /api/guilds/{gid}/purchases                    Shop debit
    POST   /api/guilds/{gid}/refunds                      Reverse a transaction
    POST   /api/guilds/{gid}/tasks                        Task reward credit

  Admin:
    POST   /api/guilds/{gid}/admin/adjustments            Manual adjustment
    POST   /api/guilds/{gid}/admin/reconcile              Ledger replay
    POST   /api/guilds/{gid}/admin/rates/refresh          Re-freeze open rates
    POST   /api/admin/sweep                               Run a sweep now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient balance
  - 404: Member, session or transaction not found
  - 409: Conflict (session already open, duplicate key, already refunded)
  - 503: Settlement aborted by storage, safe to retry
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. The API is meant to sit
  behind the platform gateway, not face the public internet.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/studyhall/session-engine/economy"
	"github.com/studyhall/session-engine/engine"
	"github.com/studyhall/session-engine/tracking"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      engine.TxStore
	Rates      tracking.RateProvider
	Multiplier tracking.MultiplierProvider
	Sweeper    *tracking.Sweeper
	Metrics    *Metrics

	// Now supplies the current time; replaced in tests.
	Now func() time.Time

	tracker    *engine.Tracker
	settler    *engine.Settler
	economy    *economy.Economy
	reconciler *engine.Reconciler
}

// NewHandler creates a new handler over the given store and providers.
func NewHandler(store engine.TxStore, rates tracking.RateProvider, mult tracking.MultiplierProvider, sweeper *tracking.Sweeper, metrics *Metrics) *Handler {
	return &Handler{
		Store:      store,
		Rates:      rates,
		Multiplier: mult,
		Sweeper:    sweeper,
		Metrics:    metrics,
		Now:        func() time.Time { return time.Now().UTC() },
		tracker:    engine.NewTracker(store),
		settler:    engine.NewSettler(store),
		economy:    economy.New(store),
		reconciler: engine.NewReconciler(store),
	}
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// StartSession opens a session for the member.
// POST /api/guilds/{gid}/members/{uid}/session/start
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	guild, user, ok := memberParams(w, r)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rates, err := h.resolveRates(r, guild, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve rates", err)
		return
	}

	flags := engine.LiveFlags{Video: req.Video, Stream: req.Stream}
	sess, err := h.tracker.Start(r.Context(), guild, user, engine.ChannelID(req.ChannelID), h.Now(), flags, rates)
	if err != nil {
		writeEngineError(w, "Failed to start session", err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.SessionsStarted.Inc()
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(sess))
}

// TickSession advances the member's open session.
// POST /api/guilds/{gid}/members/{uid}/session/tick
func (h *Handler) TickSession(w http.ResponseWriter, r *http.Request) {
	guild, user, ok := memberParams(w, r)
	if !ok {
		return
	}

	var req TickSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rates, err := h.resolveRates(r, guild, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve rates", err)
		return
	}

	flags := engine.LiveFlags{Video: req.Video, Stream: req.Stream}
	sess, err := h.tracker.Tick(r.Context(), guild, user, h.Now(), flags, rates)
	if err != nil {
		writeEngineError(w, "Failed to tick session", err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

// CloseSession closes the member's open session and settles it.
// POST /api/guilds/{gid}/members/{uid}/session/close
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	guild, user, ok := memberParams(w, r)
	if !ok {
		return
	}

	totals, member, err := h.settler.CloseAndSettle(r.Context(), guild, user, h.Now())
	if h.Metrics != nil {
		var reward engine.Coins
		if totals != nil {
			reward = totals.Reward
		}
		h.Metrics.ObserveSettlement(reward, err)
	}
	if err != nil {
		writeEngineError(w, "Failed to settle session", err)
		return
	}

	writeJSON(w, http.StatusOK, toSettleResponse(totals, member))
}

// GetSession returns the member's open session.
// GET /api/guilds/{gid}/members/{uid}/session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	guild, user, ok := memberParams(w, r)
	if !ok {
		return
	}

	sess, err := h.Store.GetSession(r.Context(), guild, user)
	if err != nil {
		writeEngineError(w, "Failed to get session", err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// GetMember returns the member snapshot.
// GET /api/guilds/{gid}/members/{uid}
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	guild, user, ok := memberParams(w, r)
	if !ok {
		return
	}

	member, err := h.Store.GetMember(r.Context(), guild, user)
	if err != nil {
		writeEngineError(w, "Failed to get member", err)
		return
	}

	writeJSON(w, http.StatusOK, toMemberDTO(member))
}

// GetTransactions returns the member's ledger history.
// GET /api/guilds/{gid}/members/{uid}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	guild, user, ok := memberParams(w, r)
	if !ok {
		return
	}

	txs, err := h.Store.TransactionsFor(r.Context(), guild, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSessionHistory returns the member's settled sessions, most recent first.
// GET /api/guilds/{gid}/members/{uid}/sessions
func (h *Handler) GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	guild, user, ok := memberParams(w, r)
	if !ok {
		return
	}

	records, err := h.Store.SessionsFor(r.Context(), guild, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}

	dtos := make([]SessionRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toSessionRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ECONOMY HANDLERS
// =============================================================================

// Transfer moves coins between two members.
// POST /api/guilds/{gid}/transfers
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.economy.Transfer(r.Context(), guild,
		engine.UserID(req.ActorID), engine.UserID(req.FromID), engine.UserID(req.ToID),
		engine.Coins(req.Amount), h.Now())
	if err != nil {
		writeEngineError(w, "Failed to transfer", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// Purchase debits a member for a shop purchase.
// POST /api/guilds/{gid}/purchases
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.economy.Purchase(r.Context(), guild, engine.UserID(req.UserID), engine.Coins(req.Cost), h.Now())
	if err != nil {
		writeEngineError(w, "Failed to purchase", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// Refund reverses a refundable transaction, once.
// POST /api/guilds/{gid}/refunds
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.economy.Refund(r.Context(), guild,
		engine.UserID(req.ActorID), engine.TransactionID(req.TransactionID), h.Now())
	if err != nil {
		writeEngineError(w, "Failed to refund", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// RewardTasks credits a member for completed tasks, exactly once per key.
// POST /api/guilds/{gid}/tasks
func (h *Handler) RewardTasks(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req TasksRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.economy.RewardTasks(r.Context(), guild,
		engine.UserID(req.UserID), engine.Coins(req.Amount), req.IdempotencyKey, h.Now())
	if err != nil {
		writeEngineError(w, "Failed to reward tasks", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AdminAdjust sets or shifts a member's balance.
// POST /api/guilds/{gid}/admin/adjustments
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Kind != string(economy.AdjustSet) && req.Kind != string(economy.AdjustAdd) {
		writeError(w, http.StatusBadRequest, "Invalid adjustment kind", nil)
		return
	}

	member, tx, err := h.economy.AdminAdjust(r.Context(), guild,
		engine.UserID(req.ActorID), engine.UserID(req.UserID),
		economy.AdjustKind(req.Kind), engine.Coins(req.Value), h.Now())
	if err != nil {
		writeEngineError(w, "Failed to adjust balance", err)
		return
	}

	writeJSON(w, http.StatusOK, AdjustResponse{
		Transaction: toTransactionDTO(*tx),
		Member:      toMemberDTO(member),
	})
}

// Reconcile replays the guild's ledger against cached balances.
// POST /api/guilds/{gid}/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}

	var req ReconcileRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	report, err := h.reconciler.Reconcile(r.Context(), guild, req.Repair)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reconcile", err)
		return
	}

	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

// RefreshRates re-freezes the rates of every open session in the guild.
// POST /api/guilds/{gid}/admin/rates/refresh
func (h *Handler) RefreshRates(w http.ResponseWriter, r *http.Request) {
	guild, ok := guildParam(w, r)
	if !ok {
		return
	}
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Sweeper not running", nil)
		return
	}

	if err := h.Sweeper.RefreshGuildRates(r.Context(), guild, h.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to refresh rates", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// TriggerSweep runs one sweep immediately.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Sweeper not running", nil)
		return
	}

	h.Sweeper.SweepNow(r.Context(), h.Now())
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

// Health is the liveness probe.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) resolveRates(r *http.Request, guild engine.GuildID, user engine.UserID) (engine.RateConfig, error) {
	rates, err := h.Rates.RatesFor(r.Context(), guild, user)
	if err != nil {
		return engine.RateConfig{}, err
	}
	mult, err := h.Multiplier.MultiplierFor(r.Context(), guild, user)
	if err != nil {
		return engine.RateConfig{}, err
	}
	return rates.WithMultiplier(mult), nil
}

func guildParam(w http.ResponseWriter, r *http.Request) (engine.GuildID, bool) {
	gid, err := strconv.ParseInt(chi.URLParam(r, "gid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid guild id", err)
		return 0, false
	}
	return engine.GuildID(gid), true
}

func memberParams(w http.ResponseWriter, r *http.Request) (engine.GuildID, engine.UserID, bool) {
	guild, ok := guildParam(w, r)
	if !ok {
		return 0, 0, false
	}
	uid, err := strconv.ParseInt(chi.URLParam(r, "uid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return 0, 0, false
	}
	return guild, engine.UserID(uid), true
}

// writeEngineError maps domain errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errorIsAny(err, engine.ErrAlreadyOpen, engine.ErrDuplicateIdempotencyKey, engine.ErrAlreadyRefunded):
		return http.StatusConflict
	case engine.IsRetryable(err):
		return http.StatusServiceUnavailable
	case engine.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
