package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/session-engine/api"
	"github.com/studyhall/session-engine/engine"
	"github.com/studyhall/session-engine/engine/store"
	"github.com/studyhall/session-engine/tracking"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// harness wires a full router over the in-memory store with a fixed clock.
type harness struct {
	router  http.Handler
	store   *store.TxMemory
	handler *api.Handler
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mem := store.NewTxMemory()
	rates := tracking.StaticRates{Rates: engine.NewRateConfig(100, 360)}
	sweeper := tracking.NewSweeper(mem, rates, tracking.NoMultiplier(), time.Minute, 0)
	handler := api.NewHandler(mem, rates, tracking.NoMultiplier(), sweeper, api.NewMetrics(mem))

	h := &harness{
		store:   mem,
		handler: handler,
		now:     t0,
	}
	handler.Now = func() time.Time { return h.now }
	h.router = api.NewRouter(handler, []string{"http://localhost:8080"})
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func (h *harness) fund(t *testing.T, user, amount int) {
	t.Helper()
	rec := h.do(t, "POST", "/api/guilds/1001/admin/adjustments", api.AdjustRequest{
		ActorID: 900, UserID: int64(user), Kind: "SET", Value: int32(amount),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

func TestSessionLifecycle(t *testing.T) {
	// GIVEN: A member who studies for an hour at 100 coins/hour
	// WHEN: The session is started, ticked, and closed over the API
	// THEN: The settle response and every read model agree on 100 coins

	h := newHarness(t)

	var sess api.SessionDTO
	rec := h.do(t, "POST", "/api/guilds/1001/members/42/session/start",
		api.StartSessionRequest{ChannelID: 7}, &sess)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(7), sess.ChannelID)

	h.advance(30 * time.Minute)
	rec = h.do(t, "POST", "/api/guilds/1001/members/42/session/tick",
		api.TickSessionRequest{}, &sess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(50), sess.Accrued)

	h.advance(30 * time.Minute)
	var settled api.SettleResponse
	rec = h.do(t, "POST", "/api/guilds/1001/members/42/session/close", nil, &settled)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(100), settled.Reward)
	assert.Equal(t, int64(3600), settled.DurationSeconds)
	assert.Equal(t, int32(100), settled.Member.Coins)

	var member api.MemberDTO
	rec = h.do(t, "GET", "/api/guilds/1001/members/42", nil, &member)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(100), member.Coins)
	assert.Equal(t, int64(3600), member.TrackedTimeSeconds)

	var records []api.SessionRecordDTO
	rec = h.do(t, "GET", "/api/guilds/1001/members/42/sessions", nil, &records)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, records, 1)
	assert.Equal(t, int64(3600), records[0].DurationSeconds)

	var txs []api.TransactionDTO
	rec = h.do(t, "GET", "/api/guilds/1001/members/42/transactions", nil, &txs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, txs, 1)
	assert.Equal(t, "STUDY_SESSION", txs[0].Type)
}

func TestStartSession_SecondOpenConflicts(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/guilds/1001/members/42/session/start",
		api.StartSessionRequest{ChannelID: 7}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, "POST", "/api/guilds/1001/members/42/session/start",
		api.StartSessionRequest{ChannelID: 8}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTickSession_NoOpenSessionIs404(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/guilds/1001/members/42/session/tick",
		api.TickSessionRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "POST", "/api/guilds/1001/members/42/session/close", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSession_InvalidGuildID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/guilds/not-a-guild/members/42/session/start",
		api.StartSessionRequest{ChannelID: 7}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ECONOMY ENDPOINTS
// =============================================================================

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 100)

	var tx api.TransactionDTO
	rec := h.do(t, "POST", "/api/guilds/1001/transfers", api.TransferRequest{
		ActorID: 1, FromID: 1, ToID: 2, Amount: 30,
	}, &tx)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "TRANSFER", tx.Type)

	var member api.MemberDTO
	h.do(t, "GET", "/api/guilds/1001/members/2", nil, &member)
	assert.Equal(t, int32(30), member.Coins)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 10)

	rec := h.do(t, "POST", "/api/guilds/1001/transfers", api.TransferRequest{
		ActorID: 1, FromID: 1, ToID: 2, Amount: 30,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.Details, "insufficient")
}

func TestRefund_OnceThenConflict(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 100)

	var purchase api.TransactionDTO
	rec := h.do(t, "POST", "/api/guilds/1001/purchases", api.PurchaseRequest{
		UserID: 1, Cost: 40,
	}, &purchase)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, "POST", "/api/guilds/1001/refunds", api.RefundRequest{
		ActorID: 900, TransactionID: purchase.ID,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var member api.MemberDTO
	h.do(t, "GET", "/api/guilds/1001/members/1", nil, &member)
	assert.Equal(t, int32(100), member.Coins, "refund restores the purchase")

	rec = h.do(t, "POST", "/api/guilds/1001/refunds", api.RefundRequest{
		ActorID: 900, TransactionID: purchase.ID,
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRewardTasks_DuplicateKeyConflicts(t *testing.T) {
	h := newHarness(t)

	req := api.TasksRewardRequest{UserID: 1, Amount: 25, IdempotencyKey: "tasks:1:week9"}
	rec := h.do(t, "POST", "/api/guilds/1001/tasks", req, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, "POST", "/api/guilds/1001/tasks", req, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestReconcile_CleanGuild(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, 100)

	var resp api.ReconcileResponse
	rec := h.do(t, "POST", "/api/guilds/1001/admin/reconcile", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Clean)
	assert.Equal(t, 1, resp.Members)
}

func TestTriggerSweep(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/guilds/1001/members/42/session/start",
		api.StartSessionRequest{ChannelID: 7}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	h.advance(30 * time.Minute)
	rec = h.do(t, "POST", "/api/admin/sweep", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess api.SessionDTO
	rec = h.do(t, "GET", "/api/guilds/1001/members/42/session", nil, &sess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(50), sess.Accrued, "sweep ticked the session")
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/guilds/1001/members/42/session/start",
		api.StartSessionRequest{ChannelID: 7}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "session_engine_sessions_started_total 1"), body)
	assert.True(t, strings.Contains(body, "session_engine_open_sessions 1"), body)
}
