/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

CONVENTIONS:
  - IDs (guild, user, channel) travel as JSON numbers
  - Timestamps are RFC 3339 strings in UTC
  - Durations are integer seconds, matching how rewards are computed
  - Coin amounts are plain integers; decimals never cross the API

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/studyhall/session-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// StartSessionRequest opens a session in a voice channel.
type StartSessionRequest struct {
	ChannelID int64 `json:"channel_id"`
	Video     bool  `json:"video"`
	Stream    bool  `json:"stream"`
}

// TickSessionRequest advances a session with the member's current flags.
type TickSessionRequest struct {
	Video  bool `json:"video"`
	Stream bool `json:"stream"`
}

// TransferRequest moves coins between two members.
type TransferRequest struct {
	ActorID int64 `json:"actor_id"`
	FromID  int64 `json:"from_id"`
	ToID    int64 `json:"to_id"`
	Amount  int32 `json:"amount"`
}

// PurchaseRequest debits a member for a shop purchase.
type PurchaseRequest struct {
	UserID int64 `json:"user_id"`
	Cost   int32 `json:"cost"`
}

// RefundRequest reverses a previous transaction.
type RefundRequest struct {
	ActorID       int64  `json:"actor_id"`
	TransactionID string `json:"transaction_id"`
}

// AdjustRequest is a manual balance adjustment.
// Kind is "SET" (absolute) or "ADD" (delta).
type AdjustRequest struct {
	ActorID int64  `json:"actor_id"`
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"`
	Value   int32  `json:"value"`
}

// TasksRewardRequest credits a member for completed tasks. The caller
// supplies the idempotency key so retried deliveries credit once.
type TasksRewardRequest struct {
	UserID         int64  `json:"user_id"`
	Amount         int32  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ReconcileRequest controls a reconciliation run.
type ReconcileRequest struct {
	Repair bool `json:"repair"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// MemberDTO is the member snapshot returned to clients.
type MemberDTO struct {
	GuildID            int64  `json:"guild_id"`
	UserID             int64  `json:"user_id"`
	TrackedTimeSeconds int64  `json:"tracked_time_seconds"`
	Coins              int32  `json:"coins"`
	DisplayName        string `json:"display_name,omitempty"`
	FirstJoined        string `json:"first_joined"`
}

// SessionDTO is an open session in API responses.
type SessionDTO struct {
	GuildID               int64  `json:"guild_id"`
	UserID                int64  `json:"user_id"`
	ChannelID             int64  `json:"channel_id"`
	StartedAt             string `json:"started_at"`
	LastUpdate            string `json:"last_update"`
	LiveDurationSeconds   int64  `json:"live_duration_seconds"`
	VideoDurationSeconds  int64  `json:"video_duration_seconds"`
	StreamDurationSeconds int64  `json:"stream_duration_seconds"`
	Video                 bool   `json:"video"`
	Stream                bool   `json:"stream"`

	// Accrued is the reward earned so far, settled the same way the
	// close will settle it.
	Accrued int32 `json:"accrued"`
}

// SettleResponse is the result of closing and settling a session.
type SettleResponse struct {
	GuildID               int64     `json:"guild_id"`
	UserID                int64     `json:"user_id"`
	ChannelID             int64     `json:"channel_id"`
	StartedAt             string    `json:"started_at"`
	ClosedAt              string    `json:"closed_at"`
	DurationSeconds       int64     `json:"duration_seconds"`
	LiveDurationSeconds   int64     `json:"live_duration_seconds"`
	VideoDurationSeconds  int64     `json:"video_duration_seconds"`
	StreamDurationSeconds int64     `json:"stream_duration_seconds"`
	Reward                int32     `json:"reward"`
	Bonus                 int32     `json:"bonus"`
	Member                MemberDTO `json:"member"`
}

// TransactionDTO is a ledger entry in API responses.
type TransactionDTO struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	GuildID        int64   `json:"guild_id"`
	ActorID        int64   `json:"actor_id"`
	FromID         *int64  `json:"from_id,omitempty"`
	ToID           *int64  `json:"to_id,omitempty"`
	Amount         int32   `json:"amount"`
	Bonus          int32   `json:"bonus,omitempty"`
	Refunds        *string `json:"refunds,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// SessionRecordDTO is a settled session in API responses.
type SessionRecordDTO struct {
	ID                    string `json:"id"`
	GuildID               int64  `json:"guild_id"`
	UserID                int64  `json:"user_id"`
	ChannelID             int64  `json:"channel_id"`
	StartedAt             string `json:"started_at"`
	DurationSeconds       int64  `json:"duration_seconds"`
	LiveDurationSeconds   int64  `json:"live_duration_seconds"`
	VideoDurationSeconds  int64  `json:"video_duration_seconds"`
	StreamDurationSeconds int64  `json:"stream_duration_seconds"`
	TransactionID         string `json:"transaction_id"`
}

// AdjustResponse returns the adjustment transaction and the resulting member.
type AdjustResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Member      MemberDTO      `json:"member"`
}

// DriftDTO reports one member whose cached balance disagrees with the ledger.
type DriftDTO struct {
	UserID   int64 `json:"user_id"`
	Cached   int32 `json:"cached"`
	Replayed int32 `json:"replayed"`
}

// ReconcileResponse summarizes a reconciliation run.
type ReconcileResponse struct {
	GuildID  int64      `json:"guild_id"`
	Members  int        `json:"members"`
	Drifted  []DriftDTO `json:"drifted"`
	Repaired bool       `json:"repaired"`
	Clean    bool       `json:"clean"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toMemberDTO(m *engine.Member) MemberDTO {
	return MemberDTO{
		GuildID:            int64(m.Guild),
		UserID:             int64(m.User),
		TrackedTimeSeconds: int64(m.TrackedTime / time.Second),
		Coins:              int32(m.Coins),
		DisplayName:        m.DisplayName,
		FirstJoined:        m.FirstJoined.UTC().Format(time.RFC3339),
	}
}

func toSessionDTO(s *engine.OngoingSession) SessionDTO {
	return SessionDTO{
		GuildID:               int64(s.Guild),
		UserID:                int64(s.User),
		ChannelID:             int64(s.Channel),
		StartedAt:             s.StartedAt.UTC().Format(time.RFC3339),
		LastUpdate:            s.LastUpdate.UTC().Format(time.RFC3339),
		LiveDurationSeconds:   int64(s.LiveDuration / time.Second),
		VideoDurationSeconds:  int64(s.VideoDuration / time.Second),
		StreamDurationSeconds: int64(s.StreamDuration / time.Second),
		Video:                 s.Flags.Video,
		Stream:                s.Flags.Stream,
		Accrued:               int32(engine.SettleAccrued(s.Accrued)),
	}
}

func toSettleResponse(t *engine.SessionTotals, m *engine.Member) SettleResponse {
	return SettleResponse{
		GuildID:               int64(t.Guild),
		UserID:                int64(t.User),
		ChannelID:             int64(t.Channel),
		StartedAt:             t.StartedAt.UTC().Format(time.RFC3339),
		ClosedAt:              t.ClosedAt.UTC().Format(time.RFC3339),
		DurationSeconds:       int64(t.Duration / time.Second),
		LiveDurationSeconds:   int64(t.LiveDuration / time.Second),
		VideoDurationSeconds:  int64(t.VideoDuration / time.Second),
		StreamDurationSeconds: int64(t.StreamDuration / time.Second),
		Reward:                int32(t.Reward),
		Bonus:                 int32(t.Bonus),
		Member:                toMemberDTO(m),
	}
}

func toTransactionDTO(tx engine.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(tx.ID),
		Type:           string(tx.Type),
		GuildID:        int64(tx.Guild),
		ActorID:        int64(tx.Actor),
		Amount:         int32(tx.Amount),
		Bonus:          int32(tx.Bonus),
		IdempotencyKey: tx.IdempotencyKey,
		CreatedAt:      tx.CreatedAt.UTC().Format(time.RFC3339),
	}
	if tx.From != nil {
		from := int64(*tx.From)
		dto.FromID = &from
	}
	if tx.To != nil {
		to := int64(*tx.To)
		dto.ToID = &to
	}
	if tx.Refunds != nil {
		refunds := string(*tx.Refunds)
		dto.Refunds = &refunds
	}
	return dto
}

func toSessionRecordDTO(rec engine.SessionRecord) SessionRecordDTO {
	return SessionRecordDTO{
		ID:                    string(rec.ID),
		GuildID:               int64(rec.Guild),
		UserID:                int64(rec.User),
		ChannelID:             int64(rec.Channel),
		StartedAt:             rec.StartedAt.UTC().Format(time.RFC3339),
		DurationSeconds:       int64(rec.Duration / time.Second),
		LiveDurationSeconds:   int64(rec.LiveDuration / time.Second),
		VideoDurationSeconds:  int64(rec.VideoDuration / time.Second),
		StreamDurationSeconds: int64(rec.StreamDuration / time.Second),
		TransactionID:         string(rec.Transaction),
	}
}

func toReconcileResponse(rep *engine.ReconcileReport) ReconcileResponse {
	resp := ReconcileResponse{
		GuildID:  int64(rep.Guild),
		Members:  rep.Members,
		Drifted:  []DriftDTO{},
		Repaired: rep.Repaired,
		Clean:    rep.Clean(),
	}
	for _, d := range rep.Drifted {
		resp.Drifted = append(resp.Drifted, DriftDTO{
			UserID:   int64(d.User),
			Cached:   int32(d.Cached),
			Replayed: int32(d.Replayed),
		})
	}
	return resp
}
