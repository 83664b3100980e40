// Package store provides engine.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/studyhall/session-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	sessions    map[engine.MemberKey]engine.OngoingSession
	members     map[engine.MemberKey]engine.Member
	ledger      []engine.Transaction
	idempotency map[string]bool
	refunded    map[engine.TransactionID]bool
	history     map[engine.MemberKey][]engine.SessionRecord

	// FailOn injects an error for a named operation ("AppendTransaction",
	// "CreditMember", ...). Tests use it to abort a transaction mid-flight
	// and assert that nothing committed.
	FailOn map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[engine.MemberKey]engine.OngoingSession),
		members:     make(map[engine.MemberKey]engine.Member),
		idempotency: make(map[string]bool),
		refunded:    make(map[engine.TransactionID]bool),
		history:     make(map[engine.MemberKey][]engine.SessionRecord),
	}
}

func (m *Memory) failure(op string) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn[op]
}

// -----------------------------------------------------------------------------
// SessionStore
// -----------------------------------------------------------------------------

func (m *Memory) InsertSession(_ context.Context, s engine.OngoingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSessionLocked(s)
}

func (m *Memory) insertSessionLocked(s engine.OngoingSession) error {
	if err := m.failure("InsertSession"); err != nil {
		return err
	}
	if existing, ok := m.sessions[s.Key()]; ok {
		return &engine.AlreadyOpenError{
			Guild:     existing.Guild,
			User:      existing.User,
			Channel:   existing.Channel,
			StartedAt: existing.StartedAt,
		}
	}
	m.sessions[s.Key()] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, guild engine.GuildID, user engine.UserID) (*engine.OngoingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSessionLocked(guild, user)
}

func (m *Memory) getSessionLocked(guild engine.GuildID, user engine.UserID) (*engine.OngoingSession, error) {
	if err := m.failure("GetSession"); err != nil {
		return nil, err
	}
	s, ok := m.sessions[engine.MemberKey{Guild: guild, User: user}]
	if !ok {
		return nil, engine.ErrNoOpenSession
	}
	return &s, nil
}

func (m *Memory) UpdateSession(_ context.Context, s engine.OngoingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSessionLocked(s)
}

func (m *Memory) updateSessionLocked(s engine.OngoingSession) error {
	if err := m.failure("UpdateSession"); err != nil {
		return err
	}
	if _, ok := m.sessions[s.Key()]; !ok {
		return engine.ErrNoOpenSession
	}
	m.sessions[s.Key()] = s
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, guild engine.GuildID, user engine.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteSessionLocked(guild, user)
}

func (m *Memory) deleteSessionLocked(guild engine.GuildID, user engine.UserID) error {
	if err := m.failure("DeleteSession"); err != nil {
		return err
	}
	k := engine.MemberKey{Guild: guild, User: user}
	if _, ok := m.sessions[k]; !ok {
		return engine.ErrNoOpenSession
	}
	delete(m.sessions, k)
	return nil
}

func (m *Memory) ListSessions(_ context.Context) ([]engine.OngoingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSessionsLocked()
}

func (m *Memory) listSessionsLocked() ([]engine.OngoingSession, error) {
	if err := m.failure("ListSessions"); err != nil {
		return nil, err
	}
	out := make([]engine.OngoingSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Guild != out[j].Guild {
			return out[i].Guild < out[j].Guild
		}
		return out[i].User < out[j].User
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// MemberStore
// -----------------------------------------------------------------------------

func (m *Memory) EnsureMember(_ context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureMemberLocked(guild, user)
}

func (m *Memory) ensureMemberLocked(guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	if err := m.failure("EnsureMember"); err != nil {
		return nil, err
	}
	k := engine.MemberKey{Guild: guild, User: user}
	mem, ok := m.members[k]
	if !ok {
		mem = engine.Member{Guild: guild, User: user, FirstJoined: time.Now().UTC()}
		m.members[k] = mem
	}
	return &mem, nil
}

func (m *Memory) GetMember(_ context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMemberLocked(guild, user)
}

func (m *Memory) getMemberLocked(guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	if err := m.failure("GetMember"); err != nil {
		return nil, err
	}
	mem, ok := m.members[engine.MemberKey{Guild: guild, User: user}]
	if !ok {
		return nil, engine.ErrMemberNotFound
	}
	return &mem, nil
}

func (m *Memory) ListMembers(_ context.Context, guild engine.GuildID) ([]engine.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listMembersLocked(guild)
}

func (m *Memory) listMembersLocked(guild engine.GuildID) ([]engine.Member, error) {
	if err := m.failure("ListMembers"); err != nil {
		return nil, err
	}
	var out []engine.Member
	for k, mem := range m.members {
		if k.Guild == guild {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

func (m *Memory) CreditMember(_ context.Context, guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditMemberLocked(guild, user, delta, tracked)
}

func (m *Memory) creditMemberLocked(guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	if err := m.failure("CreditMember"); err != nil {
		return nil, err
	}
	k := engine.MemberKey{Guild: guild, User: user}
	mem, ok := m.members[k]
	if !ok {
		mem = engine.Member{Guild: guild, User: user, FirstJoined: time.Now().UTC()}
	}
	mem.Coins = engine.SaturatingAdd(mem.Coins, delta)
	mem.TrackedTime += tracked
	m.members[k] = mem
	return &mem, nil
}

func (m *Memory) SetMemberBalance(_ context.Context, guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMemberBalanceLocked(guild, user, balance)
}

func (m *Memory) setMemberBalanceLocked(guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	if err := m.failure("SetMemberBalance"); err != nil {
		return err
	}
	k := engine.MemberKey{Guild: guild, User: user}
	mem, ok := m.members[k]
	if !ok {
		return engine.ErrMemberNotFound
	}
	mem.Coins = balance
	m.members[k] = mem
	return nil
}

// -----------------------------------------------------------------------------
// LedgerStore
// -----------------------------------------------------------------------------

func (m *Memory) AppendTransaction(_ context.Context, tx engine.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTransactionLocked(tx)
}

func (m *Memory) appendTransactionLocked(tx engine.Transaction) error {
	if err := m.failure("AppendTransaction"); err != nil {
		return err
	}
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return engine.ErrDuplicateIdempotencyKey
	}
	m.ledger = append(m.ledger, tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	if tx.Refunds != nil {
		m.refunded[*tx.Refunds] = true
	}
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id engine.TransactionID) (*engine.Transaction, error) {
	if err := m.failure("GetTransaction"); err != nil {
		return nil, err
	}
	for i := range m.ledger {
		if m.ledger[i].ID == id {
			tx := m.ledger[i]
			return &tx, nil
		}
	}
	return nil, engine.ErrTransactionNotFound
}

func (m *Memory) TransactionsFor(_ context.Context, guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsForLocked(guild, user)
}

func (m *Memory) transactionsForLocked(guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	if err := m.failure("TransactionsFor"); err != nil {
		return nil, err
	}
	var out []engine.Transaction
	for _, tx := range m.ledger {
		if tx.Guild != guild {
			continue
		}
		touches := tx.Actor == user ||
			(tx.From != nil && *tx.From == user) ||
			(tx.To != nil && *tx.To == user)
		if touches {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionExistsLocked(idempotencyKey)
}

func (m *Memory) transactionExistsLocked(idempotencyKey string) (bool, error) {
	if err := m.failure("TransactionExists"); err != nil {
		return false, err
	}
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) IsRefunded(_ context.Context, id engine.TransactionID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRefundedLocked(id)
}

func (m *Memory) isRefundedLocked(id engine.TransactionID) (bool, error) {
	if err := m.failure("IsRefunded"); err != nil {
		return false, err
	}
	return m.refunded[id], nil
}

// -----------------------------------------------------------------------------
// HistoryStore
// -----------------------------------------------------------------------------

func (m *Memory) InsertSessionRecord(_ context.Context, rec engine.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSessionRecordLocked(rec)
}

func (m *Memory) insertSessionRecordLocked(rec engine.SessionRecord) error {
	if err := m.failure("InsertSessionRecord"); err != nil {
		return err
	}
	k := engine.MemberKey{Guild: rec.Guild, User: rec.User}
	m.history[k] = append(m.history[k], rec)
	return nil
}

func (m *Memory) SessionsFor(_ context.Context, guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionsForLocked(guild, user)
}

func (m *Memory) sessionsForLocked(guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	if err := m.failure("SessionsFor"); err != nil {
		return nil, err
	}
	k := engine.MemberKey{Guild: guild, User: user}
	out := make([]engine.SessionRecord, len(m.history[k]))
	copy(out, m.history[k])
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) TrackedSince(_ context.Context, guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trackedSinceLocked(guild, user, since)
}

func (m *Memory) trackedSinceLocked(guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	if err := m.failure("TrackedSince"); err != nil {
		return 0, err
	}
	k := engine.MemberKey{Guild: guild, User: user}
	var total time.Duration
	for _, rec := range m.history[k] {
		if !rec.StartedAt.Before(since) {
			total += rec.Duration
		}
	}
	return total, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The coarse lock also provides the per-member serialization guarantee.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	txStore := &txMemoryView{parent: tm.Memory}

	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		sessions:    make(map[engine.MemberKey]engine.OngoingSession, len(tm.sessions)),
		members:     make(map[engine.MemberKey]engine.Member, len(tm.members)),
		ledger:      append([]engine.Transaction{}, tm.ledger...),
		idempotency: make(map[string]bool, len(tm.idempotency)),
		refunded:    make(map[engine.TransactionID]bool, len(tm.refunded)),
		history:     make(map[engine.MemberKey][]engine.SessionRecord, len(tm.history)),
	}
	for k, v := range tm.sessions {
		s.sessions[k] = v
	}
	for k, v := range tm.members {
		s.members[k] = v
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range tm.refunded {
		s.refunded[k] = v
	}
	for k, v := range tm.history {
		s.history[k] = append([]engine.SessionRecord{}, v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.sessions = s.sessions
	tm.members = s.members
	tm.ledger = s.ledger
	tm.idempotency = s.idempotency
	tm.refunded = s.refunded
	tm.history = s.history
}

type memorySnapshot struct {
	sessions    map[engine.MemberKey]engine.OngoingSession
	members     map[engine.MemberKey]engine.Member
	ledger      []engine.Transaction
	idempotency map[string]bool
	refunded    map[engine.TransactionID]bool
	history     map[engine.MemberKey][]engine.SessionRecord
}

// txMemoryView delegates to the parent's locked methods; the surrounding
// WithTx holds the lock for the whole transaction.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) InsertSession(_ context.Context, s engine.OngoingSession) error {
	return tv.parent.insertSessionLocked(s)
}

func (tv *txMemoryView) GetSession(_ context.Context, guild engine.GuildID, user engine.UserID) (*engine.OngoingSession, error) {
	return tv.parent.getSessionLocked(guild, user)
}

func (tv *txMemoryView) UpdateSession(_ context.Context, s engine.OngoingSession) error {
	return tv.parent.updateSessionLocked(s)
}

func (tv *txMemoryView) DeleteSession(_ context.Context, guild engine.GuildID, user engine.UserID) error {
	return tv.parent.deleteSessionLocked(guild, user)
}

func (tv *txMemoryView) ListSessions(_ context.Context) ([]engine.OngoingSession, error) {
	return tv.parent.listSessionsLocked()
}

func (tv *txMemoryView) EnsureMember(_ context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	return tv.parent.ensureMemberLocked(guild, user)
}

func (tv *txMemoryView) GetMember(_ context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	return tv.parent.getMemberLocked(guild, user)
}

func (tv *txMemoryView) ListMembers(_ context.Context, guild engine.GuildID) ([]engine.Member, error) {
	return tv.parent.listMembersLocked(guild)
}

func (tv *txMemoryView) CreditMember(_ context.Context, guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	return tv.parent.creditMemberLocked(guild, user, delta, tracked)
}

func (tv *txMemoryView) SetMemberBalance(_ context.Context, guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	return tv.parent.setMemberBalanceLocked(guild, user, balance)
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx engine.Transaction) error {
	return tv.parent.appendTransactionLocked(tx)
}

func (tv *txMemoryView) GetTransaction(_ context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	return tv.parent.getTransactionLocked(id)
}

func (tv *txMemoryView) TransactionsFor(_ context.Context, guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	return tv.parent.transactionsForLocked(guild, user)
}

func (tv *txMemoryView) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.transactionExistsLocked(idempotencyKey)
}

func (tv *txMemoryView) IsRefunded(_ context.Context, id engine.TransactionID) (bool, error) {
	return tv.parent.isRefundedLocked(id)
}

func (tv *txMemoryView) InsertSessionRecord(_ context.Context, rec engine.SessionRecord) error {
	return tv.parent.insertSessionRecordLocked(rec)
}

func (tv *txMemoryView) SessionsFor(_ context.Context, guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	return tv.parent.sessionsForLocked(guild, user)
}

func (tv *txMemoryView) TrackedSince(_ context.Context, guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	return tv.parent.trackedSinceLocked(guild, user, since)
}
