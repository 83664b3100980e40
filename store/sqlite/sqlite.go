/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements engine.Store and engine.TxStore on SQLite. Suitable for
  single-process deployments and tests; store/postgres carries the same
  schema to a shared database.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch coin_transactions or
  session_history. Corrections happen through refund and admin
  transactions only.

KEY TABLES:
  members:           Per-(guild, user) aggregates (tracked time, balance)
  sessions_ongoing:  At most one open session per member (PK enforces it)
  session_history:   Immutable closed sessions
  coin_transactions: Immutable balance-affecting ledger

SATURATION IN SQL:
  Balance updates clamp inside the UPDATE statement:
  MAX(MIN(coins + delta, 2147483647), -2147483648). The clamp and the
  increment are one statement, never a read-modify-write.

CONCURRENCY:
  A sync.RWMutex serializes access; WithTx holds the write lock for the
  whole transaction, which provides the per-member serialization the
  engine requires. PostgreSQL replaces this with row locks.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  and crash recovery.

USAGE:
  store, err := sqlite.New("./data/sessions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - store/postgres: Production implementation with row locking
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/studyhall/session-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Member aggregates. coins is a materialized cache of the ledger sum.
	CREATE TABLE IF NOT EXISTS members (
		guild_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		tracked_time INTEGER NOT NULL DEFAULT 0,
		coins INTEGER NOT NULL DEFAULT 0,
		display_name TEXT NOT NULL DEFAULT '',
		first_joined TEXT NOT NULL,
		PRIMARY KEY (guild_id, user_id)
	);

	-- Open sessions. The primary key enforces one open session per member.
	CREATE TABLE IF NOT EXISTS sessions_ongoing (
		guild_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		last_update TEXT NOT NULL,
		live_duration INTEGER NOT NULL DEFAULT 0,
		video_duration INTEGER NOT NULL DEFAULT 0,
		stream_duration INTEGER NOT NULL DEFAULT 0,
		accrued TEXT NOT NULL DEFAULT '0',
		accrued_bonus TEXT NOT NULL DEFAULT '0',
		video INTEGER NOT NULL DEFAULT 0,
		stream INTEGER NOT NULL DEFAULT 0,
		hourly_rate TEXT NOT NULL,
		hourly_bonus_rate TEXT NOT NULL,
		multiplier TEXT NOT NULL,
		PRIMARY KEY (guild_id, user_id)
	);

	-- Closed sessions (append-only).
	CREATE TABLE IF NOT EXISTS session_history (
		id TEXT PRIMARY KEY,
		guild_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		duration INTEGER NOT NULL,
		live_duration INTEGER NOT NULL,
		video_duration INTEGER NOT NULL,
		stream_duration INTEGER NOT NULL,
		transaction_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_member_started
		ON session_history(guild_id, user_id, started_at DESC);

	-- Coin ledger (append-only). rowid preserves insertion order for replay.
	CREATE TABLE IF NOT EXISTS coin_transactions (
		id TEXT PRIMARY KEY,
		tx_type TEXT NOT NULL,
		guild_id INTEGER NOT NULL,
		actor_id INTEGER NOT NULL,
		from_id INTEGER,
		to_id INTEGER,
		amount INTEGER NOT NULL,
		bonus INTEGER NOT NULL DEFAULT 0,
		refunds TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tx_guild_actor
		ON coin_transactions(guild_id, actor_id);
	CREATE INDEX IF NOT EXISTS idx_tx_guild_from
		ON coin_transactions(guild_id, from_id) WHERE from_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_tx_guild_to
		ON coin_transactions(guild_id, to_id) WHERE to_id IS NOT NULL;

	-- CRITICAL: Each transaction can be refunded at most once.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_unique_refund
		ON coin_transactions(refunds) WHERE refunds IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier abstracts *sql.DB and *sql.Tx so every operation can run either
// directly or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SESSION STORE
// =============================================================================

func (s *Store) InsertSession(ctx context.Context, sess engine.OngoingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertSession(ctx, s.db, sess)
}

func insertSession(ctx context.Context, q querier, sess engine.OngoingSession) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions_ongoing
		(guild_id, user_id, channel_id, started_at, last_update,
		 live_duration, video_duration, stream_duration,
		 accrued, accrued_bonus, video, stream,
		 hourly_rate, hourly_bonus_rate, multiplier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Guild, sess.User, sess.Channel,
		formatTime(sess.StartedAt), formatTime(sess.LastUpdate),
		int64(sess.LiveDuration), int64(sess.VideoDuration), int64(sess.StreamDuration),
		sess.Accrued.String(), sess.AccruedBonus.String(),
		boolInt(sess.Flags.Video), boolInt(sess.Flags.Stream),
		sess.Rates.HourlyRate.String(), sess.Rates.HourlyBonusRate.String(), sess.Rates.Multiplier.String(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if existing, gerr := getSession(ctx, q, sess.Guild, sess.User); gerr == nil {
				return &engine.AlreadyOpenError{
					Guild:     existing.Guild,
					User:      existing.User,
					Channel:   existing.Channel,
					StartedAt: existing.StartedAt,
				}
			}
			return engine.ErrAlreadyOpen
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.OngoingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(ctx, s.db, guild, user)
}

func getSession(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) (*engine.OngoingSession, error) {
	row := q.QueryRowContext(ctx, `
		SELECT guild_id, user_id, channel_id, started_at, last_update,
		       live_duration, video_duration, stream_duration,
		       accrued, accrued_bonus, video, stream,
		       hourly_rate, hourly_bonus_rate, multiplier
		FROM sessions_ongoing WHERE guild_id = ? AND user_id = ?`,
		guild, user)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess engine.OngoingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSession(ctx, s.db, sess)
}

func updateSession(ctx context.Context, q querier, sess engine.OngoingSession) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions_ongoing SET
			channel_id = ?, last_update = ?,
			live_duration = ?, video_duration = ?, stream_duration = ?,
			accrued = ?, accrued_bonus = ?, video = ?, stream = ?,
			hourly_rate = ?, hourly_bonus_rate = ?, multiplier = ?
		WHERE guild_id = ? AND user_id = ?`,
		sess.Channel, formatTime(sess.LastUpdate),
		int64(sess.LiveDuration), int64(sess.VideoDuration), int64(sess.StreamDuration),
		sess.Accrued.String(), sess.AccruedBonus.String(),
		boolInt(sess.Flags.Video), boolInt(sess.Flags.Stream),
		sess.Rates.HourlyRate.String(), sess.Rates.HourlyBonusRate.String(), sess.Rates.Multiplier.String(),
		sess.Guild, sess.User,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNoOpenSession
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, guild engine.GuildID, user engine.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteSession(ctx, s.db, guild, user)
}

func deleteSession(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) error {
	res, err := q.ExecContext(ctx,
		"DELETE FROM sessions_ongoing WHERE guild_id = ? AND user_id = ?",
		guild, user)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNoOpenSession
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]engine.OngoingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSessions(ctx, s.db)
}

func listSessions(ctx context.Context, q querier) ([]engine.OngoingSession, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT guild_id, user_id, channel_id, started_at, last_update,
		       live_duration, video_duration, stream_duration,
		       accrued, accrued_bonus, video, stream,
		       hourly_rate, hourly_bonus_rate, multiplier
		FROM sessions_ongoing ORDER BY guild_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []engine.OngoingSession
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// =============================================================================
// MEMBER STORE
// =============================================================================

func (s *Store) EnsureMember(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ensureMember(ctx, s.db, guild, user)
}

func ensureMember(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO members (guild_id, user_id, first_joined)
		VALUES (?, ?, ?)
		ON CONFLICT (guild_id, user_id) DO NOTHING`,
		guild, user, formatTime(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure member: %w", err)
	}
	return getMember(ctx, q, guild, user)
}

func (s *Store) GetMember(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMember(ctx, s.db, guild, user)
}

func getMember(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	var (
		m           engine.Member
		tracked     int64
		firstJoined string
	)
	err := q.QueryRowContext(ctx, `
		SELECT guild_id, user_id, tracked_time, coins, display_name, first_joined
		FROM members WHERE guild_id = ? AND user_id = ?`,
		guild, user,
	).Scan(&m.Guild, &m.User, &tracked, &m.Coins, &m.DisplayName, &firstJoined)
	if err == sql.ErrNoRows {
		return nil, engine.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.TrackedTime = time.Duration(tracked)
	m.FirstJoined = parseTime(firstJoined)
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, guild engine.GuildID) ([]engine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMembers(ctx, s.db, guild)
}

func listMembers(ctx context.Context, q querier, guild engine.GuildID) ([]engine.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT guild_id, user_id, tracked_time, coins, display_name, first_joined
		FROM members WHERE guild_id = ? ORDER BY user_id`,
		guild)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []engine.Member
	for rows.Next() {
		var (
			m           engine.Member
			tracked     int64
			firstJoined string
		)
		if err := rows.Scan(&m.Guild, &m.User, &tracked, &m.Coins, &m.DisplayName, &firstJoined); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.TrackedTime = time.Duration(tracked)
		m.FirstJoined = parseTime(firstJoined)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) CreditMember(ctx context.Context, guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return creditMember(ctx, s.db, guild, user, delta, tracked)
}

func creditMember(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	// The saturating increment is one statement. Never read-modify-write.
	_, err := q.ExecContext(ctx, `
		INSERT INTO members (guild_id, user_id, tracked_time, coins, first_joined)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			coins = MAX(MIN(members.coins + excluded.coins, 2147483647), -2147483648),
			tracked_time = members.tracked_time + excluded.tracked_time`,
		guild, user, int64(tracked), delta, formatTime(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to credit member: %w", err)
	}
	return getMember(ctx, q, guild, user)
}

func (s *Store) SetMemberBalance(ctx context.Context, guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setMemberBalance(ctx, s.db, guild, user, balance)
}

func setMemberBalance(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	res, err := q.ExecContext(ctx,
		"UPDATE members SET coins = ? WHERE guild_id = ? AND user_id = ?",
		balance, guild, user)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrMemberNotFound
	}
	return nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

func appendTransaction(ctx context.Context, q querier, tx engine.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO coin_transactions
		(id, tx_type, guild_id, actor_id, from_id, to_id, amount, bonus,
		 refunds, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Type, tx.Guild, tx.Actor,
		nullUser(tx.From), nullUser(tx.To),
		tx.Amount, tx.Bonus,
		nullTxID(tx.Refunds), nullString(tx.IdempotencyKey),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// go-sqlite3 names the violated column, not the index.
			if strings.Contains(err.Error(), "coin_transactions.refunds") {
				return engine.ErrAlreadyRefunded
			}
			return engine.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id engine.TransactionID) (*engine.Transaction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tx_type, guild_id, actor_id, from_id, to_id, amount, bonus,
		       refunds, idempotency_key, created_at
		FROM coin_transactions WHERE id = ?`, id)
	tx, err := scanTransactionRow(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) TransactionsFor(ctx context.Context, guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionsFor(ctx, s.db, guild, user)
}

func transactionsFor(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tx_type, guild_id, actor_id, from_id, to_id, amount, bonus,
		       refunds, idempotency_key, created_at
		FROM coin_transactions
		WHERE guild_id = ? AND (actor_id = ? OR from_id = ? OR to_id = ?)
		ORDER BY rowid`,
		guild, user, user, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []engine.Transaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func (s *Store) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionExists(ctx, s.db, idempotencyKey)
}

func transactionExists(ctx context.Context, q querier, idempotencyKey string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM coin_transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) IsRefunded(ctx context.Context, id engine.TransactionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return isRefunded(ctx, s.db, id)
}

func isRefunded(ctx context.Context, q querier, id engine.TransactionID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM coin_transactions WHERE refunds = ?",
		id,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// HISTORY STORE
// =============================================================================

func (s *Store) InsertSessionRecord(ctx context.Context, rec engine.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertSessionRecord(ctx, s.db, rec)
}

func insertSessionRecord(ctx context.Context, q querier, rec engine.SessionRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO session_history
		(id, guild_id, user_id, channel_id, started_at, duration,
		 live_duration, video_duration, stream_duration, transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Guild, rec.User, rec.Channel,
		formatTime(rec.StartedAt), int64(rec.Duration),
		int64(rec.LiveDuration), int64(rec.VideoDuration), int64(rec.StreamDuration),
		rec.Transaction,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

func (s *Store) SessionsFor(ctx context.Context, guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionsFor(ctx, s.db, guild, user)
}

func sessionsFor(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, guild_id, user_id, channel_id, started_at, duration,
		       live_duration, video_duration, stream_duration, transaction_id
		FROM session_history
		WHERE guild_id = ? AND user_id = ?
		ORDER BY started_at DESC`,
		guild, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var records []engine.SessionRecord
	for rows.Next() {
		var (
			rec                        engine.SessionRecord
			startedAt                  string
			duration, live, vid, strm  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Guild, &rec.User, &rec.Channel,
			&startedAt, &duration, &live, &vid, &strm, &rec.Transaction); err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		rec.StartedAt = parseTime(startedAt)
		rec.Duration = time.Duration(duration)
		rec.LiveDuration = time.Duration(live)
		rec.VideoDuration = time.Duration(vid)
		rec.StreamDuration = time.Duration(strm)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) TrackedSince(ctx context.Context, guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return trackedSince(ctx, s.db, guild, user, since)
}

func trackedSince(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	var total sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(duration) FROM session_history
		WHERE guild_id = ? AND user_id = ? AND started_at >= ?`,
		guild, user, formatTime(since),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum tracked time: %w", err)
	}
	return time.Duration(total.Int64), nil
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The write lock
// is held for the duration, serializing concurrent settlements.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertSession(ctx context.Context, sess engine.OngoingSession) error {
	return insertSession(ctx, ts.tx, sess)
}

func (ts *txStore) GetSession(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.OngoingSession, error) {
	return getSession(ctx, ts.tx, guild, user)
}

func (ts *txStore) UpdateSession(ctx context.Context, sess engine.OngoingSession) error {
	return updateSession(ctx, ts.tx, sess)
}

func (ts *txStore) DeleteSession(ctx context.Context, guild engine.GuildID, user engine.UserID) error {
	return deleteSession(ctx, ts.tx, guild, user)
}

func (ts *txStore) ListSessions(ctx context.Context) ([]engine.OngoingSession, error) {
	return listSessions(ctx, ts.tx)
}

func (ts *txStore) EnsureMember(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	return ensureMember(ctx, ts.tx, guild, user)
}

func (ts *txStore) GetMember(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	return getMember(ctx, ts.tx, guild, user)
}

func (ts *txStore) ListMembers(ctx context.Context, guild engine.GuildID) ([]engine.Member, error) {
	return listMembers(ctx, ts.tx, guild)
}

func (ts *txStore) CreditMember(ctx context.Context, guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	return creditMember(ctx, ts.tx, guild, user, delta, tracked)
}

func (ts *txStore) SetMemberBalance(ctx context.Context, guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	return setMemberBalance(ctx, ts.tx, guild, user, balance)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	return appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransaction(ctx context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) TransactionsFor(ctx context.Context, guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	return transactionsFor(ctx, ts.tx, guild, user)
}

func (ts *txStore) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return transactionExists(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) IsRefunded(ctx context.Context, id engine.TransactionID) (bool, error) {
	return isRefunded(ctx, ts.tx, id)
}

func (ts *txStore) InsertSessionRecord(ctx context.Context, rec engine.SessionRecord) error {
	return insertSessionRecord(ctx, ts.tx, rec)
}

func (ts *txStore) SessionsFor(ctx context.Context, guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	return sessionsFor(ctx, ts.tx, guild, user)
}

func (ts *txStore) TrackedSince(ctx context.Context, guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	return trackedSince(ctx, ts.tx, guild, user, since)
}

// =============================================================================
// SCANNING AND HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionFields(sc rowScanner) (engine.OngoingSession, error) {
	var (
		sess                       engine.OngoingSession
		startedAt, lastUpdate      string
		live, vid, strm            int64
		accrued, accruedBonus      string
		video, stream              int64
		rate, bonusRate, mult      string
	)
	err := sc.Scan(&sess.Guild, &sess.User, &sess.Channel,
		&startedAt, &lastUpdate, &live, &vid, &strm,
		&accrued, &accruedBonus, &video, &stream,
		&rate, &bonusRate, &mult)
	if err != nil {
		return sess, err
	}
	sess.StartedAt = parseTime(startedAt)
	sess.LastUpdate = parseTime(lastUpdate)
	sess.LiveDuration = time.Duration(live)
	sess.VideoDuration = time.Duration(vid)
	sess.StreamDuration = time.Duration(strm)
	sess.Accrued = mustDecimal(accrued)
	sess.AccruedBonus = mustDecimal(accruedBonus)
	sess.Flags = engine.LiveFlags{Video: video != 0, Stream: stream != 0}
	sess.Rates = engine.RateConfig{
		HourlyRate:      mustDecimal(rate),
		HourlyBonusRate: mustDecimal(bonusRate),
		Multiplier:      mustDecimal(mult),
	}
	return sess, nil
}

func scanSession(row *sql.Row) (*engine.OngoingSession, error) {
	sess, err := scanSessionFields(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNoOpenSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (engine.OngoingSession, error) {
	sess, err := scanSessionFields(rows)
	if err != nil {
		return sess, fmt.Errorf("failed to scan session: %w", err)
	}
	return sess, nil
}

func scanTransactionFields(sc rowScanner) (*engine.Transaction, error) {
	var (
		tx             engine.Transaction
		from, to       sql.NullInt64
		refunds        sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := sc.Scan(&tx.ID, &tx.Type, &tx.Guild, &tx.Actor,
		&from, &to, &tx.Amount, &tx.Bonus,
		&refunds, &idempotencyKey, &createdAt)
	if err != nil {
		return nil, err
	}
	if from.Valid {
		u := engine.UserID(from.Int64)
		tx.From = &u
	}
	if to.Valid {
		u := engine.UserID(to.Int64)
		tx.To = &u
	}
	if refunds.Valid {
		id := engine.TransactionID(refunds.String)
		tx.Refunds = &id
	}
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)
	return &tx, nil
}

func scanTransactionRow(row *sql.Row) (*engine.Transaction, error) {
	tx, err := scanTransactionFields(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func scanTransactionRows(rows *sql.Rows) (*engine.Transaction, error) {
	tx, err := scanTransactionFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return tx, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUser(u *engine.UserID) sql.NullInt64 {
	if u == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*u), Valid: true}
}

func nullTxID(id *engine.TransactionID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
