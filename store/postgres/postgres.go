/*
Package postgres provides the production PostgreSQL storage implementation.

PURPOSE:
  Same schema and contract as store/sqlite, on a shared database. The
  important difference is concurrency: instead of a process-wide lock,
  per-member serialization comes from row locks. Inside WithTx, the open
  session row is read with SELECT ... FOR UPDATE, so two settlements or
  ticks for the same member queue on the database, even across processes.

SATURATION IN SQL:
  Balance updates clamp inside the UPDATE statement:
  LEAST(GREATEST(coins::bigint + delta, -2147483648), 2147483647).

SEE ALSO:
  - engine/store.go: Interface definitions and the serialization contract
  - store/sqlite: Embedded implementation with the same schema
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/studyhall/session-engine/engine"
)

// Store implements engine.TxStore on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL with the given connection string and migrates
// the schema.
func New(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		guild_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		tracked_time BIGINT NOT NULL DEFAULT 0,
		coins INTEGER NOT NULL DEFAULT 0,
		display_name TEXT NOT NULL DEFAULT '',
		first_joined TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (guild_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS sessions_ongoing (
		guild_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		channel_id BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		last_update TIMESTAMPTZ NOT NULL,
		live_duration BIGINT NOT NULL DEFAULT 0,
		video_duration BIGINT NOT NULL DEFAULT 0,
		stream_duration BIGINT NOT NULL DEFAULT 0,
		accrued TEXT NOT NULL DEFAULT '0',
		accrued_bonus TEXT NOT NULL DEFAULT '0',
		video BOOLEAN NOT NULL DEFAULT FALSE,
		stream BOOLEAN NOT NULL DEFAULT FALSE,
		hourly_rate TEXT NOT NULL,
		hourly_bonus_rate TEXT NOT NULL,
		multiplier TEXT NOT NULL,
		PRIMARY KEY (guild_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS session_history (
		id TEXT PRIMARY KEY,
		guild_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		channel_id BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		duration BIGINT NOT NULL,
		live_duration BIGINT NOT NULL,
		video_duration BIGINT NOT NULL,
		stream_duration BIGINT NOT NULL,
		transaction_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_member_started
		ON session_history(guild_id, user_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS coin_transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		tx_type TEXT NOT NULL,
		guild_id BIGINT NOT NULL,
		actor_id BIGINT NOT NULL,
		from_id BIGINT,
		to_id BIGINT,
		amount INTEGER NOT NULL,
		bonus INTEGER NOT NULL DEFAULT 0,
		refunds TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tx_guild_actor
		ON coin_transactions(guild_id, actor_id);
	CREATE INDEX IF NOT EXISTS idx_tx_guild_from
		ON coin_transactions(guild_id, from_id) WHERE from_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_tx_guild_to
		ON coin_transactions(guild_id, to_id) WHERE to_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_unique_refund
		ON coin_transactions(refunds) WHERE refunds IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `guild_id, user_id, channel_id, started_at, last_update,
	live_duration, video_duration, stream_duration,
	accrued, accrued_bonus, video, stream,
	hourly_rate, hourly_bonus_rate, multiplier`

const transactionColumns = `id, tx_type, guild_id, actor_id, from_id, to_id,
	amount, bonus, refunds, idempotency_key, created_at`

// =============================================================================
// SESSION STORE
// =============================================================================

func (s *Store) InsertSession(ctx context.Context, sess engine.OngoingSession) error {
	return insertSession(ctx, s.db, sess)
}

func insertSession(ctx context.Context, q querier, sess engine.OngoingSession) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions_ongoing (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sess.Guild, sess.User, sess.Channel,
		sess.StartedAt.UTC(), sess.LastUpdate.UTC(),
		int64(sess.LiveDuration), int64(sess.VideoDuration), int64(sess.StreamDuration),
		sess.Accrued.String(), sess.AccruedBonus.String(),
		sess.Flags.Video, sess.Flags.Stream,
		sess.Rates.HourlyRate.String(), sess.Rates.HourlyBonusRate.String(), sess.Rates.Multiplier.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if existing, gerr := getSession(ctx, q, sess.Guild, sess.User, false); gerr == nil {
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
	return getSession(ctx, s.db, guild, user, false)
}

// getSession reads the open session; with forUpdate it locks the row until
// the surrounding transaction commits.
func getSession(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID, forUpdate bool) (*engine.OngoingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions_ongoing WHERE guild_id = $1 AND user_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	sess, err := scanSession(q.QueryRowContext(ctx, query, guild, user))
	if err == sql.ErrNoRows {
		return nil, engine.ErrNoOpenSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess engine.OngoingSession) error {
	return updateSession(ctx, s.db, sess)
}

func updateSession(ctx context.Context, q querier, sess engine.OngoingSession) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions_ongoing SET
			channel_id = $3, last_update = $4,
			live_duration = $5, video_duration = $6, stream_duration = $7,
			accrued = $8, accrued_bonus = $9, video = $10, stream = $11,
			hourly_rate = $12, hourly_bonus_rate = $13, multiplier = $14
		WHERE guild_id = $1 AND user_id = $2`,
		sess.Guild, sess.User, sess.Channel, sess.LastUpdate.UTC(),
		int64(sess.LiveDuration), int64(sess.VideoDuration), int64(sess.StreamDuration),
		sess.Accrued.String(), sess.AccruedBonus.String(),
		sess.Flags.Video, sess.Flags.Stream,
		sess.Rates.HourlyRate.String(), sess.Rates.HourlyBonusRate.String(), sess.Rates.Multiplier.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res, engine.ErrNoOpenSession)
}

func (s *Store) DeleteSession(ctx context.Context, guild engine.GuildID, user engine.UserID) error {
	return deleteSession(ctx, s.db, guild, user)
}

func deleteSession(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) error {
	res, err := q.ExecContext(ctx,
		"DELETE FROM sessions_ongoing WHERE guild_id = $1 AND user_id = $2",
		guild, user)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res, engine.ErrNoOpenSession)
}

func (s *Store) ListSessions(ctx context.Context) ([]engine.OngoingSession, error) {
	return listSessions(ctx, s.db)
}

func listSessions(ctx context.Context, q querier) ([]engine.OngoingSession, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions_ongoing ORDER BY guild_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []engine.OngoingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// =============================================================================
// MEMBER STORE
// =============================================================================

func (s *Store) EnsureMember(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	return ensureMember(ctx, s.db, guild, user)
}

func ensureMember(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO members (guild_id, user_id, first_joined)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, user_id) DO NOTHING`,
		guild, user, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure member: %w", err)
	}
	return getMember(ctx, q, guild, user)
}

func (s *Store) GetMember(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	return getMember(ctx, s.db, guild, user)
}

func getMember(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) (*engine.Member, error) {
	var (
		m       engine.Member
		tracked int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT guild_id, user_id, tracked_time, coins, display_name, first_joined
		FROM members WHERE guild_id = $1 AND user_id = $2`,
		guild, user,
	).Scan(&m.Guild, &m.User, &tracked, &m.Coins, &m.DisplayName, &m.FirstJoined)
	if err == sql.ErrNoRows {
		return nil, engine.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.TrackedTime = time.Duration(tracked)
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, guild engine.GuildID) ([]engine.Member, error) {
	return listMembers(ctx, s.db, guild)
}

func listMembers(ctx context.Context, q querier, guild engine.GuildID) ([]engine.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT guild_id, user_id, tracked_time, coins, display_name, first_joined
		FROM members WHERE guild_id = $1 ORDER BY user_id`,
		guild)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []engine.Member
	for rows.Next() {
		var (
			m       engine.Member
			tracked int64
		)
		if err := rows.Scan(&m.Guild, &m.User, &tracked, &m.Coins, &m.DisplayName, &m.FirstJoined); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.TrackedTime = time.Duration(tracked)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) CreditMember(ctx context.Context, guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	return creditMember(ctx, s.db, guild, user, delta, tracked)
}

func creditMember(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID, delta engine.Coins, tracked time.Duration) (*engine.Member, error) {
	// The saturating increment is one statement. The bigint cast makes the
	// intermediate sum exact before the clamp.
	var (
		m         engine.Member
		trackedNs int64
	)
	err := q.QueryRowContext(ctx, `
		INSERT INTO members (guild_id, user_id, tracked_time, coins, first_joined)
		VALUES ($1, $2, $3, LEAST(GREATEST($4::bigint, -2147483648), 2147483647), $5)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			coins = LEAST(GREATEST(members.coins::bigint + $4::bigint, -2147483648), 2147483647),
			tracked_time = members.tracked_time + $3
		RETURNING guild_id, user_id, tracked_time, coins, display_name, first_joined`,
		guild, user, int64(tracked), int64(delta), time.Now().UTC(),
	).Scan(&m.Guild, &m.User, &trackedNs, &m.Coins, &m.DisplayName, &m.FirstJoined)
	if err != nil {
		return nil, fmt.Errorf("failed to credit member: %w", err)
	}
	m.TrackedTime = time.Duration(trackedNs)
	return &m, nil
}

func (s *Store) SetMemberBalance(ctx context.Context, guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	return setMemberBalance(ctx, s.db, guild, user, balance)
}

func setMemberBalance(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID, balance engine.Coins) error {
	res, err := q.ExecContext(ctx,
		"UPDATE members SET coins = $3 WHERE guild_id = $1 AND user_id = $2",
		guild, user, balance)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return requireRow(res, engine.ErrMemberNotFound)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	return appendTransaction(ctx, s.db, tx)
}

func appendTransaction(ctx context.Context, q querier, tx engine.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO coin_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.Type, tx.Guild, tx.Actor,
		nullUser(tx.From), nullUser(tx.To),
		tx.Amount, tx.Bonus,
		nullTxID(tx.Refunds), nullString(tx.IdempotencyKey),
		tx.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolationOn(err, "idx_tx_unique_refund") {
			return engine.ErrAlreadyRefunded
		}
		if isUniqueViolation(err) {
			return engine.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id engine.TransactionID) (*engine.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id engine.TransactionID) (*engine.Transaction, error) {
	tx, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM coin_transactions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, engine.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) TransactionsFor(ctx context.Context, guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	return transactionsFor(ctx, s.db, guild, user)
}

func transactionsFor(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) ([]engine.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM coin_transactions
		WHERE guild_id = $1 AND (actor_id = $2 OR from_id = $2 OR to_id = $2)
		ORDER BY seq`,
		guild, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []engine.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func (s *Store) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return transactionExists(ctx, s.db, idempotencyKey)
}

func transactionExists(ctx context.Context, q querier, idempotencyKey string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM coin_transactions WHERE idempotency_key = $1)",
		idempotencyKey,
	).Scan(&exists)
	return exists, err
}

func (s *Store) IsRefunded(ctx context.Context, id engine.TransactionID) (bool, error) {
	return isRefunded(ctx, s.db, id)
}

func isRefunded(ctx context.Context, q querier, id engine.TransactionID) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM coin_transactions WHERE refunds = $1)",
		id,
	).Scan(&exists)
	return exists, err
}

// =============================================================================
// HISTORY STORE
// =============================================================================

func (s *Store) InsertSessionRecord(ctx context.Context, rec engine.SessionRecord) error {
	return insertSessionRecord(ctx, s.db, rec)
}

func insertSessionRecord(ctx context.Context, q querier, rec engine.SessionRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO session_history
		(id, guild_id, user_id, channel_id, started_at, duration,
		 live_duration, video_duration, stream_duration, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Guild, rec.User, rec.Channel,
		rec.StartedAt.UTC(), int64(rec.Duration),
		int64(rec.LiveDuration), int64(rec.VideoDuration), int64(rec.StreamDuration),
		rec.Transaction,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

func (s *Store) SessionsFor(ctx context.Context, guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	return sessionsFor(ctx, s.db, guild, user)
}

func sessionsFor(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID) ([]engine.SessionRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, guild_id, user_id, channel_id, started_at, duration,
		       live_duration, video_duration, stream_duration, transaction_id
		FROM session_history
		WHERE guild_id = $1 AND user_id = $2
		ORDER BY started_at DESC`,
		guild, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var records []engine.SessionRecord
	for rows.Next() {
		var (
			rec                       engine.SessionRecord
			duration, live, vid, strm int64
		)
		if err := rows.Scan(&rec.ID, &rec.Guild, &rec.User, &rec.Channel,
			&rec.StartedAt, &duration, &live, &vid, &strm, &rec.Transaction); err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		rec.Duration = time.Duration(duration)
		rec.LiveDuration = time.Duration(live)
		rec.VideoDuration = time.Duration(vid)
		rec.StreamDuration = time.Duration(strm)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) TrackedSince(ctx context.Context, guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	return trackedSince(ctx, s.db, guild, user, since)
}

func trackedSince(ctx context.Context, q querier, guild engine.GuildID, user engine.UserID, since time.Time) (time.Duration, error) {
	var total sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(duration) FROM session_history
		WHERE guild_id = $1 AND user_id = $2 AND started_at >= $3`,
		guild, user, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum tracked time: %w", err)
	}
	return time.Duration(total.Int64), nil
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The first
// GetSession inside the transaction takes a FOR UPDATE row lock, which is
// what serializes concurrent operations on the same member.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
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

// GetSession inside a transaction locks the row until commit.
func (ts *txStore) GetSession(ctx context.Context, guild engine.GuildID, user engine.UserID) (*engine.OngoingSession, error) {
	return getSession(ctx, ts.tx, guild, user, true)
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

func scanSession(sc rowScanner) (*engine.OngoingSession, error) {
	var (
		sess                  engine.OngoingSession
		live, vid, strm       int64
		accrued, accruedBonus string
		rate, bonusRate, mult string
	)
	err := sc.Scan(&sess.Guild, &sess.User, &sess.Channel,
		&sess.StartedAt, &sess.LastUpdate, &live, &vid, &strm,
		&accrued, &accruedBonus, &sess.Flags.Video, &sess.Flags.Stream,
		&rate, &bonusRate, &mult)
	if err != nil {
		return nil, err
	}
	sess.LiveDuration = time.Duration(live)
	sess.VideoDuration = time.Duration(vid)
	sess.StreamDuration = time.Duration(strm)
	sess.Accrued = mustDecimal(accrued)
	sess.AccruedBonus = mustDecimal(accruedBonus)
	sess.Rates = engine.RateConfig{
		HourlyRate:      mustDecimal(rate),
		HourlyBonusRate: mustDecimal(bonusRate),
		Multiplier:      mustDecimal(mult),
	}
	return &sess, nil
}

func scanTransaction(sc rowScanner) (*engine.Transaction, error) {
	var (
		tx             engine.Transaction
		from, to       sql.NullInt64
		refunds        sql.NullString
		idempotencyKey sql.NullString
	)
	err := sc.Scan(&tx.ID, &tx.Type, &tx.Guild, &tx.Actor,
		&from, &to, &tx.Amount, &tx.Bonus,
		&refunds, &idempotencyKey, &tx.CreatedAt)
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
	return &tx, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
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

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isUniqueViolationOn(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}
