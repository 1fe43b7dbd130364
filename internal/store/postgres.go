package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/parimutuel/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// uint64 amounts are stored as NUMERIC(20,0) and moved as text, since
// PostgreSQL has no unsigned 64-bit type.
//
// Update scopes take one pg_advisory_xact_lock per key inside a single
// transaction; the locks are released at commit or rollback.
type PostgresStore struct {
	pool  *pgxpool.Pool
	floor uint64
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, reservedFloor uint64) *PostgresStore {
	return &PostgresStore{pool: pool, floor: reservedFloor}
}

func (s *PostgresStore) ReservedFloor() uint64 { return s.floor }

func (s *PostgresStore) Update(ctx context.Context, keys []model.ID, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock in advisory-key order so two keys that share an advisory key
	// cannot be taken in opposite orders by different sessions.
	locks := make([]int64, 0, len(keys))
	for _, k := range keys {
		locks = append(locks, advisoryKey(k))
	}
	slices.Sort(locks)
	for _, l := range slices.Compact(locks) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, l); err != nil {
			return fmt.Errorf("postgres: advisory lock: %w", err)
		}
	}

	scope := make(map[model.ID]bool, len(keys))
	for _, k := range keys {
		scope[k] = true
	}
	if err := fn(&pgTx{tx: tx, scope: scope}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id model.ID) (*model.Market, error) {
	return queryMarket(ctx, s.pool, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, end_time, creator,
		        yes_pool::TEXT, no_pool::TEXT, is_resolved, outcome
		 FROM markets ORDER BY end_time DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetBetRecord(ctx context.Context, key model.ID) (*model.BetRecord, error) {
	return queryBetRecord(ctx, s.pool, key)
}

func (s *PostgresStore) ListBetRecords(ctx context.Context, marketID model.ID) ([]model.BetRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, bettor, yes_amount::TEXT, no_amount::TEXT, claimed
		 FROM bet_records WHERE market_id = $1 ORDER BY bettor`, marketID[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list bet records: %w", err)
	}
	defer rows.Close()

	var records []model.BetRecord
	for rows.Next() {
		r, err := scanBetRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Balance(ctx context.Context, account model.ID) (uint64, error) {
	return queryBalance(ctx, s.pool, account)
}

func (s *PostgresStore) Deposit(ctx context.Context, account model.ID, amount uint64) error {
	return s.Update(ctx, []model.ID{account}, func(tx Tx) error {
		return tx.(*pgTx).credit(ctx, account, amount)
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryMarket(ctx context.Context, q querier, id model.ID) (*model.Market, error) {
	row := q.QueryRow(ctx,
		`SELECT id, question, end_time, creator,
		        yes_pool::TEXT, no_pool::TEXT, is_resolved, outcome
		 FROM markets WHERE id = $1`, id[:])
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

func queryBetRecord(ctx context.Context, q querier, key model.ID) (*model.BetRecord, error) {
	row := q.QueryRow(ctx,
		`SELECT market_id, bettor, yes_amount::TEXT, no_amount::TEXT, claimed
		 FROM bet_records WHERE key = $1`, key[:])
	r, err := scanBetRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet record %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get bet record %s: %w", key, err)
	}
	return r, nil
}

func queryBalance(ctx context.Context, q querier, account model.ID) (uint64, error) {
	var balS string
	err := q.QueryRow(ctx, `SELECT balance::TEXT FROM accounts WHERE id = $1`, account[:]).Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: get balance %s: %w", account, err)
	}
	return strconv.ParseUint(balS, 10, 64)
}

// pgTx implements Tx on one pgx transaction.
type pgTx struct {
	tx    pgx.Tx
	scope map[model.ID]bool
}

func (t *pgTx) check(key model.ID) error {
	if !t.scope[key] {
		return fmt.Errorf("%w: %s", ErrKeyNotLocked, key)
	}
	return nil
}

func (t *pgTx) Market(ctx context.Context, id model.ID) (*model.Market, error) {
	if err := t.check(id); err != nil {
		return nil, err
	}
	return queryMarket(ctx, t.tx, id)
}

func (t *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	if err := t.check(m.ID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO markets (id, question, end_time, creator, yes_pool, no_pool, is_resolved, outcome)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID[:], m.Question, m.EndTime, m.Creator[:],
		formatAmount(m.YesPool), formatAmount(m.NoPool),
		m.IsResolved, int16(m.Outcome),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	return nil
}

// PutMarket writes only the mutable fields; question, end_time and creator
// are fixed at insert.
func (t *pgTx) PutMarket(ctx context.Context, m *model.Market) error {
	if err := t.check(m.ID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET yes_pool = $2::NUMERIC, no_pool = $3::NUMERIC,
		     is_resolved = $4, outcome = $5
		 WHERE id = $1`,
		m.ID[:], formatAmount(m.YesPool), formatAmount(m.NoPool),
		m.IsResolved, int16(m.Outcome),
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) BetRecord(ctx context.Context, key model.ID) (*model.BetRecord, error) {
	if err := t.check(key); err != nil {
		return nil, err
	}
	return queryBetRecord(ctx, t.tx, key)
}

// PutBetRecord never rewrites market_id or bettor of an existing row.
func (t *pgTx) PutBetRecord(ctx context.Context, key model.ID, r *model.BetRecord) error {
	if err := t.check(key); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bet_records (key, market_id, bettor, yes_amount, no_amount, claimed)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (key) DO UPDATE SET
		     yes_amount = EXCLUDED.yes_amount,
		     no_amount  = EXCLUDED.no_amount,
		     claimed    = EXCLUDED.claimed`,
		key[:], r.Market[:], r.Bettor[:],
		formatAmount(r.YesAmount), formatAmount(r.NoAmount), r.Claimed,
	)
	if err != nil {
		return fmt.Errorf("postgres: put bet record %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) Balance(ctx context.Context, account model.ID) (uint64, error) {
	if err := t.check(account); err != nil {
		return 0, err
	}
	return queryBalance(ctx, t.tx, account)
}

func (t *pgTx) Transfer(ctx context.Context, from, to model.ID, amount uint64) error {
	if err := t.check(from); err != nil {
		return err
	}
	if err := t.check(to); err != nil {
		return err
	}
	if from == to || amount == 0 {
		bal, err := queryBalance(ctx, t.tx, from)
		if err != nil {
			return err
		}
		if bal < amount {
			return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientFunds)
		}
		return nil
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::NUMERIC
		 WHERE id = $1 AND balance >= $2::NUMERIC`,
		from[:], formatAmount(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientFunds)
	}
	return t.credit(ctx, to, amount)
}

func (t *pgTx) credit(ctx context.Context, account model.ID, amount uint64) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
		 WHERE accounts.balance + EXCLUDED.balance <= 18446744073709551615`,
		account[:], formatAmount(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: credit %s: %w", account, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credit %d to %s: %w", amount, account, ErrBalanceOverflow)
	}
	return nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var id, creator []byte
	var yesS, noS string
	var outcome int16

	if err := row.Scan(&id, &m.Question, &m.EndTime, &creator,
		&yesS, &noS, &m.IsResolved, &outcome); err != nil {
		return nil, err
	}

	var err error
	if m.ID, err = bytesToID(id); err != nil {
		return nil, err
	}
	if m.Creator, err = bytesToID(creator); err != nil {
		return nil, err
	}
	if m.YesPool, err = strconv.ParseUint(yesS, 10, 64); err != nil {
		return nil, fmt.Errorf("postgres: parse yes_pool: %w", err)
	}
	if m.NoPool, err = strconv.ParseUint(noS, 10, 64); err != nil {
		return nil, fmt.Errorf("postgres: parse no_pool: %w", err)
	}
	m.EndTime = m.EndTime.UTC()
	m.Outcome = model.Outcome(outcome)
	return &m, nil
}

func scanBetRecord(row pgx.Row) (*model.BetRecord, error) {
	var r model.BetRecord
	var market, bettor []byte
	var yesS, noS string

	if err := row.Scan(&market, &bettor, &yesS, &noS, &r.Claimed); err != nil {
		return nil, err
	}

	var err error
	if r.Market, err = bytesToID(market); err != nil {
		return nil, err
	}
	if r.Bettor, err = bytesToID(bettor); err != nil {
		return nil, err
	}
	if r.YesAmount, err = strconv.ParseUint(yesS, 10, 64); err != nil {
		return nil, fmt.Errorf("postgres: parse yes_amount: %w", err)
	}
	if r.NoAmount, err = strconv.ParseUint(noS, 10, 64); err != nil {
		return nil, fmt.Errorf("postgres: parse no_amount: %w", err)
	}
	return &r, nil
}

func bytesToID(b []byte) (model.ID, error) {
	var id model.ID
	if len(b) != len(id) {
		return id, fmt.Errorf("postgres: id has %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

func formatAmount(v uint64) string { return strconv.FormatUint(v, 10) }

// advisoryKey folds an ID into the int64 space of pg advisory locks.
// Collisions only over-serialize; they never under-lock.
func advisoryKey(id model.ID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}
