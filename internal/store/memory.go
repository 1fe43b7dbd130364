package store

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/atmx/parimutuel/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Per-key exclusivity comes from a KeyLock; mu only guards the maps
// themselves, so scopes over disjoint keys run in parallel.
type MemoryStore struct {
	locks *KeyLock
	floor uint64

	mu       sync.RWMutex
	markets  map[model.ID]*model.Market
	records  map[model.ID]*model.BetRecord
	balances map[model.ID]uint64
}

// NewMemoryStore creates a new in-memory store whose escrow accounts must
// retain reservedFloor.
func NewMemoryStore(reservedFloor uint64) *MemoryStore {
	return &MemoryStore{
		locks:    NewKeyLock(),
		floor:    reservedFloor,
		markets:  make(map[model.ID]*model.Market),
		records:  make(map[model.ID]*model.BetRecord),
		balances: make(map[model.ID]uint64),
	}
}

func (s *MemoryStore) ReservedFloor() uint64 { return s.floor }

func (s *MemoryStore) Update(ctx context.Context, keys []model.ID, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(keys...)
	defer unlock()

	tx := newMemTx(s, keys)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for key, r := range tx.records {
		s.records[key] = r
	}
	for acct, bal := range tx.balances {
		s.balances[acct] = bal
	}
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id model.ID) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	slices.SortFunc(markets, func(a, b model.Market) int {
		if c := b.EndTime.Compare(a.EndTime); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	return markets, nil
}

func (s *MemoryStore) GetBetRecord(_ context.Context, key model.ID) (*model.BetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("bet record %s: %w", key, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListBetRecords(_ context.Context, marketID model.ID) ([]model.BetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BetRecord
	for _, r := range s.records {
		if r.Market == marketID {
			result = append(result, *r)
		}
	}
	slices.SortFunc(result, func(a, b model.BetRecord) int { return a.Bettor.Compare(b.Bettor) })
	return result, nil
}

func (s *MemoryStore) Balance(_ context.Context, account model.ID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *MemoryStore) Deposit(ctx context.Context, account model.ID, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(account)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balances[account]
	if amount > math.MaxUint64-bal {
		return fmt.Errorf("deposit to %s: %w", account, ErrBalanceOverflow)
	}
	s.balances[account] = bal + amount
	return nil
}

// memTx stages writes until Update commits them. Committed values for keys
// in scope cannot change underneath it because the scope's keys are held.
type memTx struct {
	s        *MemoryStore
	scope    map[model.ID]bool
	markets  map[model.ID]*model.Market
	records  map[model.ID]*model.BetRecord
	balances map[model.ID]uint64
}

func newMemTx(s *MemoryStore, keys []model.ID) *memTx {
	scope := make(map[model.ID]bool, len(keys))
	for _, k := range keys {
		scope[k] = true
	}
	return &memTx{
		s:        s,
		scope:    scope,
		markets:  make(map[model.ID]*model.Market),
		records:  make(map[model.ID]*model.BetRecord),
		balances: make(map[model.ID]uint64),
	}
}

func (t *memTx) check(key model.ID) error {
	if !t.scope[key] {
		return fmt.Errorf("%w: %s", ErrKeyNotLocked, key)
	}
	return nil
}

func (t *memTx) Market(_ context.Context, id model.ID) (*model.Market, error) {
	if err := t.check(id); err != nil {
		return nil, err
	}
	if m, ok := t.markets[id]; ok {
		copy := *m
		return &copy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	m, ok := t.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (t *memTx) InsertMarket(ctx context.Context, m *model.Market) error {
	if err := t.check(m.ID); err != nil {
		return err
	}
	if _, err := t.Market(ctx, m.ID); err == nil {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	copy := *m
	t.markets[m.ID] = &copy
	return nil
}

func (t *memTx) PutMarket(ctx context.Context, m *model.Market) error {
	if _, err := t.Market(ctx, m.ID); err != nil {
		return err
	}
	copy := *m
	t.markets[m.ID] = &copy
	return nil
}

func (t *memTx) BetRecord(_ context.Context, key model.ID) (*model.BetRecord, error) {
	if err := t.check(key); err != nil {
		return nil, err
	}
	if r, ok := t.records[key]; ok {
		copy := *r
		return &copy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.records[key]
	if !ok {
		return nil, fmt.Errorf("bet record %s: %w", key, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (t *memTx) PutBetRecord(_ context.Context, key model.ID, r *model.BetRecord) error {
	if err := t.check(key); err != nil {
		return err
	}
	copy := *r
	t.records[key] = &copy
	return nil
}

func (t *memTx) Balance(_ context.Context, account model.ID) (uint64, error) {
	if err := t.check(account); err != nil {
		return 0, err
	}
	if bal, ok := t.balances[account]; ok {
		return bal, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.balances[account], nil
}

func (t *memTx) Transfer(ctx context.Context, from, to model.ID, amount uint64) error {
	fromBal, err := t.Balance(ctx, from)
	if err != nil {
		return err
	}
	toBal, err := t.Balance(ctx, to)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	if amount > math.MaxUint64-toBal {
		return fmt.Errorf("transfer %d to %s: %w", amount, to, ErrBalanceOverflow)
	}
	t.balances[from] = fromBal - amount
	t.balances[to] = toBal + amount
	return nil
}
