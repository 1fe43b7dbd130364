package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/atmx/parimutuel/internal/model"
)

func id(b byte) model.ID {
	var out model.ID
	out[0] = b
	return out
}

func seedMarket(t *testing.T, s *MemoryStore, marketID model.ID) {
	t.Helper()
	err := s.Update(context.Background(), []model.ID{marketID}, func(tx Tx) error {
		return tx.InsertMarket(context.Background(), &model.Market{
			ID:       marketID,
			Question: "q",
			EndTime:  time.Unix(1_800_000_000, 0).UTC(),
			Outcome:  model.OutcomeUnresolved,
		})
	})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
}

func TestUpdate_CommitsStagedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	seedMarket(t, s, id(1))
	if err := s.Deposit(ctx, id(2), 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	key := model.BetRecordKey(id(1), id(2))
	err := s.Update(ctx, []model.ID{id(1), id(2), key}, func(tx Tx) error {
		if err := tx.Transfer(ctx, id(2), id(1), 40); err != nil {
			return err
		}
		m, err := tx.Market(ctx, id(1))
		if err != nil {
			return err
		}
		m.YesPool = 40
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		return tx.PutBetRecord(ctx, key, &model.BetRecord{Market: id(1), Bettor: id(2), YesAmount: 40})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	m, _ := s.GetMarket(ctx, id(1))
	if m.YesPool != 40 {
		t.Errorf("expected yes pool 40, got %d", m.YesPool)
	}
	r, err := s.GetBetRecord(ctx, key)
	if err != nil || r.YesAmount != 40 {
		t.Errorf("expected committed record with 40, got %+v (%v)", r, err)
	}
	if bal, _ := s.Balance(ctx, id(2)); bal != 60 {
		t.Errorf("expected bettor balance 60, got %d", bal)
	}
	if bal, _ := s.Balance(ctx, id(1)); bal != 40 {
		t.Errorf("expected escrow balance 40, got %d", bal)
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	seedMarket(t, s, id(1))
	_ = s.Deposit(ctx, id(2), 100)

	boom := errors.New("boom")
	err := s.Update(ctx, []model.ID{id(1), id(2)}, func(tx Tx) error {
		if err := tx.Transfer(ctx, id(2), id(1), 100); err != nil {
			return err
		}
		m, _ := tx.Market(ctx, id(1))
		m.NoPool = 100
		_ = tx.PutMarket(ctx, m)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	m, _ := s.GetMarket(ctx, id(1))
	if m.NoPool != 0 {
		t.Errorf("pool must be untouched after rollback, got %d", m.NoPool)
	}
	if bal, _ := s.Balance(ctx, id(2)); bal != 100 {
		t.Errorf("balance must be untouched after rollback, got %d", bal)
	}
}

func TestUpdate_CancelledContextHasNoEffect(t *testing.T) {
	s := NewMemoryStore(0)
	seedMarket(t, s, id(1))

	ctx, cancel := context.WithCancel(context.Background())
	err := s.Update(ctx, []model.ID{id(1)}, func(tx Tx) error {
		m, _ := tx.Market(ctx, id(1))
		m.YesPool = 5
		_ = tx.PutMarket(ctx, m)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	m, _ := s.GetMarket(context.Background(), id(1))
	if m.YesPool != 0 {
		t.Errorf("cancelled update must not commit, got yes pool %d", m.YesPool)
	}
}

func TestTx_ReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	key := id(9)
	err := s.Update(ctx, []model.ID{key}, func(tx Tx) error {
		if _, err := tx.BetRecord(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound before write, got %v", err)
		}
		_ = tx.PutBetRecord(ctx, key, &model.BetRecord{Market: id(1), Bettor: id(2), NoAmount: 3})
		r, err := tx.BetRecord(ctx, key)
		if err != nil || r.NoAmount != 3 {
			t.Errorf("expected staged record, got %+v (%v)", r, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestTx_ScopeEnforced(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	seedMarket(t, s, id(1))

	err := s.Update(ctx, []model.ID{id(1)}, func(tx Tx) error {
		return tx.Transfer(ctx, id(1), id(5), 0)
	})
	if !errors.Is(err, ErrKeyNotLocked) {
		t.Errorf("expected ErrKeyNotLocked, got %v", err)
	}

	err = s.Update(ctx, nil, func(tx Tx) error {
		_, err := tx.Market(ctx, id(1))
		return err
	})
	if !errors.Is(err, ErrKeyNotLocked) {
		t.Errorf("expected ErrKeyNotLocked for unscoped read, got %v", err)
	}
}

func TestTx_InsertMarketTwice(t *testing.T) {
	s := NewMemoryStore(0)
	seedMarket(t, s, id(1))
	err := s.Update(context.Background(), []model.ID{id(1)}, func(tx Tx) error {
		return tx.InsertMarket(context.Background(), &model.Market{ID: id(1)})
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestTransfer_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_ = s.Deposit(ctx, id(1), 10)
	_ = s.Deposit(ctx, id(2), math.MaxUint64)

	err := s.Update(ctx, []model.ID{id(1), id(3)}, func(tx Tx) error {
		return tx.Transfer(ctx, id(1), id(3), 11)
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	err = s.Update(ctx, []model.ID{id(1), id(2)}, func(tx Tx) error {
		return tx.Transfer(ctx, id(1), id(2), 1)
	})
	if !errors.Is(err, ErrBalanceOverflow) {
		t.Errorf("expected ErrBalanceOverflow, got %v", err)
	}

	if err := s.Deposit(ctx, id(2), 1); !errors.Is(err, ErrBalanceOverflow) {
		t.Errorf("expected ErrBalanceOverflow on deposit, got %v", err)
	}
}

func TestUpdate_ConcurrentIncrementsSerialize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	seedMarket(t, s, id(1))

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, []model.ID{id(1)}, func(tx Tx) error {
				m, err := tx.Market(ctx, id(1))
				if err != nil {
					return err
				}
				m.YesPool++
				return tx.PutMarket(ctx, m)
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	m, _ := s.GetMarket(ctx, id(1))
	if m.YesPool != workers {
		t.Errorf("expected %d increments, got %d (lost update)", workers, m.YesPool)
	}
}

func TestKeyLock_OverlappingScopesDoNotDeadlock(t *testing.T) {
	l := NewKeyLock()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Lock(id(1), id(2))()
		}()
		go func() {
			defer wg.Done()
			l.Lock(id(2), id(1), id(2))()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock acquisition deadlocked")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locks) != 0 {
		t.Errorf("expected all lock entries released, %d remain", len(l.locks))
	}
}

func TestListMarkets_LatestDeadlineFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	for i, end := range []int64{100, 300, 200} {
		mid := id(byte(i + 1))
		_ = s.Update(ctx, []model.ID{mid}, func(tx Tx) error {
			return tx.InsertMarket(ctx, &model.Market{ID: mid, EndTime: time.Unix(end, 0)})
		})
	}
	markets, _ := s.ListMarkets(ctx)
	if len(markets) != 3 {
		t.Fatalf("expected 3 markets, got %d", len(markets))
	}
	if markets[0].EndTime.Unix() != 300 || markets[2].EndTime.Unix() != 100 {
		t.Errorf("unexpected order: %v, %v, %v", markets[0].EndTime, markets[1].EndTime, markets[2].EndTime)
	}
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	unlock, err := l.Acquire(ctx, "archive", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "archive", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}

	unlock()
	unlock2, err := l.Acquire(ctx, "archive", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire after unlock: %v", err)
	}
	unlock() // stale unlock must not release the new holder
	if _, err := l.Acquire(ctx, "archive", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Errorf("stale unlock released the lock: %v", err)
	}
	unlock2()

	_, _ = l.Acquire(ctx, "jobs", time.Second)
	now = now.Add(2 * time.Second)
	if _, err := l.Acquire(ctx, "jobs", time.Second); err != nil {
		t.Errorf("expired lock should be reacquirable: %v", err)
	}
}

func TestLocalLocker_SweepsExpired(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if _, err := l.Acquire(ctx, fmt.Sprintf("replay:%d", i), time.Second); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	now = now.Add(2 * sweepEvery)
	if _, err := l.Acquire(ctx, "fresh", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(l.held) != 1 {
		t.Errorf("expected expired entries swept, %d remain", len(l.held))
	}
}
