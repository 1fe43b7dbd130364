// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every mutation runs inside Update, which grants exclusive access to a set
// of keys for the duration of one operation and commits all staged writes
// or none of them.
package store

import (
	"context"
	"errors"

	"github.com/atmx/parimutuel/internal/model"
)

var (
	// ErrNotFound is returned when a market, bet record or account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a market whose ID is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrInsufficientFunds is returned by Transfer when the source balance
	// is below the amount.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrBalanceOverflow is returned when a credit would overflow uint64.
	ErrBalanceOverflow = errors.New("store: balance overflow")

	// ErrKeyNotLocked is returned when a Tx touches a key outside its scope.
	ErrKeyNotLocked = errors.New("store: key not locked by this transaction")
)

// Tx is the view of the store inside one Update scope. Reads observe the
// transaction's own staged writes.
type Tx interface {
	// Market loads a market for update. Returns ErrNotFound if absent.
	Market(ctx context.Context, id model.ID) (*model.Market, error)

	// InsertMarket stages a new market. Returns ErrAlreadyExists on collision.
	InsertMarket(ctx context.Context, m *model.Market) error

	// PutMarket stages an update to an existing market.
	PutMarket(ctx context.Context, m *model.Market) error

	// BetRecord loads the record stored under key. Returns ErrNotFound if
	// the key has never been written.
	BetRecord(ctx context.Context, key model.ID) (*model.BetRecord, error)

	// PutBetRecord stages the record under key, creating it if needed.
	PutBetRecord(ctx context.Context, key model.ID, r *model.BetRecord) error

	// Balance returns an account balance; absent accounts read as zero.
	Balance(ctx context.Context, account model.ID) (uint64, error)

	// Transfer atomically moves amount from one account to another.
	// Returns ErrInsufficientFunds or ErrBalanceOverflow.
	Transfer(ctx context.Context, from, to model.ID, amount uint64) error
}

// Store is the persistence interface.
type Store interface {
	// Update runs fn with exclusive access to keys. If fn returns an error
	// or ctx is done before commit, nothing fn staged is persisted. Keys may
	// be given in any order and may repeat.
	Update(ctx context.Context, keys []model.ID, fn func(Tx) error) error

	// GetMarket retrieves a committed market by its ID.
	GetMarket(ctx context.Context, id model.ID) (*model.Market, error)

	// ListMarkets returns all markets, latest deadline first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetBetRecord retrieves the record stored under key.
	GetBetRecord(ctx context.Context, key model.ID) (*model.BetRecord, error)

	// ListBetRecords returns all records bound to a market.
	ListBetRecords(ctx context.Context, marketID model.ID) ([]model.BetRecord, error)

	// Balance returns a committed account balance (zero if absent).
	Balance(ctx context.Context, account model.ID) (uint64, error)

	// Deposit credits an account from outside the ledger (faucet, on-ramp).
	Deposit(ctx context.Context, account model.ID, amount uint64) error

	// ReservedFloor is the minimum balance an escrow account must retain.
	ReservedFloor() uint64
}
