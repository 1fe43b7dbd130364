package ledger

import (
	"context"
	"fmt"

	"github.com/atmx/parimutuel/internal/model"
)

// Balance returns an account's committed balance. For a market ID this is
// the escrow, including the reserved floor.
func (l *Ledger) Balance(ctx context.Context, account model.ID) (uint64, error) {
	return l.store.Balance(ctx, account)
}

// Deposit credits account from outside the ledger and returns the new
// balance.
func (l *Ledger) Deposit(ctx context.Context, account model.ID, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if err := l.store.Deposit(ctx, account, amount); err != nil {
		return 0, fmt.Errorf("deposit: %w", transferErr(err))
	}
	l.logger.Info("deposit", "account", account, "amount", amount)
	return l.store.Balance(ctx, account)
}
