package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
)

// ComputePayout returns floor(share * total / winning) for a bettor's
// record in a resolved market, where share is the bettor's stake on the
// winning side, winning is that side's pool and total is both pools
// combined. The product is formed in 256 bits before dividing. A quotient
// beyond uint64 clamps to math.MaxUint64, which no escrow can cover.
func ComputePayout(m *model.Market, r *model.BetRecord) (uint64, error) {
	if !m.IsResolved || !m.Outcome.Valid() {
		return 0, ErrNotResolved
	}
	side := model.Side(m.Outcome)

	winning := m.Pool(side)
	if winning == 0 {
		return 0, fmt.Errorf("%w: winning pool is empty", ErrNothingToClaim)
	}
	share := r.Amount(side)
	if share == 0 {
		return 0, fmt.Errorf("%w: no stake on %s", ErrNothingToClaim, side)
	}
	total := m.TotalPool()

	q := new(uint256.Int).Mul(uint256.NewInt(share), uint256.NewInt(total))
	q.Div(q, uint256.NewInt(winning))

	payout := uint64(math.MaxUint64)
	if q.IsUint64() {
		payout = q.Uint64()
	}
	if payout == 0 {
		return 0, ErrNothingToClaim
	}
	return payout, nil
}

// Claim pays a winning bettor their proportional share of the market's
// escrow and marks the record claimed. Each record pays at most once.
func (l *Ledger) Claim(ctx context.Context, marketID, bettor model.ID) (payout uint64, err error) {
	start := time.Now()
	defer func() { l.observe("claim", start, err, "market", marketID, "bettor", bettor) }()

	key := model.BetRecordKey(marketID, bettor)
	floor := l.store.ReservedFloor()

	err = l.store.Update(ctx, []model.ID{marketID, key, bettor}, func(tx store.Tx) error {
		m, err := loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if !m.IsResolved || !m.Outcome.Valid() {
			return ErrNotResolved
		}

		rec, err := tx.BetRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: market %s bettor %s", ErrBetRecordNotFound, marketID, bettor)
		}
		if err != nil {
			return err
		}
		if rec.Claimed {
			return ErrAlreadyClaimed
		}
		if rec.Market != marketID || rec.Bettor != bettor {
			return ErrInvalidBetRecord
		}

		amount, err := ComputePayout(m, rec)
		if err != nil {
			return err
		}

		escrow, err := tx.Balance(ctx, marketID)
		if err != nil {
			return err
		}
		if available := model.SaturatingSub(escrow, floor); amount > available {
			return fmt.Errorf("%w: payout %d, available %d", ErrInsufficientPool, amount, available)
		}

		if err := tx.Transfer(ctx, marketID, bettor, amount); err != nil {
			return transferErr(err)
		}
		rec.Claimed = true
		if err := tx.PutBetRecord(ctx, key, rec); err != nil {
			return err
		}
		payout = amount
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ClaimsTotal.Inc()
	metrics.PayoutVolume.Add(float64(payout))
	l.logger.Info("payout claimed",
		"market", marketID,
		"bettor", bettor,
		"payout", payout,
	)
	return payout, nil
}
