package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
)

// PlaceBet stakes amount on side of a market and returns the bettor's
// updated record. The stake moves from the bettor's account into the
// market's escrow before any pool or record changes; if the transfer
// fails, nothing changes. Bets are repeatable and accumulate per side.
func (l *Ledger) PlaceBet(ctx context.Context, marketID model.ID, side model.Side, amount uint64, bettor model.ID) (rec *model.BetRecord, err error) {
	start := time.Now()
	defer func() {
		l.observe("bet", start, err, "market", marketID, "bettor", bettor, "side", side, "amount", amount)
	}()

	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if side != model.SideYes && side != model.SideNo {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}

	key := model.BetRecordKey(marketID, bettor)
	err = l.store.Update(ctx, []model.ID{marketID, key, bettor}, func(tx store.Tx) error {
		m, err := loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if m.IsResolved {
			return ErrResolved
		}
		if !l.now().Before(m.EndTime) {
			return ErrEnded
		}

		existing, err := tx.BetRecord(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = nil
		case err != nil:
			return err
		case existing.Claimed:
			return ErrAlreadyClaimed
		}

		if err := tx.Transfer(ctx, bettor, marketID, amount); err != nil {
			return transferErr(err)
		}

		if side == model.SideYes {
			m.YesPool = model.SaturatingAdd(m.YesPool, amount)
		} else {
			m.NoPool = model.SaturatingAdd(m.NoPool, amount)
		}
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}

		if existing == nil {
			existing = &model.BetRecord{Market: marketID, Bettor: bettor}
		} else if existing.Market != marketID || existing.Bettor != bettor {
			return ErrInvalidBetRecord
		}
		if side == model.SideYes {
			existing.YesAmount = model.SaturatingAdd(existing.YesAmount, amount)
		} else {
			existing.NoAmount = model.SaturatingAdd(existing.NoAmount, amount)
		}
		if err := tx.PutBetRecord(ctx, key, existing); err != nil {
			return err
		}
		rec = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsTotal.WithLabelValues(side.String()).Inc()
	metrics.StakeVolume.WithLabelValues(side.String()).Add(float64(amount))
	l.logger.Info("bet placed",
		"market", marketID,
		"bettor", bettor,
		"side", side.String(),
		"amount", strconv.FormatUint(amount, 10),
		"yes_amount", rec.YesAmount,
		"no_amount", rec.NoAmount,
	)
	return rec, nil
}
