package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
)

// CreateMarket opens a new market owned by creator. The deadline is kept
// at whole-second precision. If the store has a reserved floor, the
// creator funds the market's escrow with it.
func (l *Ledger) CreateMarket(ctx context.Context, creator model.ID, question string, endTime time.Time) (m *model.Market, err error) {
	start := time.Now()
	defer func() { l.observe("create_market", start, err, "creator", creator) }()

	if len(question) > model.MaxQuestionLen {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrQuestionTooLong, len(question), model.MaxQuestionLen)
	}

	m = &model.Market{
		ID:       model.NewMarketID(),
		Question: question,
		EndTime:  time.Unix(endTime.Unix(), 0).UTC(),
		Creator:  creator,
		Outcome:  model.OutcomeUnresolved,
	}
	floor := l.store.ReservedFloor()

	err = l.store.Update(ctx, []model.ID{m.ID, creator}, func(tx store.Tx) error {
		if err := tx.InsertMarket(ctx, m); err != nil {
			return err
		}
		if floor == 0 {
			return nil
		}
		if err := tx.Transfer(ctx, creator, m.ID, floor); err != nil {
			return fmt.Errorf("fund escrow: %w", transferErr(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MarketsCreated.Inc()
	l.logger.Info("market created",
		"market", m.ID,
		"creator", creator,
		"end_time", m.EndTime,
		"question_len", len(question),
	)
	return m, nil
}

// loadMarket reads a market inside tx, mapping absence to ErrMarketNotFound.
func loadMarket(ctx context.Context, tx store.Tx, id model.ID) (*model.Market, error) {
	m, err := tx.Market(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m, err
}

// Market returns a committed market.
func (l *Ledger) Market(ctx context.Context, id model.ID) (*model.Market, error) {
	m, err := l.store.GetMarket(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m, err
}

// BetRecord returns the committed record for (market, bettor).
func (l *Ledger) BetRecord(ctx context.Context, market, bettor model.ID) (*model.BetRecord, error) {
	r, err := l.store.GetBetRecord(ctx, model.BetRecordKey(market, bettor))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: market %s bettor %s", ErrBetRecordNotFound, market, bettor)
	}
	return r, err
}
