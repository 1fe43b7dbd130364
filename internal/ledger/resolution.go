package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
)

// Resolve records the final outcome of a market. After the deadline anyone
// may resolve; before it, only the creator. Resolution is one-shot.
func (l *Ledger) Resolve(ctx context.Context, marketID model.ID, outcome model.Outcome, resolver model.ID) (m *model.Market, err error) {
	start := time.Now()
	defer func() {
		l.observe("resolve", start, err, "market", marketID, "resolver", resolver, "outcome", uint8(outcome))
	}()

	var early bool
	err = l.store.Update(ctx, []model.ID{marketID}, func(tx store.Tx) error {
		var err error
		m, err = loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if m.IsResolved {
			return ErrResolved
		}
		if !outcome.Valid() {
			return fmt.Errorf("%w: got %d", ErrInvalidOutcome, outcome)
		}
		early = l.now().Before(m.EndTime)
		if early && resolver != m.Creator {
			return ErrNotEnded
		}

		m.Outcome = outcome
		m.IsResolved = true
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	metrics.ResolutionsTotal.WithLabelValues(outcome.String(), strconv.FormatBool(early)).Inc()
	l.logger.Info("market resolved",
		"market", marketID,
		"outcome", outcome.String(),
		"resolver", resolver,
		"early", early,
		"yes_pool", m.YesPool,
		"no_pool", m.NoPool,
	)
	return m, nil
}
