package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
)

// RefreshGauges recounts markets still accepting bets and publishes the
// count. Markets close by the clock as well as by resolution, so the count
// cannot be maintained from operations alone.
func (l *Ledger) RefreshGauges(ctx context.Context) (open int, err error) {
	markets, err := l.store.ListMarkets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list markets: %w", err)
	}
	now := l.now()
	for i := range markets {
		if markets[i].Status(now) == model.StatusOpen {
			open++
		}
	}
	metrics.OpenMarkets.Set(float64(open))
	return open, nil
}

// RunGauges refreshes the gauges immediately and then every interval until
// ctx is done.
func (l *Ledger) RunGauges(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.RefreshGauges(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("gauge refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
