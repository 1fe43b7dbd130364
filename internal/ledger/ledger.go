// Package ledger implements the parimutuel market lifecycle: market
// creation, betting, resolution and payout.
//
// Every operation runs inside a single store.Update scope covering the
// market, the bet record and the accounts it moves value between. Checks
// and mutations happen under those locks, so a failed operation leaves no
// trace and concurrent operations on one market serialize.
package ledger

import (
	"log/slog"
	"time"

	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/store"
)

// Ledger is the market engine. It is safe for concurrent use.
type Ledger struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for window checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger backed by st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the backing store for read-side queries.
func (l *Ledger) Store() store.Store { return l.store }

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// observe records latency for op and, on failure, the rejection.
func (l *Ledger) observe(op string, start time.Time, err error, attrs ...any) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	code := Code(err)
	metrics.Rejections.WithLabelValues(op, code).Inc()
	l.logger.Warn(op+" rejected", append(attrs, "code", code, "err", err)...)
}
