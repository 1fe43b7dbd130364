package api

import (
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/model"
)

var half = decimal.New(5, -1)

// MarketView is a market as served to clients: the stored fields plus its
// derived status, escrow balance and pool-implied odds. Implied
// probabilities and multipliers are display values; settlement only ever
// uses integer arithmetic.
type MarketView struct {
	model.Market
	Status        string          `json:"status"`
	TotalPool     uint64          `json:"total_pool,string"`
	Escrow        uint64          `json:"escrow,string"`
	ImpliedYes    decimal.Decimal `json:"implied_yes"`
	ImpliedNo     decimal.Decimal `json:"implied_no"`
	YesMultiplier decimal.Decimal `json:"yes_multiplier"`
	NoMultiplier  decimal.Decimal `json:"no_multiplier"`
}

func newMarketView(m *model.Market, escrow uint64, now time.Time) MarketView {
	total := m.TotalPool()
	v := MarketView{
		Market:    *m,
		Status:    m.Status(now),
		TotalPool: total,
		Escrow:    escrow,
	}
	v.ImpliedYes, v.ImpliedNo = impliedOdds(m.YesPool, m.NoPool)
	v.YesMultiplier = multiplier(total, m.YesPool)
	v.NoMultiplier = multiplier(total, m.NoPool)
	return v
}

func dec(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// impliedOdds returns each side's share of the total pool, to 4 places.
// An empty market reads as even odds.
func impliedOdds(yes, no uint64) (decimal.Decimal, decimal.Decimal) {
	total := dec(yes).Add(dec(no))
	if total.IsZero() {
		return half, half
	}
	y := dec(yes).DivRound(total, 4)
	return y, decimal.NewFromInt(1).Sub(y)
}

// multiplier is total/pool: what one unit on that side returns if it wins.
func multiplier(total, pool uint64) decimal.Decimal {
	if pool == 0 {
		return decimal.Zero
	}
	return dec(total).DivRound(dec(pool), 4)
}

// BetView is a bettor's record plus what it would pay under each outcome.
type BetView struct {
	model.BetRecord
	PayoutIfYes uint64 `json:"payout_if_yes,string"`
	PayoutIfNo  uint64 `json:"payout_if_no,string"`
}

func newBetView(m *model.Market, r *model.BetRecord) BetView {
	return BetView{
		BetRecord:   *r,
		PayoutIfYes: projectedPayout(m, r, model.OutcomeYes),
		PayoutIfNo:  projectedPayout(m, r, model.OutcomeNo),
	}
}

// projectedPayout is the payout r would receive were m resolved to
// outcome with its current pools. A resolved market only pays on its
// actual outcome.
func projectedPayout(m *model.Market, r *model.BetRecord, outcome model.Outcome) uint64 {
	if m.IsResolved && m.Outcome != outcome {
		return 0
	}
	hypo := *m
	hypo.IsResolved, hypo.Outcome = true, outcome
	p, err := ledger.ComputePayout(&hypo, r)
	if err != nil {
		return 0
	}
	return p
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
