package ledger

import (
	"errors"
	"fmt"

	"github.com/atmx/parimutuel/internal/store"
)

// Sentinel errors. Every failed operation returns one of these (possibly
// wrapped) and leaves no state behind.
var (
	ErrInvalidAmount     = errors.New("ledger: amount must be greater than zero")
	ErrInvalidSide       = errors.New("ledger: side must be yes or no")
	ErrResolved          = errors.New("ledger: market already resolved")
	ErrEnded             = errors.New("ledger: betting window has closed")
	ErrNotEnded          = errors.New("ledger: market has not ended")
	ErrNotResolved       = errors.New("ledger: market not resolved")
	ErrInvalidOutcome    = errors.New("ledger: outcome must be yes (0) or no (1)")
	ErrAlreadyClaimed    = errors.New("ledger: payout already claimed")
	ErrInvalidBetRecord  = errors.New("ledger: bet record does not belong to this market and bettor")
	ErrNothingToClaim    = errors.New("ledger: nothing to claim")
	ErrInsufficientPool  = errors.New("ledger: escrow cannot cover payout")
	ErrQuestionTooLong   = errors.New("ledger: question too long")
	ErrMarketNotFound    = errors.New("ledger: market not found")
	ErrBetRecordNotFound = errors.New("ledger: bet record not found")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrBalanceOverflow   = errors.New("ledger: balance overflow")
)

// codes is checked in order; the first sentinel matched wins.
var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidSide, "InvalidSide"},
	{ErrResolved, "Resolved"},
	{ErrEnded, "Ended"},
	{ErrNotEnded, "NotEnded"},
	{ErrNotResolved, "NotResolved"},
	{ErrInvalidOutcome, "InvalidOutcome"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrInvalidBetRecord, "InvalidBetRecord"},
	{ErrNothingToClaim, "NothingToClaim"},
	{ErrInsufficientPool, "InsufficientPool"},
	{ErrQuestionTooLong, "QuestionTooLong"},
	{ErrMarketNotFound, "MarketNotFound"},
	{ErrBetRecordNotFound, "BetRecordNotFound"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrBalanceOverflow, "BalanceOverflow"},
}

// Code returns the stable identifier for err, or "Internal" when err is
// not a ledger error. Code(nil) is "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

// transferErr maps a store transfer failure onto the ledger's error set.
func transferErr(err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, store.ErrBalanceOverflow):
		return fmt.Errorf("%w: %w", ErrBalanceOverflow, err)
	}
	return err
}
