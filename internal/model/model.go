// Package model defines the core domain types shared across the engine.
// Stakes, pools and balances are integer base units (uint64); money never
// passes through float64.
package model

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MaxQuestionLen is the maximum byte length of a market question. It bounds
// the fixed-size persisted market record.
const MaxQuestionLen = 200

// Derived market statuses reported to clients.
const (
	StatusOpen     = "open"
	StatusExpired  = "expired"
	StatusResolved = "resolved"
)

// ID is a 32-byte identity: a market, a bettor/principal, an account, or a
// derived bet-record key.
type ID [32]byte

// ParseID decodes a 0x-prefixed hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("model: invalid id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("model: invalid id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the all-zero identity (never a valid key).
func (id ID) IsZero() bool { return id == ID{} }

// Hex returns the 0x-prefixed hex form.
func (id ID) Hex() string { return hexutil.Encode(id[:]) }

func (id ID) String() string { return id.Hex() }

// Compare orders IDs bytewise; used for canonical lock ordering.
func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Side is the side of a wager.
type Side uint8

const (
	SideYes Side = 0
	SideNo  Side = 1
)

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	}
	return 0, fmt.Errorf("model: side must be yes or no, got %q", s)
}

func (s Side) String() string {
	if s == SideYes {
		return "YES"
	}
	return "NO"
}

// Outcome is the resolved truth of a market. Only OutcomeYes and OutcomeNo
// are legal resolution values.
type Outcome uint8

const (
	OutcomeYes        Outcome = 0
	OutcomeNo         Outcome = 1
	OutcomeUnresolved Outcome = 2
)

// Valid reports whether o is a legal resolution value.
func (o Outcome) Valid() bool { return o <= OutcomeNo }

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "YES"
	case OutcomeNo:
		return "NO"
	case OutcomeUnresolved:
		return "UNRESOLVED"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Market is one yes/no question with two escrowed pools. The escrow
// balance itself lives in the account store under the market's ID.
type Market struct {
	ID         ID        `json:"id"`
	Question   string    `json:"question"`
	EndTime    time.Time `json:"end_time"`
	Creator    ID        `json:"creator"`
	YesPool    uint64    `json:"yes_pool,string"`
	NoPool     uint64    `json:"no_pool,string"`
	IsResolved bool      `json:"is_resolved"`
	Outcome    Outcome   `json:"outcome"`
}

// Pool returns the total staked on side.
func (m *Market) Pool(side Side) uint64 {
	if side == SideYes {
		return m.YesPool
	}
	return m.NoPool
}

// TotalPool is YesPool + NoPool, clamped at math.MaxUint64.
func (m *Market) TotalPool() uint64 {
	return SaturatingAdd(m.YesPool, m.NoPool)
}

// Status derives the client-facing lifecycle state at now.
func (m *Market) Status(now time.Time) string {
	switch {
	case m.IsResolved:
		return StatusResolved
	case !now.Before(m.EndTime):
		return StatusExpired
	default:
		return StatusOpen
	}
}

// BetRecord is one bettor's cumulative stake in one market. It is stored
// under BetRecordKey(Market, Bettor).
type BetRecord struct {
	Market    ID     `json:"market"`
	Bettor    ID     `json:"bettor"`
	YesAmount uint64 `json:"yes_amount,string"`
	NoAmount  uint64 `json:"no_amount,string"`
	Claimed   bool   `json:"claimed"`
}

// Initialized reports whether the record has been bound to a (market,
// bettor) pair. A zero record is what an unallocated key reads as.
func (r *BetRecord) Initialized() bool { return !r.Market.IsZero() }

// Amount returns the bettor's stake on side.
func (r *BetRecord) Amount(side Side) uint64 {
	if side == SideYes {
		return r.YesAmount
	}
	return r.NoAmount
}

// SaturatingAdd returns a+b, clamped at math.MaxUint64.
func SaturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// SaturatingSub returns a-b, clamped at zero.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
