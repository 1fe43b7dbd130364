package model

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	betRecordSeed = []byte("bet_record")
	marketSeed    = []byte("market")
)

// BetRecordKey derives the storage key of the bet record for (market,
// bettor). The derivation is deterministic, so a record is addressable from
// the pair alone; the record's stored Market/Bettor fields must still be
// checked against the pair on every access.
func BetRecordKey(market, bettor ID) ID {
	return ID(crypto.Keccak256Hash(betRecordSeed, market[:], bettor[:]))
}

// NewMarketID allocates a fresh market identity.
func NewMarketID() ID {
	u := uuid.New()
	return ID(crypto.Keccak256Hash(marketSeed, u[:]))
}
