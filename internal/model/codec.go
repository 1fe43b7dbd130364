package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Fixed persisted record sizes.
//
//	Market:    u32 question len | question [MaxQuestionLen] | end_time i64 |
//	           creator [32] | yes_pool u64 | no_pool u64 | is_resolved u8 | outcome u8
//	BetRecord: market [32] | bettor [32] | yes_amount u64 | no_amount u64 | claimed u8
//
// Integers are little-endian. The market's own ID is the storage key and is
// not part of the record.
const (
	MarketSize    = 4 + MaxQuestionLen + 8 + 32 + 8 + 8 + 1 + 1
	BetRecordSize = 32 + 32 + 8 + 8 + 1
)

var (
	ErrQuestionTooLong = errors.New("model: question exceeds max length")
	ErrRecordSize      = errors.New("model: record has wrong size")
	ErrCorruptRecord   = errors.New("model: corrupt record")
)

// MarshalBinary encodes the market in its fixed-size layout.
func (m *Market) MarshalBinary() ([]byte, error) {
	if len(m.Question) > MaxQuestionLen {
		return nil, ErrQuestionTooLong
	}
	buf := make([]byte, MarketSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Question)))
	off += 4
	copy(buf[off:], m.Question)
	off += MaxQuestionLen
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.EndTime.Unix()))
	off += 8
	copy(buf[off:], m.Creator[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], m.YesPool)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.NoPool)
	off += 8
	buf[off] = boolByte(m.IsResolved)
	buf[off+1] = byte(m.Outcome)
	return buf, nil
}

// UnmarshalBinary decodes a fixed-size market record. m.ID is left as is.
func (m *Market) UnmarshalBinary(data []byte) error {
	if len(data) != MarketSize {
		return fmt.Errorf("%w: market %d bytes, want %d", ErrRecordSize, len(data), MarketSize)
	}
	off := 0
	qlen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if qlen > MaxQuestionLen {
		return fmt.Errorf("%w: question length %d", ErrCorruptRecord, qlen)
	}
	question := string(data[off : off+int(qlen)])
	off += MaxQuestionLen
	endTime := int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	var creator ID
	copy(creator[:], data[off:off+32])
	off += 32
	yes := binary.LittleEndian.Uint64(data[off:])
	off += 8
	no := binary.LittleEndian.Uint64(data[off:])
	off += 8
	resolved, err := byteBool(data[off])
	if err != nil {
		return err
	}
	outcome := Outcome(data[off+1])
	if outcome > OutcomeUnresolved {
		return fmt.Errorf("%w: outcome %d", ErrCorruptRecord, outcome)
	}

	m.Question = question
	m.EndTime = time.Unix(endTime, 0).UTC()
	m.Creator = creator
	m.YesPool = yes
	m.NoPool = no
	m.IsResolved = resolved
	m.Outcome = outcome
	return nil
}

// MarshalBinary encodes the bet record in its fixed-size layout.
func (r *BetRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BetRecordSize)
	copy(buf[0:32], r.Market[:])
	copy(buf[32:64], r.Bettor[:])
	binary.LittleEndian.PutUint64(buf[64:], r.YesAmount)
	binary.LittleEndian.PutUint64(buf[72:], r.NoAmount)
	buf[80] = boolByte(r.Claimed)
	return buf, nil
}

// UnmarshalBinary decodes a fixed-size bet record.
func (r *BetRecord) UnmarshalBinary(data []byte) error {
	if len(data) != BetRecordSize {
		return fmt.Errorf("%w: bet record %d bytes, want %d", ErrRecordSize, len(data), BetRecordSize)
	}
	claimed, err := byteBool(data[80])
	if err != nil {
		return err
	}
	copy(r.Market[:], data[0:32])
	copy(r.Bettor[:], data[32:64])
	r.YesAmount = binary.LittleEndian.Uint64(data[64:])
	r.NoAmount = binary.LittleEndian.Uint64(data[72:])
	r.Claimed = claimed
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func byteBool(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: bool byte %d", ErrCorruptRecord, b)
}
