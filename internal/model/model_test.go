package model

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func id(b byte) ID {
	var out ID
	out[31] = b
	return out
}

func TestParseID_RoundTrip(t *testing.T) {
	want := BetRecordKey(id(1), id(2))
	got, err := ParseID(want.Hex())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestParseID_Invalid(t *testing.T) {
	tests := []string{
		"",
		"0x",
		"deadbeef",
		"0x1234",
		"0x" + strings.Repeat("zz", 32),
		"0x" + strings.Repeat("00", 33),
	}
	for _, s := range tests {
		if _, err := ParseID(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"yes": SideYes, "YES": SideYes, " no ": SideNo, "No": SideNo} {
		got, err := ParseSide(in)
		if err != nil {
			t.Fatalf("ParseSide(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSide(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseSide("maybe"); err == nil {
		t.Error("expected error for side maybe")
	}
}

func TestMarketStatus(t *testing.T) {
	end := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := &Market{EndTime: end, Outcome: OutcomeUnresolved}

	if s := m.Status(end.Add(-time.Second)); s != StatusOpen {
		t.Errorf("before deadline: expected open, got %s", s)
	}
	if s := m.Status(end); s != StatusExpired {
		t.Errorf("at deadline: expected expired, got %s", s)
	}
	m.IsResolved = true
	if s := m.Status(end.Add(-time.Hour)); s != StatusResolved {
		t.Errorf("resolved: expected resolved, got %s", s)
	}
}

func TestSaturatingArithmetic(t *testing.T) {
	if got := SaturatingAdd(math.MaxUint64-1, 5); got != math.MaxUint64 {
		t.Errorf("expected clamp at max, got %d", got)
	}
	if got := SaturatingAdd(2, 3); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
	if got := SaturatingSub(3, 5); got != 0 {
		t.Errorf("expected clamp at zero, got %d", got)
	}
	m := &Market{YesPool: math.MaxUint64, NoPool: 1}
	if m.TotalPool() != math.MaxUint64 {
		t.Errorf("total pool should saturate, got %d", m.TotalPool())
	}
}

func TestBetRecordKey_Deterministic(t *testing.T) {
	a := BetRecordKey(id(1), id(2))
	b := BetRecordKey(id(1), id(2))
	if a != b {
		t.Fatal("key derivation must be deterministic")
	}
	if a == BetRecordKey(id(2), id(1)) {
		t.Error("swapping market and bettor must yield a different key")
	}
	if a == BetRecordKey(id(1), id(3)) {
		t.Error("different bettors must yield different keys")
	}
}

func TestNewMarketID_Unique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		m := NewMarketID()
		if m.IsZero() || seen[m] {
			t.Fatalf("duplicate or zero market id %s", m)
		}
		seen[m] = true
	}
}

func TestMarketCodec(t *testing.T) {
	m := &Market{
		ID:         id(9),
		Question:   "Will it rain in Lisbon on 2026-11-01?",
		EndTime:    time.Unix(1_790_000_000, 0).UTC(),
		Creator:    id(7),
		YesPool:    100,
		NoPool:     math.MaxUint64,
		IsResolved: true,
		Outcome:    OutcomeNo,
	}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != MarketSize || MarketSize != 262 {
		t.Fatalf("expected %d bytes (262), got %d", MarketSize, len(data))
	}

	got := Market{ID: m.ID}
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != *m {
		t.Errorf("decoded market mismatch:\n got %+v\nwant %+v", got, *m)
	}
}

func TestMarketCodec_QuestionBounds(t *testing.T) {
	m := &Market{Question: strings.Repeat("x", MaxQuestionLen), EndTime: time.Unix(0, 0)}
	if _, err := m.MarshalBinary(); err != nil {
		t.Fatalf("question at max length should encode: %v", err)
	}
	m.Question += "x"
	if _, err := m.MarshalBinary(); !errors.Is(err, ErrQuestionTooLong) {
		t.Errorf("expected ErrQuestionTooLong, got %v", err)
	}
}

func TestMarketCodec_Corrupt(t *testing.T) {
	m := &Market{Question: "q", EndTime: time.Unix(0, 0)}
	data, _ := m.MarshalBinary()

	var out Market
	if err := out.UnmarshalBinary(data[:10]); !errors.Is(err, ErrRecordSize) {
		t.Errorf("short record: expected ErrRecordSize, got %v", err)
	}

	bad := bytes.Clone(data)
	bad[MarketSize-1] = 7
	if err := out.UnmarshalBinary(bad); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("bad outcome: expected ErrCorruptRecord, got %v", err)
	}

	bad = bytes.Clone(data)
	bad[0] = 0xff
	if err := out.UnmarshalBinary(bad); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("bad length prefix: expected ErrCorruptRecord, got %v", err)
	}
}

func TestBetRecordCodec(t *testing.T) {
	r := &BetRecord{Market: id(1), Bettor: id(2), YesAmount: 5, NoAmount: 7, Claimed: true}
	data, err := r.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != 81 {
		t.Fatalf("expected 81 bytes, got %d", len(data))
	}
	var got BetRecord
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != *r {
		t.Errorf("decoded record mismatch: got %+v want %+v", got, *r)
	}

	data[80] = 2
	if err := got.UnmarshalBinary(data); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord for bad claimed byte, got %v", err)
	}
}
