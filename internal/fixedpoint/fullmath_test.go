package fixedpoint

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"liquidityLedger/internal/model"
)

func TestMulDivFullPrecision(t *testing.T) {
	// (2^255 * 6) / 3 overflows the product but not the result.
	a := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	got, err := MulDiv(a, uint256.NewInt(6), uint256.NewInt(12))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if !got.Eq(new(uint256.Int).Lsh(uint256.NewInt(1), 254)) {
		t.Fatalf("unexpected result: %s", got.Dec())
	}

	got, err = MulDiv(uint256.NewInt(7), uint256.NewInt(3), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if got.Uint64() != 10 {
		t.Fatalf("floor mismatch: %s", got.Dec())
	}
}

func TestMulDivErrors(t *testing.T) {
	if _, err := MulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int)); !errors.Is(err, model.ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
	if _, err := MulDiv(maxUint256, uint256.NewInt(2), uint256.NewInt(1)); !errors.Is(err, model.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := MulDivRoundingUp(maxUint256, uint256.NewInt(1), uint256.NewInt(1)); err != nil {
		t.Fatalf("exact max should not overflow: %v", err)
	}
}

func TestMulDivRoundingUp(t *testing.T) {
	got, err := MulDivRoundingUp(uint256.NewInt(7), uint256.NewInt(3), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if got.Uint64() != 11 {
		t.Fatalf("ceil mismatch: %s", got.Dec())
	}
	got, err = MulDivRoundingUp(uint256.NewInt(8), uint256.NewInt(3), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if got.Uint64() != 12 {
		t.Fatalf("exact mismatch: %s", got.Dec())
	}
}

func TestWrappingSub(t *testing.T) {
	// Accumulator was near the top, then wrapped past zero.
	before := new(uint256.Int).Sub(maxUint256, uint256.NewInt(9))
	after := uint256.NewInt(5)

	delta := WrappingSub(after, before)
	if delta.Uint64() != 15 || !delta.IsUint64() {
		t.Fatalf("wrapped delta mismatch: %s", delta.Dec())
	}
}

func TestToUint128(t *testing.T) {
	if _, err := ToUint128(MaxUint128); err != nil {
		t.Fatalf("max uint128 rejected: %v", err)
	}
	if _, err := ToUint128(Q128); !errors.Is(err, model.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := AddUint128(MaxUint128, uint256.NewInt(1)); !errors.Is(err, model.ErrOverflow) {
		t.Fatalf("expected overflow on add, got %v", err)
	}
}

func TestParseUint256(t *testing.T) {
	v, err := ParseUint256("340282366920938463463374607431768211456")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !v.Eq(Q128) {
		t.Fatalf("parse mismatch: %s", v.Dec())
	}
	if _, err := ParseUint256("-1"); err == nil {
		t.Fatalf("expected error for negative input")
	}
	if _, err := ParseUint256("0x10"); err == nil {
		t.Fatalf("expected error for hex input")
	}
}

func FuzzMulDiv(f *testing.F) {
	f.Add(uint64(1), uint64(2), uint64(3))
	f.Add(uint64(1<<63), uint64(1<<63), uint64(7))
	f.Fuzz(func(t *testing.T, a, b, d uint64) {
		if d == 0 {
			return
		}
		got, err := MulDiv(uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d))
		if err != nil {
			t.Fatalf("muldiv: %v", err)
		}
		want := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
		want.Div(want, uint256.NewInt(d))
		if !got.Eq(want) {
			t.Fatalf("muldiv(%d,%d,%d) = %s, want %s", a, b, d, got.Dec(), want.Dec())
		}
	})
}
