// Package fixedpoint implements the exact integer arithmetic shared with the pool engine:
// full-precision multiply-divide, tick/sqrt-price conversion and token deltas for a liquidity amount.
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"liquidityLedger/internal/model"
)

var (
	// Q96 is 1.0 in UQ64.96.
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	// Q128 is 1.0 in UQ128.128, the fee growth resolution.
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	// MaxUint128 bounds liquidity and owed token balances.
	MaxUint128 = new(uint256.Int).Sub(Q128, uint256.NewInt(1))

	one = uint256.NewInt(1)
)

// MulDiv returns floor(a*b/denominator) with a 512-bit intermediate product.
func MulDiv(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, model.ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, denominator)
	if overflow {
		return nil, fmt.Errorf("muldiv %s*%s/%s: %w", a.Dec(), b.Dec(), denominator.Dec(), model.ErrOverflow)
	}
	return z, nil
}

// MulDivRoundingUp returns ceil(a*b/denominator).
func MulDivRoundingUp(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(a, b, denominator)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(a, b, denominator).IsZero() {
		return z, nil
	}
	if z.Eq(maxUint256) {
		return nil, fmt.Errorf("muldiv rounding up: %w", model.ErrOverflow)
	}
	return z.Add(z, one), nil
}

// DivRoundingUp returns ceil(a/b).
func DivRoundingUp(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, model.ErrDivisionByZero
	}
	z := new(uint256.Int).Div(a, b)
	if !new(uint256.Int).Mod(a, b).IsZero() {
		z.Add(z, one)
	}
	return z, nil
}

// WrappingSub returns (a - b) mod 2^256. Fee growth accumulators are allowed to wrap,
// so the elapsed growth between two snapshots is always this difference.
func WrappingSub(a, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sub(a, b)
}

// ToUint128 fails when v does not fit in 128 bits.
func ToUint128(v *uint256.Int) (*uint256.Int, error) {
	if v.Gt(MaxUint128) {
		return nil, fmt.Errorf("value %s exceeds uint128: %w", v.Dec(), model.ErrOverflow)
	}
	return v, nil
}

// AddUint128 returns a+b, failing if the sum leaves the uint128 range.
func AddUint128(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("add: %w", model.ErrOverflow)
	}
	return ToUint128(sum)
}

// ParseUint256 parses a base-10 string.
func ParseUint256(input string) (*uint256.Int, error) {
	if input == "" {
		return new(uint256.Int), nil
	}
	parsed, ok := new(big.Int).SetString(input, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("invalid uint256: %s", input)
	}
	v, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, fmt.Errorf("value %s exceeds uint256: %w", input, model.ErrOverflow)
	}
	return v, nil
}

// MustParseUint256 is ParseUint256 for constants.
func MustParseUint256(input string) *uint256.Int {
	v, err := ParseUint256(input)
	if err != nil {
		panic(err)
	}
	return v
}

// MinUint256 returns the smaller of a and b.
func MinUint256(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a
	}
	return b
}
