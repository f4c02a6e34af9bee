// Package liquidity converts desired token deposits into the largest liquidity amount they can fund.
package liquidity

import (
	"fmt"

	"github.com/holiman/uint256"

	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/model"
)

// Compute returns the maximum liquidity for desired0/desired1 in the range [sqrtLower, sqrtUpper]
// at the current price. All division floors, so the deposit never needs more than desired.
func Compute(current, sqrtLower, sqrtUpper, desired0, desired1 *uint256.Int) (*uint256.Int, error) {
	if sqrtLower.Gt(sqrtUpper) {
		sqrtLower, sqrtUpper = sqrtUpper, sqrtLower
	}

	switch {
	case current.Cmp(sqrtLower) <= 0:
		return ForAmount0(sqrtLower, sqrtUpper, desired0)
	case current.Lt(sqrtUpper):
		liquidity0, err := ForAmount0(current, sqrtUpper, desired0)
		if err != nil {
			return nil, err
		}
		liquidity1, err := ForAmount1(sqrtLower, current, desired1)
		if err != nil {
			return nil, err
		}
		return fixedpoint.MinUint256(liquidity0, liquidity1), nil
	default:
		return ForAmount1(sqrtLower, sqrtUpper, desired1)
	}
}

// ForAmount0 returns amount0 * (pa*pb/2^96) / (pb - pa).
func ForAmount0(sqrtA, sqrtB, amount0 *uint256.Int) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	intermediate, err := fixedpoint.MulDiv(sqrtA, sqrtB, fixedpoint.Q96)
	if err != nil {
		return nil, err
	}
	liquidity, err := fixedpoint.MulDiv(amount0, intermediate, new(uint256.Int).Sub(sqrtB, sqrtA))
	if err != nil {
		return nil, fmt.Errorf("liquidity for amount0: %w", err)
	}
	return fixedpoint.ToUint128(liquidity)
}

// ForAmount1 returns amount1 * 2^96 / (pb - pa).
func ForAmount1(sqrtA, sqrtB, amount1 *uint256.Int) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	liquidity, err := fixedpoint.MulDiv(amount1, fixedpoint.Q96, new(uint256.Int).Sub(sqrtB, sqrtA))
	if err != nil {
		return nil, fmt.Errorf("liquidity for amount1: %w", err)
	}
	return fixedpoint.ToUint128(liquidity)
}

// AmountsFor returns the token amounts a liquidity amount represents at the current price, rounded down.
func AmountsFor(current, sqrtLower, sqrtUpper, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if sqrtLower.Gt(sqrtUpper) {
		sqrtLower, sqrtUpper = sqrtUpper, sqrtLower
	}
	if sqrtLower.Eq(sqrtUpper) {
		return nil, nil, fmt.Errorf("empty price range: %w", model.ErrInvalidRange)
	}

	amount0, amount1 := new(uint256.Int), new(uint256.Int)
	var err error
	switch {
	case current.Cmp(sqrtLower) <= 0:
		amount0, err = fixedpoint.Amount0Delta(sqrtLower, sqrtUpper, liquidity, false)
	case current.Lt(sqrtUpper):
		amount0, err = fixedpoint.Amount0Delta(current, sqrtUpper, liquidity, false)
		if err == nil {
			amount1, err = fixedpoint.Amount1Delta(sqrtLower, current, liquidity, false)
		}
	default:
		amount1, err = fixedpoint.Amount1Delta(sqrtLower, sqrtUpper, liquidity, false)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}
