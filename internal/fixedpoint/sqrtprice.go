package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"

	"liquidityLedger/internal/model"
)

// Amount0Delta returns the token0 amount between two sqrt prices for a liquidity amount:
// liquidity * 2^96 * (pb - pa) / pb / pa.
func Amount0Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if sqrtA.IsZero() {
		return nil, fmt.Errorf("amount0 delta: zero sqrt price: %w", model.ErrDivisionByZero)
	}
	if _, err := ToUint128(liquidity); err != nil {
		return nil, err
	}

	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(sqrtB, sqrtA)

	if roundUp {
		intermediate, err := MulDivRoundingUp(numerator1, numerator2, sqrtB)
		if err != nil {
			return nil, err
		}
		return DivRoundingUp(intermediate, sqrtA)
	}
	intermediate, err := MulDiv(numerator1, numerator2, sqrtB)
	if err != nil {
		return nil, err
	}
	return intermediate.Div(intermediate, sqrtA), nil
}

// Amount1Delta returns the token1 amount between two sqrt prices: liquidity * (pb - pa) / 2^96.
func Amount1Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return MulDivRoundingUp(liquidity, diff, Q96)
	}
	return MulDiv(liquidity, diff, Q96)
}
