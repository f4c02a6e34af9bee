package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"liquidityLedger/internal/fixedpoint"
)

// formatUnits renders a base-unit amount with the token's decimals.
func formatUnits(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).String()
}

// spotPrice returns token1 per token0 in whole units: (sqrtPriceX96 / 2^96)^2 * 10^(decimals0 - decimals1).
func spotPrice(sqrtPriceX96 *uint256.Int, decimals0, decimals1 uint8) decimal.Decimal {
	sqrt := decimal.NewFromBigInt(sqrtPriceX96.ToBig(), 0).Div(decimal.NewFromBigInt(fixedpoint.Q96.ToBig(), 0))
	return sqrt.Mul(sqrt).Shift(int32(decimals0) - int32(decimals1))
}

// parseDecimals reads address=decimals pairs.
func parseDecimals(items []string) (map[common.Address]uint8, error) {
	out := make(map[common.Address]uint8, len(items))
	for _, item := range items {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid decimals entry %q (want address=decimals)", item)
		}
		addr := strings.TrimSpace(parts[0])
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid token address %q", addr)
		}
		value, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid decimals for %s: %w", addr, err)
		}
		out[common.HexToAddress(addr)] = uint8(value)
	}
	return out, nil
}
