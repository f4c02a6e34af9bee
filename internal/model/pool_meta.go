package model

import "github.com/holiman/uint256"

// PoolState captures pool metadata and slot0 as read from a live pool.
type PoolState struct {
	Address      string       `json:"address"`
	Token0       string       `json:"token0"`
	Token1       string       `json:"token1"`
	Fee          uint32       `json:"fee"`
	TickSpacing  int32        `json:"tick_spacing"`
	SqrtPriceX96 *uint256.Int `json:"-"`
	Tick         int32        `json:"tick"`
	Liquidity    *uint256.Int `json:"-"`
}

// RangeFeeGrowth is the pool's fee growth snapshot for one owner and tick range.
type RangeFeeGrowth struct {
	Liquidity   *uint256.Int
	FeeGrowth0  *uint256.Int
	FeeGrowth1  *uint256.Int
	TokensOwed0 *uint256.Int
	TokensOwed1 *uint256.Int
}
