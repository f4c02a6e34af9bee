package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidityLedger/internal/model"
)

// OpenRequest mints a new position owned by Recipient, or by Caller when Recipient is zero.
// A zero Deadline means no deadline.
type OpenRequest struct {
	Caller         common.Address
	Recipient      common.Address
	Key            model.PoolKey
	TickLower      int32
	TickUpper      int32
	Amount0Desired *uint256.Int
	Amount1Desired *uint256.Int
	Amount0Min     *uint256.Int
	Amount1Min     *uint256.Int
	Deadline       time.Time
}

type OpenResult struct {
	TokenID   uint64
	Liquidity *uint256.Int
	Amount0   *uint256.Int
	Amount1   *uint256.Int
}

// IncreaseRequest adds liquidity to an existing position.
type IncreaseRequest struct {
	Caller         common.Address
	TokenID        uint64
	Amount0Desired *uint256.Int
	Amount1Desired *uint256.Int
	Amount0Min     *uint256.Int
	Amount1Min     *uint256.Int
	Deadline       time.Time
}

type IncreaseResult struct {
	Liquidity *uint256.Int
	Amount0   *uint256.Int
	Amount1   *uint256.Int
}

// DecreaseRequest removes liquidity; released tokens become owed to the position.
type DecreaseRequest struct {
	Caller     common.Address
	TokenID    uint64
	Liquidity  *uint256.Int
	Amount0Min *uint256.Int
	Amount1Min *uint256.Int
	Deadline   time.Time
}

type DecreaseResult struct {
	Amount0 *uint256.Int
	Amount1 *uint256.Int
}

// CollectRequest pays out owed tokens. A zero Recipient pays the caller.
type CollectRequest struct {
	Caller     common.Address
	TokenID    uint64
	Recipient  common.Address
	Amount0Max *uint256.Int
	Amount1Max *uint256.Int
}

type CollectResult struct {
	Amount0 *uint256.Int
	Amount1 *uint256.Int
}

type CloseRequest struct {
	Caller  common.Address
	TokenID uint64
}

// PositionInfo is a position with its pool identity resolved.
type PositionInfo struct {
	model.Position
	Pool model.PoolEntry
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
