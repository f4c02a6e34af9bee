// Package gateway defines the boundary between the position ledger and the external pool engine.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidityLedger/internal/model"
)

// PoolGateway executes liquidity changes against the pool identified by a registry handle.
// Implementations must agree bit-for-bit with the pool's own fee growth and price arithmetic.
type PoolGateway interface {
	// CurrentPrice returns the pool's sqrt price as UQ64.96.
	CurrentPrice(ctx context.Context, poolHandle uint64) (*uint256.Int, error)
	// Deposit mints liquidity in the range and returns the token amounts it required.
	Deposit(ctx context.Context, poolHandle uint64, tickLower, tickUpper int32, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error)
	// Withdraw burns liquidity from the range and returns the token amounts released to the owner.
	// A zero amount only refreshes the range's fee growth.
	Withdraw(ctx context.Context, poolHandle uint64, tickLower, tickUpper int32, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error)
	// CollectPayout transfers up to the requested amounts to recipient and returns what was paid.
	CollectPayout(ctx context.Context, poolHandle uint64, tickLower, tickUpper int32, recipient common.Address, amount0, amount1 *uint256.Int) (*uint256.Int, *uint256.Int, error)
	// FeeGrowthSnapshot returns the range's fee growth inside accumulators (UQ128.128, wrapping).
	FeeGrowthSnapshot(ctx context.Context, poolHandle uint64, tickLower, tickUpper int32) (*uint256.Int, *uint256.Int, error)
}

// EntryResolver resolves a pool handle to its registry entry.
type EntryResolver interface {
	Entry(handle uint64) (model.PoolEntry, error)
}

// Rejected marks err as a pool rejection unless it already is one.
func Rejected(err error) error {
	if err == nil || errors.Is(err, model.ErrPoolRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrPoolRejected, err)
}
