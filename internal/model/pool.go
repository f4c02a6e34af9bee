package model

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PoolKey identifies a pool by its canonically ordered token pair and fee tier.
type PoolKey struct {
	Token0 common.Address `json:"token0"`
	Token1 common.Address `json:"token1"`
	Fee    uint32         `json:"fee"`
}

// NewPoolKey orders the token pair so that Token0 < Token1.
func NewPoolKey(tokenA, tokenB common.Address, fee uint32) (PoolKey, error) {
	switch bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) {
	case 0:
		return PoolKey{}, fmt.Errorf("identical tokens %s: %w", tokenA.Hex(), ErrInvalidRange)
	case 1:
		tokenA, tokenB = tokenB, tokenA
	}
	return PoolKey{Token0: tokenA, Token1: tokenB, Fee: fee}, nil
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Token0.Hex(), k.Token1.Hex(), k.Fee)
}

// PoolEntry maps a compact pool handle to the pool's address and key.
type PoolEntry struct {
	Handle  uint64
	Address common.Address
	Key     PoolKey
}
