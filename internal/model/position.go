package model

import "github.com/holiman/uint256"

// PositionState is the lifecycle state of a position record.
type PositionState int

const (
	PositionNonExistent PositionState = iota
	PositionOpen
	PositionDrained
	PositionClosed
)

func (s PositionState) String() string {
	switch s {
	case PositionOpen:
		return "open"
	case PositionDrained:
		return "drained"
	case PositionClosed:
		return "closed"
	default:
		return "nonexistent"
	}
}

// Position is one liquidity claim held by the ledger.
type Position struct {
	TokenID              uint64
	Nonce                uint64
	PoolHandle           uint64
	TickLower            int32
	TickUpper            int32
	Liquidity            *uint256.Int
	FeeGrowthInside0Last *uint256.Int
	FeeGrowthInside1Last *uint256.Int
	TokensOwed0          *uint256.Int
	TokensOwed1          *uint256.Int
}

// Clone returns a deep copy so staged mutations never alias the committed record.
func (p Position) Clone() Position {
	out := p
	out.Liquidity = cloneOrZero(p.Liquidity)
	out.FeeGrowthInside0Last = cloneOrZero(p.FeeGrowthInside0Last)
	out.FeeGrowthInside1Last = cloneOrZero(p.FeeGrowthInside1Last)
	out.TokensOwed0 = cloneOrZero(p.TokensOwed0)
	out.TokensOwed1 = cloneOrZero(p.TokensOwed1)
	return out
}

// Cleared reports whether the position holds no liquidity and no owed tokens.
func (p Position) Cleared() bool {
	return isZero(p.Liquidity) && isZero(p.TokensOwed0) && isZero(p.TokensOwed1)
}

// State derives the lifecycle state from the record.
func (p Position) State() PositionState {
	if p.TokenID == 0 {
		return PositionNonExistent
	}
	if isZero(p.Liquidity) {
		return PositionDrained
	}
	return PositionOpen
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
