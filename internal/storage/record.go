package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/model"
)

// PositionRecord is the serialized form of a position. Amounts are base-10 strings.
type PositionRecord struct {
	TokenID              uint64 `json:"token_id"`
	Nonce                uint64 `json:"nonce"`
	PoolHandle           uint64 `json:"pool_handle"`
	TickLower            int32  `json:"tick_lower"`
	TickUpper            int32  `json:"tick_upper"`
	Liquidity            string `json:"liquidity"`
	FeeGrowthInside0Last string `json:"fee_growth_inside0_last"`
	FeeGrowthInside1Last string `json:"fee_growth_inside1_last"`
	TokensOwed0          string `json:"tokens_owed0"`
	TokensOwed1          string `json:"tokens_owed1"`
}

// PoolRecord is the serialized form of a registry entry.
type PoolRecord struct {
	Handle  uint64 `json:"handle"`
	Address string `json:"address"`
	Token0  string `json:"token0"`
	Token1  string `json:"token1"`
	Fee     uint32 `json:"fee"`
}

func NewPositionRecord(pos model.Position) PositionRecord {
	pos = pos.Clone()
	return PositionRecord{
		TokenID:              pos.TokenID,
		Nonce:                pos.Nonce,
		PoolHandle:           pos.PoolHandle,
		TickLower:            pos.TickLower,
		TickUpper:            pos.TickUpper,
		Liquidity:            pos.Liquidity.Dec(),
		FeeGrowthInside0Last: pos.FeeGrowthInside0Last.Dec(),
		FeeGrowthInside1Last: pos.FeeGrowthInside1Last.Dec(),
		TokensOwed0:          pos.TokensOwed0.Dec(),
		TokensOwed1:          pos.TokensOwed1.Dec(),
	}
}

// Position parses the record back into a position.
func (r PositionRecord) Position() (model.Position, error) {
	pos := model.Position{
		TokenID:    r.TokenID,
		Nonce:      r.Nonce,
		PoolHandle: r.PoolHandle,
		TickLower:  r.TickLower,
		TickUpper:  r.TickUpper,
	}
	var err error
	if pos.Liquidity, err = fixedpoint.ParseUint256(r.Liquidity); err != nil {
		return model.Position{}, fmt.Errorf("position %d liquidity: %w", r.TokenID, err)
	}
	if pos.FeeGrowthInside0Last, err = fixedpoint.ParseUint256(r.FeeGrowthInside0Last); err != nil {
		return model.Position{}, fmt.Errorf("position %d fee growth0: %w", r.TokenID, err)
	}
	if pos.FeeGrowthInside1Last, err = fixedpoint.ParseUint256(r.FeeGrowthInside1Last); err != nil {
		return model.Position{}, fmt.Errorf("position %d fee growth1: %w", r.TokenID, err)
	}
	if pos.TokensOwed0, err = fixedpoint.ParseUint256(r.TokensOwed0); err != nil {
		return model.Position{}, fmt.Errorf("position %d owed0: %w", r.TokenID, err)
	}
	if pos.TokensOwed1, err = fixedpoint.ParseUint256(r.TokensOwed1); err != nil {
		return model.Position{}, fmt.Errorf("position %d owed1: %w", r.TokenID, err)
	}
	return pos, nil
}

func NewPoolRecord(entry model.PoolEntry) PoolRecord {
	return PoolRecord{
		Handle:  entry.Handle,
		Address: entry.Address.Hex(),
		Token0:  entry.Key.Token0.Hex(),
		Token1:  entry.Key.Token1.Hex(),
		Fee:     entry.Key.Fee,
	}
}

// Entry parses the record back into a registry entry.
func (r PoolRecord) Entry() (model.PoolEntry, error) {
	for _, addr := range []string{r.Address, r.Token0, r.Token1} {
		if !common.IsHexAddress(addr) {
			return model.PoolEntry{}, fmt.Errorf("pool %d: invalid address %q", r.Handle, addr)
		}
	}
	return model.PoolEntry{
		Handle:  r.Handle,
		Address: common.HexToAddress(r.Address),
		Key: model.PoolKey{
			Token0: common.HexToAddress(r.Token0),
			Token1: common.HexToAddress(r.Token1),
			Fee:    r.Fee,
		},
	}, nil
}
