package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityLedger/internal/config"
	"liquidityLedger/internal/model"
)

type positionView struct {
	TokenID     uint64              `json:"token_id"`
	State       string              `json:"state"`
	Nonce       uint64              `json:"nonce"`
	PoolHandle  uint64              `json:"pool_handle"`
	Pool        string              `json:"pool"`
	Token0      string              `json:"token0"`
	Token1      string              `json:"token1"`
	Fee         uint32              `json:"fee"`
	TickLower   int32               `json:"tick_lower"`
	TickUpper   int32               `json:"tick_upper"`
	Liquidity   string              `json:"liquidity"`
	TokensOwed0 string              `json:"tokens_owed0"`
	TokensOwed1 string              `json:"tokens_owed1"`
	Events      []model.LedgerEvent `json:"events,omitempty"`
}

func runPositions(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadPositions(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	decimals, err := parseDecimals(cfg.Decimals)
	if err != nil {
		return err
	}
	withEvents, _ := cmd.Flags().GetBool("events")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	state, err := b.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}
	pools := make(map[uint64]model.PoolEntry, len(state.Pools))
	for _, entry := range state.Pools {
		pools[entry.Handle] = entry
	}

	views := make([]positionView, 0, len(state.Positions))
	for _, pos := range state.Positions {
		entry, ok := pools[pos.PoolHandle]
		if !ok {
			return fmt.Errorf("position %d references pool handle %d: %w", pos.TokenID, pos.PoolHandle, model.ErrUnknownPool)
		}
		view := positionView{
			TokenID:     pos.TokenID,
			State:       pos.State().String(),
			Nonce:       pos.Nonce,
			PoolHandle:  pos.PoolHandle,
			Pool:        entry.Address.Hex(),
			Token0:      entry.Key.Token0.Hex(),
			Token1:      entry.Key.Token1.Hex(),
			Fee:         entry.Key.Fee,
			TickLower:   pos.TickLower,
			TickUpper:   pos.TickUpper,
			Liquidity:   pos.Liquidity.Dec(),
			TokensOwed0: displayAmount(pos.TokensOwed0, entry.Key.Token0, decimals),
			TokensOwed1: displayAmount(pos.TokensOwed1, entry.Key.Token1, decimals),
		}
		if withEvents {
			if view.Events, err = b.history(ctx, pos.TokenID); err != nil {
				return fmt.Errorf("load events for %d: %w", pos.TokenID, err)
			}
		}
		views = append(views, view)
	}

	logger.Info("positions loaded",
		zap.Int("positions", len(views)),
		zap.Int("pools", len(state.Pools)),
		zap.Uint64("next_token_id", state.NextTokenID),
	)
	return writeJSON("-", views)
}

// displayAmount formats with the token's decimals when known, otherwise in base units.
func displayAmount(amount *uint256.Int, token common.Address, decimals map[common.Address]uint8) string {
	if d, ok := decimals[token]; ok {
		return formatUnits(amount, d)
	}
	return amount.Dec()
}
