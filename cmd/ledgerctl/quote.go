package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidityLedger/internal/chain"
	"liquidityLedger/internal/config"
	"liquidityLedger/internal/dex"
	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/gateway/sim"
	"liquidityLedger/internal/ledger"
	"liquidityLedger/internal/model"
	"liquidityLedger/internal/registry"
)

type quotedToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Raw     string `json:"raw"`
	Amount  string `json:"amount"`
}

type quoteOutput struct {
	ChainID       string      `json:"chain_id"`
	Block         uint64      `json:"block"`
	Pool          string      `json:"pool"`
	Fee           uint32      `json:"fee"`
	Tick          int32       `json:"tick"`
	SqrtPriceX96  string      `json:"sqrt_price_x96"`
	Price         string      `json:"price"`
	PoolLiquidity string      `json:"pool_liquidity"`
	TickLower     int32       `json:"tick_lower"`
	TickUpper     int32       `json:"tick_upper"`
	Liquidity     string      `json:"liquidity"`
	Token0        quotedToken `json:"token0"`
	Token1        quotedToken `json:"token1"`
}

// runQuote seeds a simulated pool from a live pool's slot0 and opens the requested range on it,
// reporting the liquidity the desired amounts buy and the amounts actually pulled.
func runQuote(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadQuote(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Pool) {
		return fmt.Errorf("valid pool address is required")
	}
	poolAddr := common.HexToAddress(cfg.Pool)
	desired0, err := fixedpoint.ParseUint256(cfg.Amount0)
	if err != nil {
		return fmt.Errorf("parse amount0: %w", err)
	}
	desired1, err := fixedpoint.ParseUint256(cfg.Amount1)
	if err != nil {
		return fmt.Errorf("parse amount1: %w", err)
	}
	var owner common.Address
	if cfg.Owner != "" {
		if !common.IsHexAddress(cfg.Owner) {
			return fmt.Errorf("invalid owner address %q", cfg.Owner)
		}
		owner = common.HexToAddress(cfg.Owner)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, nil)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID, err := chainClient.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	block, err := chainClient.PinBlock(ctx, cfg.Block)
	if err != nil {
		return err
	}
	logger.Info("quote start",
		zap.String("chain_id", chainID.String()),
		zap.String("pool", poolAddr.Hex()),
		zap.Uint64("block", block.Uint64()),
		zap.Int32("tick_lower", cfg.TickLower),
		zap.Int32("tick_upper", cfg.TickUpper),
	)

	reader := dex.NewPoolReader(chainClient, cfg.MaxRetries, cfg.RetryBackoff, logger)
	state, err := reader.PoolState(ctx, poolAddr, block)
	if err != nil {
		return err
	}
	key, err := model.NewPoolKey(common.HexToAddress(state.Token0), common.HexToAddress(state.Token1), state.Fee)
	if err != nil {
		return err
	}

	reg := registry.New()
	engine := sim.NewEngine(reg, logger.Named("sim"))
	l, err := ledger.New(ledger.Config{Registry: reg, Pool: engine, Logger: logger.Named("ledger")})
	if err != nil {
		return err
	}
	simAddr := l.PoolAddress(key)
	if simAddr != poolAddr {
		logger.Warn("pool address does not match the default factory derivation",
			zap.String("pool", poolAddr.Hex()),
			zap.String("derived", simAddr.Hex()),
		)
	}
	if err := engine.CreatePool(simAddr, key, state.TickSpacing, state.SqrtPriceX96); err != nil {
		return err
	}
	if owner != (common.Address{}) {
		growth, err := reader.PositionFeeGrowth(ctx, poolAddr, owner, cfg.TickLower, cfg.TickUpper, block)
		if err != nil {
			return err
		}
		if err := engine.SetFeeGrowth(simAddr, cfg.TickLower, cfg.TickUpper, growth.FeeGrowth0, growth.FeeGrowth1); err != nil {
			return err
		}
	}

	res, err := l.Open(ctx, ledger.OpenRequest{
		Caller:         owner,
		Key:            key,
		TickLower:      cfg.TickLower,
		TickUpper:      cfg.TickUpper,
		Amount0Desired: desired0,
		Amount1Desired: desired1,
	})
	if err != nil {
		return fmt.Errorf("quote: %s: %w", model.ErrorKind(err), err)
	}

	meta0, err := reader.TokenMeta(ctx, key.Token0)
	if err != nil {
		return err
	}
	meta1, err := reader.TokenMeta(ctx, key.Token1)
	if err != nil {
		return err
	}

	logger.Info("quote done",
		zap.String("token0", meta0.Label()),
		zap.String("token1", meta1.Label()),
		zap.String("liquidity", res.Liquidity.Dec()),
	)

	out := quoteOutput{
		ChainID:       chainID.String(),
		Block:         block.Uint64(),
		Pool:          poolAddr.Hex(),
		Fee:           state.Fee,
		Tick:          state.Tick,
		SqrtPriceX96:  state.SqrtPriceX96.Dec(),
		Price:         spotPrice(state.SqrtPriceX96, meta0.Decimals, meta1.Decimals).String(),
		PoolLiquidity: state.Liquidity.Dec(),
		TickLower:     cfg.TickLower,
		TickUpper:     cfg.TickUpper,
		Liquidity:     res.Liquidity.Dec(),
		Token0: quotedToken{
			Address: key.Token0.Hex(),
			Symbol:  meta0.Symbol,
			Raw:     res.Amount0.Dec(),
			Amount:  formatUnits(res.Amount0, meta0.Decimals),
		},
		Token1: quotedToken{
			Address: key.Token1.Hex(),
			Symbol:  meta1.Symbol,
			Raw:     res.Amount1.Dec(),
			Amount:  formatUnits(res.Amount1, meta1.Decimals),
		},
	}
	return writeJSON("-", out)
}
