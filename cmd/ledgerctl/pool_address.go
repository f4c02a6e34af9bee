package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"liquidityLedger/internal/config"
	"liquidityLedger/internal/model"
)

func runPoolAddress(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadPoolAddress(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	if !common.IsHexAddress(cfg.TokenA) || !common.IsHexAddress(cfg.TokenB) {
		return fmt.Errorf("token-a and token-b must be addresses")
	}
	key, err := model.NewPoolKey(common.HexToAddress(cfg.TokenA), common.HexToAddress(cfg.TokenB), cfg.Fee)
	if err != nil {
		return err
	}
	deriver, err := addressDeriver(cfg.Deployer, cfg.InitCode)
	if err != nil {
		return err
	}

	return writeJSON("-", map[string]interface{}{
		"token0":  key.Token0.Hex(),
		"token1":  key.Token1.Hex(),
		"fee":     key.Fee,
		"address": deriver.Address(key).Hex(),
	})
}
