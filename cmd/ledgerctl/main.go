package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Concentrated-liquidity position ledger",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a YAML scenario against a simulated pool",
		RunE:  runSimulate,
	}

	simulateCmd.Flags().String("scenario", "", "scenario YAML path")
	addStoreFlags(simulateCmd)
	simulateCmd.Flags().String("deployer", "", "pool factory address used to derive pool addresses")
	simulateCmd.Flags().String("init-code-hash", "", "pool init code hash used to derive pool addresses")
	simulateCmd.Flags().String("report", "", "write the step report as JSON to this path (- for stdout)")
	simulateCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address after the run")
	simulateCmd.Flags().String("metrics-file", "", "write Prometheus metrics to this file after the run")
	simulateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(simulateCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote the liquidity and token amounts for a range on a live pool",
		RunE:  runQuote,
	}

	quoteCmd.Flags().String("rpc", "", "Ethereum RPC URL")
	quoteCmd.Flags().String("pool", "", "pool address")
	quoteCmd.Flags().Int32("tick-lower", 0, "lower tick of the range")
	quoteCmd.Flags().Int32("tick-upper", 0, "upper tick of the range")
	quoteCmd.Flags().String("amount0", "0", "desired token0 amount in base units")
	quoteCmd.Flags().String("amount1", "0", "desired token1 amount in base units")
	quoteCmd.Flags().Uint64("block", 0, "block to read at, 0 means latest")
	quoteCmd.Flags().String("owner", "", "seed the range's fee growth from this owner's pool position")
	quoteCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	quoteCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	quoteCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(quoteCmd)

	positionsCmd := &cobra.Command{
		Use:   "positions",
		Short: "List positions held in a ledger store",
		RunE:  runPositions,
	}

	addStoreFlags(positionsCmd)
	positionsCmd.Flags().StringSlice("decimals", nil, "token decimals for display (comma-separated address=decimals)")
	positionsCmd.Flags().Bool("events", false, "include each position's event history")
	positionsCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(positionsCmd)

	poolAddressCmd := &cobra.Command{
		Use:   "pool-address",
		Short: "Derive a pool's CREATE2 address from its token pair and fee",
		RunE:  runPoolAddress,
	}

	poolAddressCmd.Flags().String("token-a", "", "first token address")
	poolAddressCmd.Flags().String("token-b", "", "second token address")
	poolAddressCmd.Flags().Uint32("fee", 3000, "fee tier in hundredths of a bip")
	poolAddressCmd.Flags().String("deployer", "", "pool factory address (default: Uniswap V3 mainnet factory)")
	poolAddressCmd.Flags().String("init-code-hash", "", "pool init code hash (default: Uniswap V3)")

	root.AddCommand(poolAddressCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", "memory", "ledger store backend (memory, file, postgres)")
	cmd.Flags().String("state-file", "./data/ledger.json", "state file for the file store")
	cmd.Flags().String("journal", "", "optional JSONL event journal path")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN for the postgres store")
	cmd.Flags().Bool("migrate", false, "apply Postgres migrations before use")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
