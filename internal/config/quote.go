package config

import (
	"time"

	"github.com/spf13/pflag"
)

// QuoteConfig holds configuration for quoting a deposit against a live pool.
type QuoteConfig struct {
	RPCURL       string
	Pool         string
	TickLower    int32
	TickUpper    int32
	Amount0      string
	Amount1      string
	Block        uint64
	Owner        string
	MaxRetries   int
	RetryBackoff time.Duration
	LogLevel     string
}

// LoadQuote merges config file, environment variables, and flags into QuoteConfig.
func LoadQuote(cfgFile string, flags *pflag.FlagSet) (QuoteConfig, error) {
	v, err := load(cfgFile, flags)
	if err != nil {
		return QuoteConfig{}, err
	}
	return QuoteConfig{
		RPCURL:       v.GetString("rpc"),
		Pool:         v.GetString("pool"),
		TickLower:    v.GetInt32("tick-lower"),
		TickUpper:    v.GetInt32("tick-upper"),
		Amount0:      v.GetString("amount0"),
		Amount1:      v.GetString("amount1"),
		Block:        v.GetUint64("block"),
		Owner:        v.GetString("owner"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		LogLevel:     v.GetString("log-level"),
	}, nil
}
