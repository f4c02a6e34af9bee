package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// StoreConfig selects where ledger state and events are persisted.
type StoreConfig struct {
	Backend   string
	StateFile string
	Journal   string
	PGDSN     string
	Migrate   bool
}

// SimulateConfig holds configuration for running a scenario.
type SimulateConfig struct {
	Scenario    string
	Store       StoreConfig
	Deployer    string
	InitCode    string
	Report      string
	MetricsAddr string
	MetricsFile string
	LogLevel    string
}

// PositionsConfig holds configuration for listing stored positions.
type PositionsConfig struct {
	Store    StoreConfig
	Decimals []string
	LogLevel string
}

// PoolAddressConfig holds configuration for deriving a pool address.
type PoolAddressConfig struct {
	TokenA   string
	TokenB   string
	Fee      uint32
	Deployer string
	InitCode string
}

// LoadSimulate merges config file, environment variables, and flags into SimulateConfig.
func LoadSimulate(cfgFile string, flags *pflag.FlagSet) (SimulateConfig, error) {
	v, err := load(cfgFile, flags)
	if err != nil {
		return SimulateConfig{}, err
	}
	store, err := storeConfig(v)
	if err != nil {
		return SimulateConfig{}, err
	}
	return SimulateConfig{
		Scenario:    v.GetString("scenario"),
		Store:       store,
		Deployer:    v.GetString("deployer"),
		InitCode:    v.GetString("init-code-hash"),
		Report:      v.GetString("report"),
		MetricsAddr: v.GetString("metrics-addr"),
		MetricsFile: v.GetString("metrics-file"),
		LogLevel:    v.GetString("log-level"),
	}, nil
}

// LoadPositions merges config file, environment variables, and flags into PositionsConfig.
func LoadPositions(cfgFile string, flags *pflag.FlagSet) (PositionsConfig, error) {
	v, err := load(cfgFile, flags)
	if err != nil {
		return PositionsConfig{}, err
	}
	store, err := storeConfig(v)
	if err != nil {
		return PositionsConfig{}, err
	}
	return PositionsConfig{
		Store:    store,
		Decimals: getStringSlice(v, "decimals"),
		LogLevel: v.GetString("log-level"),
	}, nil
}

// LoadPoolAddress merges config file, environment variables, and flags into PoolAddressConfig.
func LoadPoolAddress(cfgFile string, flags *pflag.FlagSet) (PoolAddressConfig, error) {
	v, err := load(cfgFile, flags)
	if err != nil {
		return PoolAddressConfig{}, err
	}
	return PoolAddressConfig{
		TokenA:   v.GetString("token-a"),
		TokenB:   v.GetString("token-b"),
		Fee:      v.GetUint32("fee"),
		Deployer: v.GetString("deployer"),
		InitCode: v.GetString("init-code-hash"),
	}, nil
}

func load(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("store", BackendMemory)
	v.SetDefault("state-file", "./data/ledger.json")
	v.SetDefault("journal", "")
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func storeConfig(v *viper.Viper) (StoreConfig, error) {
	cfg := StoreConfig{
		Backend:   strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		StateFile: v.GetString("state-file"),
		Journal:   v.GetString("journal"),
		PGDSN:     v.GetString("pg-dsn"),
		Migrate:   v.GetBool("migrate"),
	}
	switch cfg.Backend {
	case BackendMemory:
	case BackendFile:
		if cfg.StateFile == "" {
			return StoreConfig{}, fmt.Errorf("state file is required for the file store")
		}
	case BackendPostgres:
		if cfg.PGDSN == "" {
			return StoreConfig{}, fmt.Errorf("pg dsn is required for the postgres store")
		}
	default:
		return StoreConfig{}, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
