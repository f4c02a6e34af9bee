package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityLedger/internal/config"
	"liquidityLedger/internal/ledger"
	"liquidityLedger/internal/model"
	"liquidityLedger/internal/registry"
	"liquidityLedger/internal/storage"
	"liquidityLedger/internal/storage/postgres"
)

// backend bundles the configured store with its optional journal.
type backend struct {
	store       storage.Store
	journal     *storage.JournalSink
	journalPath string
	pg          *postgres.Store
}

func openBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*backend, error) {
	b := &backend{journalPath: cfg.Journal}
	switch cfg.Backend {
	case config.BackendFile:
		b.store = storage.NewFileStore(cfg.StateFile)
	case config.BackendPostgres:
		pg, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		b.pg = pg
		b.store = pg
	default:
		b.store = storage.NewMemoryStore()
	}
	if cfg.Journal != "" {
		b.journal = storage.NewJournalSink(cfg.Journal)
	}

	logger.Info("store ready",
		zap.String("backend", cfg.Backend),
		zap.String("state_file", cfg.StateFile),
		zap.String("journal", cfg.Journal),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
	)
	return b, nil
}

// sink returns the journal as an event sink, or nil when none is configured.
func (b *backend) sink() ledger.EventSink {
	if b.journal == nil {
		return nil
	}
	return b.journal
}

// history returns a position's events from Postgres or, failing that, the journal.
func (b *backend) history(ctx context.Context, tokenID uint64) ([]model.LedgerEvent, error) {
	if b.pg != nil {
		return b.pg.Events(ctx, tokenID)
	}
	if b.journalPath == "" {
		return nil, nil
	}
	all, err := storage.ReadJournal(b.journalPath)
	if err != nil {
		return nil, err
	}
	var out []model.LedgerEvent
	for _, event := range all {
		if event.TokenID == tokenID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (b *backend) Close() {
	if b.pg != nil {
		b.pg.Close()
	}
}

func addressDeriver(deployer, initCodeHash string) (registry.AddressDeriver, error) {
	d := registry.DefaultAddressDeriver()
	if deployer != "" {
		if !common.IsHexAddress(deployer) {
			return registry.AddressDeriver{}, fmt.Errorf("invalid deployer address %q", deployer)
		}
		d.Deployer = common.HexToAddress(deployer)
	}
	if initCodeHash != "" {
		raw := common.FromHex(initCodeHash)
		if len(raw) != common.HashLength {
			return registry.AddressDeriver{}, fmt.Errorf("invalid init code hash %q", initCodeHash)
		}
		d.InitCodeHash = common.BytesToHash(raw)
	}
	return d, nil
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
