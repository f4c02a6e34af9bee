// Package postgres persists ledger state in Postgres with one transaction per committed operation.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquidityLedger/internal/model"
	"liquidityLedger/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	counterNextTokenID    = "next_token_id"
	counterNextPoolHandle = "next_pool_handle"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		ddl, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// Load reads every pool, position and counter.
func (s *Store) Load(ctx context.Context) (storage.State, error) {
	state := storage.State{NextTokenID: 1, NextPoolHandle: 1}

	rows, err := s.pool.Query(ctx, `SELECT handle, address, token0, token1, fee FROM pools ORDER BY handle`)
	if err != nil {
		return storage.State{}, fmt.Errorf("query pools: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.PoolRecord, error) {
		var r storage.PoolRecord
		var handle int64
		var fee int32
		err := row.Scan(&handle, &r.Address, &r.Token0, &r.Token1, &fee)
		r.Handle = uint64(handle)
		r.Fee = uint32(fee)
		return r, err
	})
	if err != nil {
		return storage.State{}, fmt.Errorf("scan pools: %w", err)
	}
	for _, record := range records {
		entry, err := record.Entry()
		if err != nil {
			return storage.State{}, err
		}
		state.Pools = append(state.Pools, entry)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT token_id, nonce, pool_handle, tick_lower, tick_upper,
			liquidity::text, fee_growth_inside0_last::text, fee_growth_inside1_last::text,
			tokens_owed0::text, tokens_owed1::text
		FROM positions ORDER BY token_id
	`)
	if err != nil {
		return storage.State{}, fmt.Errorf("query positions: %w", err)
	}
	positions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.PositionRecord, error) {
		var r storage.PositionRecord
		var tokenID, nonce, handle int64
		err := row.Scan(&tokenID, &nonce, &handle, &r.TickLower, &r.TickUpper,
			&r.Liquidity, &r.FeeGrowthInside0Last, &r.FeeGrowthInside1Last, &r.TokensOwed0, &r.TokensOwed1)
		r.TokenID = uint64(tokenID)
		r.Nonce = uint64(nonce)
		r.PoolHandle = uint64(handle)
		return r, err
	})
	if err != nil {
		return storage.State{}, fmt.Errorf("scan positions: %w", err)
	}
	for _, record := range positions {
		pos, err := record.Position()
		if err != nil {
			return storage.State{}, err
		}
		state.Positions = append(state.Positions, pos)
	}

	for name, dst := range map[string]*uint64{
		counterNextTokenID:    &state.NextTokenID,
		counterNextPoolHandle: &state.NextPoolHandle,
	} {
		value, ok, err := s.loadCounter(ctx, name)
		if err != nil {
			return storage.State{}, err
		}
		if ok {
			*dst = value
		}
	}
	return state, nil
}

// Commit applies a changeset in a single transaction.
func (s *Store) Commit(ctx context.Context, change storage.Changeset) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, entry := range change.Pools {
			record := storage.NewPoolRecord(entry)
			batch.Queue(`
				INSERT INTO pools (handle, address, token0, token1, fee, created_at)
				VALUES ($1, $2, $3, $4, $5, now())
				ON CONFLICT (handle) DO NOTHING
			`, int64(record.Handle), record.Address, record.Token0, record.Token1, int32(record.Fee))
		}
		for _, pos := range change.Positions {
			r := storage.NewPositionRecord(pos)
			batch.Queue(`
				INSERT INTO positions (
					token_id, nonce, pool_handle, tick_lower, tick_upper, liquidity,
					fee_growth_inside0_last, fee_growth_inside1_last, tokens_owed0, tokens_owed1, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8::text::numeric,
					$9::text::numeric, $10::text::numeric, now())
				ON CONFLICT (token_id)
				DO UPDATE SET
					nonce = EXCLUDED.nonce,
					liquidity = EXCLUDED.liquidity,
					fee_growth_inside0_last = EXCLUDED.fee_growth_inside0_last,
					fee_growth_inside1_last = EXCLUDED.fee_growth_inside1_last,
					tokens_owed0 = EXCLUDED.tokens_owed0,
					tokens_owed1 = EXCLUDED.tokens_owed1,
					updated_at = now()
			`,
				int64(r.TokenID),
				int64(r.Nonce),
				int64(r.PoolHandle),
				r.TickLower,
				r.TickUpper,
				r.Liquidity,
				r.FeeGrowthInside0Last,
				r.FeeGrowthInside1Last,
				r.TokensOwed0,
				r.TokensOwed1,
			)
		}
		for _, id := range change.Deleted {
			batch.Queue(`DELETE FROM positions WHERE token_id = $1`, int64(id))
		}
		for name, value := range map[string]uint64{
			counterNextTokenID:    change.NextTokenID,
			counterNextPoolHandle: change.NextPoolHandle,
		} {
			if value == 0 {
				continue
			}
			batch.Queue(`
				INSERT INTO ledger_counters (name, value, updated_at)
				VALUES ($1, $2, now())
				ON CONFLICT (name) DO UPDATE
				SET value = GREATEST(ledger_counters.value, EXCLUDED.value), updated_at = now()
			`, name, int64(value))
		}
		for _, event := range change.Events {
			batch.Queue(`
				INSERT INTO ledger_events (
					id, name, token_id, pool_handle, tick_lower, tick_upper, caller, recipient,
					liquidity, amount0, amount1, ts
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
					NULLIF($9, '')::numeric, NULLIF($10, '')::numeric, NULLIF($11, '')::numeric, $12)
			`,
				event.ID,
				event.Name,
				int64(event.TokenID),
				int64(event.PoolHandle),
				event.TickLower,
				event.TickUpper,
				event.Caller,
				event.Recipient,
				event.Liquidity,
				event.Amount0,
				event.Amount1,
				event.Timestamp,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Events returns the events recorded for a position, oldest first.
func (s *Store) Events(ctx context.Context, tokenID uint64) ([]model.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, token_id, pool_handle, tick_lower, tick_upper, caller, recipient,
			COALESCE(liquidity::text, ''), COALESCE(amount0::text, ''), COALESCE(amount1::text, ''), ts
		FROM ledger_events WHERE token_id = $1 ORDER BY ts, id
	`, int64(tokenID))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LedgerEvent, error) {
		var e model.LedgerEvent
		var id, handle int64
		err := row.Scan(&e.ID, &e.Name, &id, &handle, &e.TickLower, &e.TickUpper, &e.Caller, &e.Recipient,
			&e.Liquidity, &e.Amount0, &e.Amount1, &e.Timestamp)
		e.TokenID = uint64(id)
		e.PoolHandle = uint64(handle)
		return e, err
	})
}

func (s *Store) loadCounter(ctx context.Context, name string) (uint64, bool, error) {
	var value int64
	row := s.pool.QueryRow(ctx, `SELECT value FROM ledger_counters WHERE name=$1`, name)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(value), true, nil
}
