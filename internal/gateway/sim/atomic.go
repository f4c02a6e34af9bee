package sim

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// Snapshot is a deep copy of the engine state.
type Snapshot struct {
	pools    map[common.Address]*Pool
	balances map[common.Address]map[common.Address]*uint256.Int
}

// Snapshot captures the engine state for a later Restore.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		pools:    make(map[common.Address]*Pool, len(e.pools)),
		balances: make(map[common.Address]map[common.Address]*uint256.Int, len(e.balances)),
	}
	for addr, pool := range e.pools {
		snap.pools[addr] = pool.clone()
	}
	for recipient, book := range e.balances {
		copied := make(map[common.Address]*uint256.Int, len(book))
		for token, amount := range book {
			copied[token] = amount.Clone()
		}
		snap.balances[recipient] = copied
	}
	return snap
}

// Restore resets the engine to a snapshot.
func (e *Engine) Restore(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools = snap.pools
	e.balances = snap.balances
}

// Atomically runs fn and reverts every pool effect if it fails, giving ledger operations
// all-or-nothing semantics across the ledger and the pool.
func (e *Engine) Atomically(fn func() error) error {
	snap := e.Snapshot()
	if err := fn(); err != nil {
		e.Restore(snap)
		e.logger.Debug("pool effects reverted", zap.Error(err))
		return err
	}
	return nil
}
