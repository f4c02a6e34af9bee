// Package registry assigns compact handles to pools so position records never repeat a full pool key.
package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liquidityLedger/internal/model"
)

// Registry maps pool addresses to sequential handles starting at 1. Handles are never reassigned.
type Registry struct {
	mu        sync.RWMutex
	next      uint64
	byAddress map[common.Address]uint64
	byHandle  map[uint64]model.PoolEntry
}

func New() *Registry {
	return &Registry{
		next:      1,
		byAddress: make(map[common.Address]uint64),
		byHandle:  make(map[uint64]model.PoolEntry),
	}
}

// Resolve returns the handle for address, assigning the next one on first sight.
func (r *Registry) Resolve(address common.Address, key model.PoolKey) (uint64, error) {
	r.mu.RLock()
	handle, ok := r.byAddress[address]
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if handle, ok := r.byAddress[address]; ok {
		return handle, nil
	}
	if r.next == math.MaxUint64 {
		return 0, fmt.Errorf("pool handle space exhausted: %w", model.ErrOverflow)
	}

	handle = r.next
	r.next++
	r.byAddress[address] = handle
	r.byHandle[handle] = model.PoolEntry{Handle: handle, Address: address, Key: key}
	return handle, nil
}

// KeyOf returns the pool key for a handle.
func (r *Registry) KeyOf(handle uint64) (model.PoolKey, error) {
	entry, err := r.Entry(handle)
	if err != nil {
		return model.PoolKey{}, err
	}
	return entry.Key, nil
}

// Entry returns the full registry entry for a handle.
func (r *Registry) Entry(handle uint64) (model.PoolEntry, error) {
	r.mu.RLock()
	entry, ok := r.byHandle[handle]
	r.mu.RUnlock()
	if !ok {
		return model.PoolEntry{}, fmt.Errorf("pool handle %d: %w", handle, model.ErrUnknownPool)
	}
	return entry, nil
}

// Next returns the handle the next new pool will receive.
func (r *Registry) Next() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}

// Mark returns a point Rollback can return to.
func (r *Registry) Mark() uint64 {
	return r.Next()
}

// Since returns the entries assigned at or after mark, ordered by handle.
func (r *Registry) Since(mark uint64) []model.PoolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.PoolEntry
	for handle := mark; handle < r.next; handle++ {
		if entry, ok := r.byHandle[handle]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// Rollback forgets every handle assigned at or after mark.
func (r *Registry) Rollback(mark uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mark < 1 || mark >= r.next {
		return
	}
	for handle := mark; handle < r.next; handle++ {
		if entry, ok := r.byHandle[handle]; ok {
			delete(r.byAddress, entry.Address)
			delete(r.byHandle, handle)
		}
	}
	r.next = mark
}

// Entries returns every entry ordered by handle.
func (r *Registry) Entries() []model.PoolEntry {
	r.mu.RLock()
	out := make([]model.PoolEntry, 0, len(r.byHandle))
	for _, entry := range r.byHandle {
		out = append(out, entry)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Restore replaces the registry content with persisted entries and counter.
func (r *Registry) Restore(entries []model.PoolEntry, next uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byAddress := make(map[common.Address]uint64, len(entries))
	byHandle := make(map[uint64]model.PoolEntry, len(entries))
	maxHandle := uint64(0)
	for _, entry := range entries {
		if entry.Handle == 0 {
			return fmt.Errorf("restore registry: handle 0 is reserved")
		}
		if _, dup := byAddress[entry.Address]; dup {
			return fmt.Errorf("restore registry: duplicate pool %s", entry.Address.Hex())
		}
		byAddress[entry.Address] = entry.Handle
		byHandle[entry.Handle] = entry
		if entry.Handle > maxHandle {
			maxHandle = entry.Handle
		}
	}
	if next <= maxHandle {
		next = maxHandle + 1
	}

	r.byAddress = byAddress
	r.byHandle = byHandle
	r.next = next
	return nil
}
