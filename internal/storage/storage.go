// Package storage persists ledger state: position records, pool registry entries and the two counters.
package storage

import (
	"context"
	"sort"
	"sync"

	"liquidityLedger/internal/model"
)

// State is everything a ledger needs to resume.
type State struct {
	Positions      []model.Position
	Pools          []model.PoolEntry
	NextTokenID    uint64
	NextPoolHandle uint64
}

// Changeset is the effect of one committed ledger operation.
type Changeset struct {
	Positions      []model.Position
	Deleted        []uint64
	Pools          []model.PoolEntry
	NextTokenID    uint64
	NextPoolHandle uint64
	Events         []model.LedgerEvent
}

// Store applies changesets atomically: either every part of a changeset is persisted or none is.
type Store interface {
	Load(ctx context.Context) (State, error)
	Commit(ctx context.Context, change Changeset) error
}

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu             sync.Mutex
	positions      map[uint64]model.Position
	pools          map[uint64]model.PoolEntry
	nextTokenID    uint64
	nextPoolHandle uint64
	events         []model.LedgerEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:      make(map[uint64]model.Position),
		pools:          make(map[uint64]model.PoolEntry),
		nextTokenID:    1,
		nextPoolHandle: 1,
	}
}

func (s *MemoryStore) Load(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{NextTokenID: s.nextTokenID, NextPoolHandle: s.nextPoolHandle}
	for _, pos := range s.positions {
		state.Positions = append(state.Positions, pos.Clone())
	}
	for _, entry := range s.pools {
		state.Pools = append(state.Pools, entry)
	}
	sortState(&state)
	return state, nil
}

func (s *MemoryStore) Commit(_ context.Context, change Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(s.positions, s.pools, change)
	if change.NextTokenID > s.nextTokenID {
		s.nextTokenID = change.NextTokenID
	}
	if change.NextPoolHandle > s.nextPoolHandle {
		s.nextPoolHandle = change.NextPoolHandle
	}
	s.events = append(s.events, change.Events...)
	return nil
}

// Events returns every event committed so far.
func (s *MemoryStore) Events() []model.LedgerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LedgerEvent, len(s.events))
	copy(out, s.events)
	return out
}

func apply(positions map[uint64]model.Position, pools map[uint64]model.PoolEntry, change Changeset) {
	for _, pos := range change.Positions {
		positions[pos.TokenID] = pos.Clone()
	}
	for _, id := range change.Deleted {
		delete(positions, id)
	}
	for _, entry := range change.Pools {
		pools[entry.Handle] = entry
	}
}

func sortState(state *State) {
	sort.Slice(state.Positions, func(i, j int) bool { return state.Positions[i].TokenID < state.Positions[j].TokenID })
	sort.Slice(state.Pools, func(i, j int) bool { return state.Pools[i].Handle < state.Pools[j].Handle })
}
