package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"liquidityLedger/internal/model"
)

type fileSnapshot struct {
	NextTokenID    uint64           `json:"next_token_id"`
	NextPoolHandle uint64           `json:"next_pool_handle"`
	Pools          []PoolRecord     `json:"pools"`
	Positions      []PositionRecord `json:"positions"`
	UpdatedAt      string           `json:"updated_at"`
}

// FileStore persists the full ledger state as one JSON document, replaced atomically on every commit.
// Events are not kept; pair it with a JournalSink.
type FileStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	state  State
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return State{}, err
	}
	return copyState(s.state), nil
}

func (s *FileStore) Commit(_ context.Context, change Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	positions := make(map[uint64]model.Position, len(s.state.Positions))
	for _, pos := range s.state.Positions {
		positions[pos.TokenID] = pos
	}
	pools := make(map[uint64]model.PoolEntry, len(s.state.Pools))
	for _, entry := range s.state.Pools {
		pools[entry.Handle] = entry
	}
	apply(positions, pools, change)

	next := State{NextTokenID: s.state.NextTokenID, NextPoolHandle: s.state.NextPoolHandle}
	for _, pos := range positions {
		next.Positions = append(next.Positions, pos)
	}
	for _, entry := range pools {
		next.Pools = append(next.Pools, entry)
	}
	if change.NextTokenID > next.NextTokenID {
		next.NextTokenID = change.NextTokenID
	}
	if change.NextPoolHandle > next.NextPoolHandle {
		next.NextPoolHandle = change.NextPoolHandle
	}
	sortState(&next)

	if err := s.write(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}

	stat, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = State{NextTokenID: 1, NextPoolHandle: 1}
			s.loaded = true
			return nil
		}
		return fmt.Errorf("stat state file: %w", err)
	}
	if stat.IsDir() {
		return fmt.Errorf("state path is a directory")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}

	state := State{NextTokenID: snap.NextTokenID, NextPoolHandle: snap.NextPoolHandle}
	for _, record := range snap.Pools {
		entry, err := record.Entry()
		if err != nil {
			return fmt.Errorf("parse state file: %w", err)
		}
		state.Pools = append(state.Pools, entry)
	}
	for _, record := range snap.Positions {
		pos, err := record.Position()
		if err != nil {
			return fmt.Errorf("parse state file: %w", err)
		}
		state.Positions = append(state.Positions, pos)
	}
	sortState(&state)

	s.state = state
	s.loaded = true
	return nil
}

func (s *FileStore) write(state State) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	snap := fileSnapshot{
		NextTokenID:    state.NextTokenID,
		NextPoolHandle: state.NextPoolHandle,
		Pools:          make([]PoolRecord, 0, len(state.Pools)),
		Positions:      make([]PositionRecord, 0, len(state.Positions)),
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, entry := range state.Pools {
		snap.Pools = append(snap.Pools, NewPoolRecord(entry))
	}
	for _, pos := range state.Positions {
		snap.Positions = append(snap.Positions, NewPositionRecord(pos))
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

func copyState(state State) State {
	out := State{
		NextTokenID:    state.NextTokenID,
		NextPoolHandle: state.NextPoolHandle,
		Pools:          append([]model.PoolEntry(nil), state.Pools...),
		Positions:      make([]model.Position, 0, len(state.Positions)),
	}
	for _, pos := range state.Positions {
		out.Positions = append(out.Positions, pos.Clone())
	}
	return out
}
