package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Authorizer decides whether caller may modify a position.
type Authorizer interface {
	CanModify(ctx context.Context, caller common.Address, tokenID uint64) bool
}

// OwnerRecorder is implemented by authorizers that learn ownership from newly opened positions.
type OwnerRecorder interface {
	SetOwner(tokenID uint64, owner common.Address)
}

// AllowAll authorizes every caller.
type AllowAll struct{}

func (AllowAll) CanModify(context.Context, common.Address, uint64) bool { return true }

// OwnerBook authorizes a position's owner and the operators the owner approved.
type OwnerBook struct {
	mu        sync.RWMutex
	owners    map[uint64]common.Address
	operators map[common.Address]map[common.Address]bool
}

func NewOwnerBook() *OwnerBook {
	return &OwnerBook{
		owners:    make(map[uint64]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

func (b *OwnerBook) SetOwner(tokenID uint64, owner common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[tokenID] = owner
}

func (b *OwnerBook) Owner(tokenID uint64) (common.Address, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	owner, ok := b.owners[tokenID]
	return owner, ok
}

// SetOperator grants or revokes operator rights over all of owner's positions.
func (b *OwnerBook) SetOperator(owner, operator common.Address, approved bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops, ok := b.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		b.operators[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
}

func (b *OwnerBook) CanModify(_ context.Context, caller common.Address, tokenID uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	owner, ok := b.owners[tokenID]
	if !ok {
		return false
	}
	return owner == caller || b.operators[owner][caller]
}

// Clock supplies the time deadlines are checked against.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
