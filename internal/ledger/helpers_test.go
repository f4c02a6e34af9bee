package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/gateway/sim"
	"liquidityLedger/internal/model"
	"liquidityLedger/internal/registry"
	"liquidityLedger/internal/storage"
)

var (
	token0 = common.HexToAddress("0x1000000000000000000000000000000000000001")
	token1 = common.HexToAddress("0x2000000000000000000000000000000000000002")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	ledger  *Ledger
	engine  *sim.Engine
	reg     *registry.Registry
	store   *storage.MemoryStore
	key     model.PoolKey
	address common.Address
	now     time.Time
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		reg:   registry.New(),
		store: storage.NewMemoryStore(),
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = sim.NewEngine(f.reg, nil)

	key, err := model.NewPoolKey(token0, token1, 3000)
	require.NoError(t, err)
	f.key = key
	f.address = registry.DefaultAddressDeriver().Address(key)
	price, err := fixedpoint.SqrtPriceAtTick(0)
	require.NoError(t, err)
	require.NoError(t, f.engine.CreatePool(f.address, key, 60, price))

	cfg := Config{
		Registry: f.reg,
		Pool:     f.engine,
		Store:    f.store,
		Clock:    ClockFunc(func() time.Time { return f.now }),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.ledger, err = New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) openRequest() OpenRequest {
	return OpenRequest{
		Caller:         alice,
		Key:            f.key,
		TickLower:      -600,
		TickUpper:      600,
		Amount0Desired: u(1_000_000),
		Amount1Desired: u(1_000_000),
	}
}

// atomically runs op with all-or-nothing pool effects.
func (f *fixture) atomically(op func() error) error {
	return f.engine.Atomically(op)
}

func (f *fixture) open(t *testing.T) OpenResult {
	t.Helper()
	res, err := f.ledger.Open(context.Background(), f.openRequest())
	require.NoError(t, err)
	return res
}

func (f *fixture) position(t *testing.T, id uint64) model.Position {
	t.Helper()
	info, err := f.ledger.Position(id)
	require.NoError(t, err)
	return info.Position
}

// scriptedPool is a PoolGateway whose answers are set by the test.
type scriptedPool struct {
	mu        sync.Mutex
	price     *uint256.Int
	growth0   *uint256.Int
	growth1   *uint256.Int
	deposit0  *uint256.Int
	deposit1  *uint256.Int
	withdraw0 *uint256.Int
	withdraw1 *uint256.Int
	// shortfall is withheld from every payout.
	shortfall   *uint256.Int
	depositErr  error
	withdrawals []*uint256.Int
}

func newScriptedPool(t *testing.T) *scriptedPool {
	t.Helper()
	price, err := fixedpoint.SqrtPriceAtTick(0)
	require.NoError(t, err)
	return &scriptedPool{
		price:     price,
		growth0:   new(uint256.Int),
		growth1:   new(uint256.Int),
		deposit0:  u(10),
		deposit1:  u(10),
		withdraw0: new(uint256.Int),
		withdraw1: new(uint256.Int),
		shortfall: new(uint256.Int),
	}
}

func (p *scriptedPool) setGrowth(g0, g1 *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.growth0, p.growth1 = g0.Clone(), g1.Clone()
}

func (p *scriptedPool) CurrentPrice(context.Context, uint64) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price.Clone(), nil
}

func (p *scriptedPool) Deposit(context.Context, uint64, int32, int32, *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.depositErr != nil {
		return nil, nil, p.depositErr
	}
	return p.deposit0.Clone(), p.deposit1.Clone(), nil
}

func (p *scriptedPool) Withdraw(_ context.Context, _ uint64, _, _ int32, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawals = append(p.withdrawals, liquidity.Clone())
	if liquidity.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}
	return p.withdraw0.Clone(), p.withdraw1.Clone(), nil
}

func (p *scriptedPool) CollectPayout(_ context.Context, _ uint64, _, _ int32, _ common.Address, amount0, amount1 *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return short(amount0, p.shortfall), short(amount1, p.shortfall), nil
}

func (p *scriptedPool) FeeGrowthSnapshot(context.Context, uint64, int32, int32) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.growth0.Clone(), p.growth1.Clone(), nil
}

func short(amount, by *uint256.Int) *uint256.Int {
	if amount.Lt(by) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(amount, by)
}

func newScriptedLedger(t *testing.T, pool *scriptedPool) (*Ledger, model.PoolKey) {
	t.Helper()
	key, err := model.NewPoolKey(token0, token1, 500)
	require.NoError(t, err)
	l, err := New(Config{Pool: pool})
	require.NoError(t, err)
	return l, key
}

// failingStore rejects every commit after the first n.
type failingStore struct {
	*storage.MemoryStore
	allowed int
}

var errStoreDown = errors.New("store down")

func (s *failingStore) Commit(ctx context.Context, change storage.Changeset) error {
	if s.allowed <= 0 {
		return errStoreDown
	}
	s.allowed--
	return s.MemoryStore.Commit(ctx, change)
}

type recordingSink struct {
	events []model.LedgerEvent
}

func (s *recordingSink) PutEvents(_ context.Context, events []model.LedgerEvent) error {
	s.events = append(s.events, events...)
	return nil
}
