// Package sim is an in-memory concentrated-liquidity pool engine. It implements gateway.PoolGateway with the
// same integer arithmetic as a V3 pool and stands in for swaps with explicit fee growth accrual.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/gateway"
	"liquidityLedger/internal/model"
)

var _ gateway.PoolGateway = (*Engine)(nil)

type rangeKey struct {
	lower int32
	upper int32
}

type rangeState struct {
	liquidity  *uint256.Int
	feeGrowth0 *uint256.Int
	feeGrowth1 *uint256.Int
	last0      *uint256.Int
	last1      *uint256.Int
	owed0      *uint256.Int
	owed1      *uint256.Int
}

func newRangeState() *rangeState {
	return &rangeState{
		liquidity:  new(uint256.Int),
		feeGrowth0: new(uint256.Int),
		feeGrowth1: new(uint256.Int),
		last0:      new(uint256.Int),
		last1:      new(uint256.Int),
		owed0:      new(uint256.Int),
		owed1:      new(uint256.Int),
	}
}

func (r *rangeState) clone() *rangeState {
	return &rangeState{
		liquidity:  r.liquidity.Clone(),
		feeGrowth0: r.feeGrowth0.Clone(),
		feeGrowth1: r.feeGrowth1.Clone(),
		last0:      r.last0.Clone(),
		last1:      r.last1.Clone(),
		owed0:      r.owed0.Clone(),
		owed1:      r.owed1.Clone(),
	}
}

// settle folds fee growth since the last update into the pool-side owed balances.
func (r *rangeState) settle() error {
	fees0, err := fixedpoint.MulDiv(fixedpoint.WrappingSub(r.feeGrowth0, r.last0), r.liquidity, fixedpoint.Q128)
	if err != nil {
		return err
	}
	fees1, err := fixedpoint.MulDiv(fixedpoint.WrappingSub(r.feeGrowth1, r.last1), r.liquidity, fixedpoint.Q128)
	if err != nil {
		return err
	}
	r.owed0.Add(r.owed0, fees0)
	r.owed1.Add(r.owed1, fees1)
	r.last0.Set(r.feeGrowth0)
	r.last1.Set(r.feeGrowth1)
	return nil
}

// Pool is the simulated state of one pool.
type Pool struct {
	Address     common.Address
	Key         model.PoolKey
	TickSpacing int32
	SqrtPrice   *uint256.Int
	Tick        int32
	ranges      map[rangeKey]*rangeState
}

func (p *Pool) clone() *Pool {
	out := *p
	out.SqrtPrice = p.SqrtPrice.Clone()
	out.ranges = make(map[rangeKey]*rangeState, len(p.ranges))
	for k, r := range p.ranges {
		out.ranges[k] = r.clone()
	}
	return &out
}

// Engine holds simulated pools keyed by address and routes gateway calls through registry handles.
type Engine struct {
	mu       sync.Mutex
	entries  gateway.EntryResolver
	pools    map[common.Address]*Pool
	balances map[common.Address]map[common.Address]*uint256.Int
	logger   *zap.Logger
}

func NewEngine(entries gateway.EntryResolver, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		entries:  entries,
		pools:    make(map[common.Address]*Pool),
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
		logger:   logger,
	}
}

// CreatePool initializes a pool at sqrtPrice. Creating an existing pool fails.
func (e *Engine) CreatePool(address common.Address, key model.PoolKey, tickSpacing int32, sqrtPrice *uint256.Int) error {
	if tickSpacing <= 0 {
		return fmt.Errorf("tick spacing must be positive")
	}
	tick, err := fixedpoint.TickAtSqrtPrice(sqrtPrice)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pools[address]; ok {
		return fmt.Errorf("pool %s already initialized", address.Hex())
	}
	e.pools[address] = &Pool{
		Address:     address,
		Key:         key,
		TickSpacing: tickSpacing,
		SqrtPrice:   sqrtPrice.Clone(),
		Tick:        tick,
		ranges:      make(map[rangeKey]*rangeState),
	}
	e.logger.Debug("pool created", zap.String("pool", address.Hex()), zap.Int32("tick", tick))
	return nil
}

// SetPrice moves a pool's price, as a swap would.
func (e *Engine) SetPrice(address common.Address, sqrtPrice *uint256.Int) error {
	tick, err := fixedpoint.TickAtSqrtPrice(sqrtPrice)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[address]
	if !ok {
		return fmt.Errorf("pool %s not initialized", address.Hex())
	}
	pool.SqrtPrice = sqrtPrice.Clone()
	pool.Tick = tick
	return nil
}

// AccrueFees adds growth to the range's fee growth accumulators, wrapping at 2^256.
func (e *Engine) AccrueFees(address common.Address, tickLower, tickUpper int32, growth0, growth1 *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.rangeLocked(address, tickLower, tickUpper)
	if err != nil {
		return err
	}
	state.feeGrowth0.Add(state.feeGrowth0, growth0)
	state.feeGrowth1.Add(state.feeGrowth1, growth1)
	return nil
}

// SetFeeGrowth overwrites the range's accumulators. Used to seed a range from a live pool.
func (e *Engine) SetFeeGrowth(address common.Address, tickLower, tickUpper int32, growth0, growth1 *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.rangeLocked(address, tickLower, tickUpper)
	if err != nil {
		return err
	}
	if !state.liquidity.IsZero() {
		if err := state.settle(); err != nil {
			return err
		}
	}
	state.feeGrowth0.Set(growth0)
	state.feeGrowth1.Set(growth1)
	state.last0.Set(growth0)
	state.last1.Set(growth1)
	return nil
}

// Pool returns a copy of a pool's state.
func (e *Engine) Pool(address common.Address) (Pool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[address]
	if !ok {
		return Pool{}, false
	}
	return *pool.clone(), true
}

// RangeLiquidity returns the total liquidity the pool holds for a range.
func (e *Engine) RangeLiquidity(address common.Address, tickLower, tickUpper int32) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[address]
	if !ok {
		return new(uint256.Int)
	}
	state, ok := pool.ranges[rangeKey{tickLower, tickUpper}]
	if !ok {
		return new(uint256.Int)
	}
	return state.liquidity.Clone()
}

// Balance returns the amount of token paid out to recipient so far.
func (e *Engine) Balance(recipient, token common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if book, ok := e.balances[recipient]; ok {
		if amount, ok := book[token]; ok {
			return amount.Clone()
		}
	}
	return new(uint256.Int)
}

func (e *Engine) rangeLocked(address common.Address, tickLower, tickUpper int32) (*rangeState, error) {
	pool, ok := e.pools[address]
	if !ok {
		return nil, fmt.Errorf("pool %s not initialized", address.Hex())
	}
	key := rangeKey{tickLower, tickUpper}
	state, ok := pool.ranges[key]
	if !ok {
		state = newRangeState()
		pool.ranges[key] = state
	}
	return state, nil
}

func (e *Engine) poolLocked(handle uint64) (*Pool, error) {
	if e.entries == nil {
		return nil, gateway.Rejected(fmt.Errorf("no pool registry"))
	}
	entry, err := e.entries.Entry(handle)
	if err != nil {
		return nil, gateway.Rejected(err)
	}
	pool, ok := e.pools[entry.Address]
	if !ok {
		return nil, gateway.Rejected(fmt.Errorf("pool %s not initialized", entry.Address.Hex()))
	}
	return pool, nil
}

func checkTicks(pool *Pool, tickLower, tickUpper int32) error {
	if tickLower >= tickUpper {
		return fmt.Errorf("tick lower %d >= tick upper %d: %w", tickLower, tickUpper, model.ErrInvalidRange)
	}
	if tickLower < fixedpoint.MinTick || tickUpper > fixedpoint.MaxTick {
		return fmt.Errorf("ticks [%d,%d] out of bounds: %w", tickLower, tickUpper, model.ErrInvalidRange)
	}
	if tickLower%pool.TickSpacing != 0 || tickUpper%pool.TickSpacing != 0 {
		return fmt.Errorf("ticks [%d,%d] not multiples of spacing %d: %w", tickLower, tickUpper, pool.TickSpacing, model.ErrInvalidRange)
	}
	return nil
}

// CurrentPrice implements gateway.PoolGateway.
func (e *Engine) CurrentPrice(_ context.Context, poolHandle uint64) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.poolLocked(poolHandle)
	if err != nil {
		return nil, err
	}
	return pool.SqrtPrice.Clone(), nil
}

// Deposit implements gateway.PoolGateway.
func (e *Engine) Deposit(_ context.Context, poolHandle uint64, tickLower, tickUpper int32, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.poolLocked(poolHandle)
	if err != nil {
		return nil, nil, err
	}
	if err := checkTicks(pool, tickLower, tickUpper); err != nil {
		return nil, nil, gateway.Rejected(err)
	}
	if liquidity.IsZero() {
		return nil, nil, gateway.Rejected(fmt.Errorf("zero liquidity"))
	}

	amount0, amount1, err := tokenDeltas(pool, tickLower, tickUpper, liquidity, true)
	if err != nil {
		return nil, nil, gateway.Rejected(err)
	}

	state, err := e.rangeLocked(pool.Address, tickLower, tickUpper)
	if err != nil {
		return nil, nil, gateway.Rejected(err)
	}
	if err := state.settle(); err != nil {
		return nil, nil, gateway.Rejected(err)
	}
	next, err := fixedpoint.AddUint128(state.liquidity, liquidity)
	if err != nil {
		return nil, nil, gateway.Rejected(err)
	}
	state.liquidity = next

	return amount0, amount1, nil
}

// Withdraw implements gateway.PoolGateway. Released amounts are credited to the range's owed balances.
func (e *Engine) Withdraw(_ context.Context, poolHandle uint64, tickLower, tickUpper int32, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.poolLocked(poolHandle)
	if err != nil {
		return nil, nil, err
	}
	if err := checkTicks(pool, tickLower, tickUpper); err != nil {
		return nil, nil, gateway.Rejected(err)
	}
	state, ok := pool.ranges[rangeKey{tickLower, tickUpper}]
	if !ok || state.liquidity.IsZero() {
		return nil, nil, gateway.Rejected(fmt.Errorf("no position in range [%d,%d]", tickLower, tickUpper))
	}
	if liquidity.Gt(state.liquidity) {
		return nil, nil, gateway.Rejected(fmt.Errorf("burn %s exceeds range liquidity %s", liquidity.Dec(), state.liquidity.Dec()))
	}

	if err := state.settle(); err != nil {
		return nil, nil, gateway.Rejected(err)
	}
	if liquidity.IsZero() {
		return new(uint256.Int), new(uint256.Int), nil
	}

	amount0, amount1, err := tokenDeltas(pool, tickLower, tickUpper, liquidity, false)
	if err != nil {
		return nil, nil, gateway.Rejected(err)
	}
	state.liquidity.Sub(state.liquidity, liquidity)
	state.owed0.Add(state.owed0, amount0)
	state.owed1.Add(state.owed1, amount1)
	return amount0, amount1, nil
}

// CollectPayout implements gateway.PoolGateway.
func (e *Engine) CollectPayout(_ context.Context, poolHandle uint64, tickLower, tickUpper int32, recipient common.Address, amount0, amount1 *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.poolLocked(poolHandle)
	if err != nil {
		return nil, nil, err
	}
	state, ok := pool.ranges[rangeKey{tickLower, tickUpper}]
	if !ok {
		return new(uint256.Int), new(uint256.Int), nil
	}

	paid0 := fixedpoint.MinUint256(amount0, state.owed0).Clone()
	paid1 := fixedpoint.MinUint256(amount1, state.owed1).Clone()
	state.owed0.Sub(state.owed0, paid0)
	state.owed1.Sub(state.owed1, paid1)
	e.credit(recipient, pool.Key.Token0, paid0)
	e.credit(recipient, pool.Key.Token1, paid1)
	return paid0, paid1, nil
}

// FeeGrowthSnapshot implements gateway.PoolGateway.
func (e *Engine) FeeGrowthSnapshot(_ context.Context, poolHandle uint64, tickLower, tickUpper int32) (*uint256.Int, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.poolLocked(poolHandle)
	if err != nil {
		return nil, nil, err
	}
	state, ok := pool.ranges[rangeKey{tickLower, tickUpper}]
	if !ok {
		return new(uint256.Int), new(uint256.Int), nil
	}
	return state.feeGrowth0.Clone(), state.feeGrowth1.Clone(), nil
}

func (e *Engine) credit(recipient, token common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	book, ok := e.balances[recipient]
	if !ok {
		book = make(map[common.Address]*uint256.Int)
		e.balances[recipient] = book
	}
	current, ok := book[token]
	if !ok {
		current = new(uint256.Int)
		book[token] = current
	}
	current.Add(current, amount)
}

// tokenDeltas mirrors the pool's mint/burn amount selection, which compares ticks rather than prices.
func tokenDeltas(pool *Pool, tickLower, tickUpper int32, liquidity *uint256.Int, roundUp bool) (*uint256.Int, *uint256.Int, error) {
	sqrtLower, err := fixedpoint.SqrtPriceAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtUpper, err := fixedpoint.SqrtPriceAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}

	amount0, amount1 := new(uint256.Int), new(uint256.Int)
	switch {
	case pool.Tick < tickLower:
		amount0, err = fixedpoint.Amount0Delta(sqrtLower, sqrtUpper, liquidity, roundUp)
	case pool.Tick < tickUpper:
		amount0, err = fixedpoint.Amount0Delta(pool.SqrtPrice, sqrtUpper, liquidity, roundUp)
		if err == nil {
			amount1, err = fixedpoint.Amount1Delta(sqrtLower, pool.SqrtPrice, liquidity, roundUp)
		}
	default:
		amount1, err = fixedpoint.Amount1Delta(sqrtLower, sqrtUpper, liquidity, roundUp)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}
