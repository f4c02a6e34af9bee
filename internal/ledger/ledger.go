// Package ledger keeps the authoritative set of liquidity positions and their owed fee balances.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/gateway"
	"liquidityLedger/internal/liquidity"
	"liquidityLedger/internal/model"
	"liquidityLedger/internal/observability"
	"liquidityLedger/internal/registry"
	"liquidityLedger/internal/storage"
)

// EventSink receives the events of committed operations.
type EventSink interface {
	PutEvents(ctx context.Context, events []model.LedgerEvent) error
}

// Config wires a ledger to its collaborators. Only Pool is required.
type Config struct {
	Registry *registry.Registry
	Deriver  registry.AddressDeriver
	Pool     gateway.PoolGateway
	Store    storage.Store
	Events   EventSink
	Auth     Authorizer
	Clock    Clock
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Ledger serializes every operation; each one either commits fully or leaves no trace in the ledger,
// the registry or the store. Pool effects of a failed operation are reverted by the caller's execution
// boundary.
type Ledger struct {
	mu        sync.Mutex
	registry  *registry.Registry
	deriver   registry.AddressDeriver
	pool      gateway.PoolGateway
	store     storage.Store
	events    EventSink
	auth      Authorizer
	clock     Clock
	metrics   *observability.Metrics
	logger    *zap.Logger
	nextID    uint64
	positions map[uint64]model.Position
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool gateway is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Deriver == (registry.AddressDeriver{}) {
		cfg.Deriver = registry.DefaultAddressDeriver()
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Auth == nil {
		cfg.Auth = AllowAll{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Ledger{
		registry:  cfg.Registry,
		deriver:   cfg.Deriver,
		pool:      cfg.Pool,
		store:     cfg.Store,
		events:    cfg.Events,
		auth:      cfg.Auth,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		nextID:    1,
		positions: make(map[uint64]model.Position),
	}, nil
}

// Registry returns the pool registry the ledger resolves handles with.
func (l *Ledger) Registry() *registry.Registry {
	return l.registry
}

// PoolAddress returns the address the ledger derives for key.
func (l *Ledger) PoolAddress(key model.PoolKey) common.Address {
	return l.deriver.Address(key)
}

// Load replaces the in-memory state with the store's.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger state: %w", err)
	}
	if err := l.registry.Restore(state.Pools, state.NextPoolHandle); err != nil {
		return err
	}

	positions := make(map[uint64]model.Position, len(state.Positions))
	nextID := state.NextTokenID
	if nextID == 0 {
		nextID = 1
	}
	for _, pos := range state.Positions {
		if pos.TokenID == 0 {
			return fmt.Errorf("load ledger state: position with reserved id 0")
		}
		if _, err := l.registry.Entry(pos.PoolHandle); err != nil {
			return fmt.Errorf("load position %d: %w", pos.TokenID, err)
		}
		positions[pos.TokenID] = pos.Clone()
		if pos.TokenID >= nextID {
			nextID = pos.TokenID + 1
		}
	}
	l.positions = positions
	l.nextID = nextID
	l.metrics.SetPositions(len(positions))
	l.logger.Info("ledger state loaded",
		zap.Int("positions", len(positions)),
		zap.Int("pools", len(state.Pools)),
		zap.Uint64("next_token_id", nextID),
	)
	return nil
}

// Position returns a copy of a position with its pool entry.
func (l *Ledger) Position(tokenID uint64) (PositionInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, err := l.positionLocked(tokenID)
	if err != nil {
		return PositionInfo{}, err
	}
	entry, err := l.registry.Entry(pos.PoolHandle)
	if err != nil {
		return PositionInfo{}, err
	}
	return PositionInfo{Position: pos, Pool: entry}, nil
}

// Positions returns every position ordered by id.
func (l *Ledger) Positions() []PositionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PositionInfo, 0, len(l.positions))
	for _, pos := range l.positions {
		entry, _ := l.registry.Entry(pos.PoolHandle)
		out = append(out, PositionInfo{Position: pos.Clone(), Pool: entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// NextTokenID returns the id the next opened position will receive.
func (l *Ledger) NextTokenID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

// Open mints liquidity in a new position.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (res OpenResult, err error) {
	started := time.Now()
	defer func() { l.metrics.RecordOperation("open", started, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkDeadline(req.Deadline); err != nil {
		return OpenResult{}, err
	}
	if req.TickLower >= req.TickUpper {
		return OpenResult{}, fmt.Errorf("open: tick lower %d >= tick upper %d: %w", req.TickLower, req.TickUpper, model.ErrInvalidRange)
	}
	key, err := model.NewPoolKey(req.Key.Token0, req.Key.Token1, req.Key.Fee)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open: %w", err)
	}

	mark := l.registry.Mark()
	committed := false
	defer func() {
		if !committed {
			l.registry.Rollback(mark)
		}
	}()

	handle, err := l.registry.Resolve(l.deriver.Address(key), key)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open: %w", err)
	}

	added, amount0, amount1, err := l.addLiquidity(ctx, handle, req.TickLower, req.TickUpper,
		req.Amount0Desired, req.Amount1Desired, req.Amount0Min, req.Amount1Min)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open: %w", err)
	}
	growth0, growth1, err := l.pool.FeeGrowthSnapshot(ctx, handle, req.TickLower, req.TickUpper)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open: %w", gateway.Rejected(err))
	}

	if l.nextID == ^uint64(0) {
		return OpenResult{}, fmt.Errorf("open: token id space exhausted: %w", model.ErrOverflow)
	}
	pos := model.Position{
		TokenID:              l.nextID,
		PoolHandle:           handle,
		TickLower:            req.TickLower,
		TickUpper:            req.TickUpper,
		Liquidity:            added.Clone(),
		FeeGrowthInside0Last: growth0.Clone(),
		FeeGrowthInside1Last: growth1.Clone(),
		TokensOwed0:          new(uint256.Int),
		TokensOwed1:          new(uint256.Int),
	}

	owner := req.Recipient
	if owner == (common.Address{}) {
		owner = req.Caller
	}
	event := l.newEvent(model.EventOpen, pos)
	event.Caller = req.Caller.Hex()
	event.Recipient = owner.Hex()
	event.Liquidity = added.Dec()
	event.Amount0 = amount0.Dec()
	event.Amount1 = amount1.Dec()

	change := storage.Changeset{
		Positions:      []model.Position{pos},
		Pools:          l.registry.Since(mark),
		NextTokenID:    pos.TokenID + 1,
		NextPoolHandle: l.registry.Next(),
		Events:         []model.LedgerEvent{event},
	}
	if err := l.commit(ctx, change); err != nil {
		return OpenResult{}, fmt.Errorf("open: %w", err)
	}
	committed = true
	l.nextID++
	l.positions[pos.TokenID] = pos
	if recorder, ok := l.auth.(OwnerRecorder); ok {
		recorder.SetOwner(pos.TokenID, owner)
	}
	l.publish(ctx, change.Events)

	l.logger.Info("position opened",
		zap.Uint64("token_id", pos.TokenID),
		zap.Uint64("pool_handle", handle),
		zap.Int32("tick_lower", pos.TickLower),
		zap.Int32("tick_upper", pos.TickUpper),
		zap.String("liquidity", added.Dec()),
	)
	return OpenResult{
		TokenID:   pos.TokenID,
		Liquidity: added,
		Amount0:   amount0,
		Amount1:   amount1,
	}, nil
}

// Increase adds liquidity to a position, accruing fees earned by its previous liquidity.
func (l *Ledger) Increase(ctx context.Context, req IncreaseRequest) (res IncreaseResult, err error) {
	started := time.Now()
	defer func() { l.metrics.RecordOperation("increase", started, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkDeadline(req.Deadline); err != nil {
		return IncreaseResult{}, err
	}
	pos, err := l.positionLocked(req.TokenID)
	if err != nil {
		return IncreaseResult{}, fmt.Errorf("increase: %w", err)
	}
	if _, err := l.registry.KeyOf(pos.PoolHandle); err != nil {
		return IncreaseResult{}, fmt.Errorf("increase: %w", err)
	}

	added, amount0, amount1, err := l.addLiquidity(ctx, pos.PoolHandle, pos.TickLower, pos.TickUpper,
		req.Amount0Desired, req.Amount1Desired, req.Amount0Min, req.Amount1Min)
	if err != nil {
		return IncreaseResult{}, fmt.Errorf("increase: %w", err)
	}
	if err := l.accrue(ctx, &pos); err != nil {
		return IncreaseResult{}, fmt.Errorf("increase: %w", err)
	}
	if pos.Liquidity, err = fixedpoint.AddUint128(pos.Liquidity, added); err != nil {
		return IncreaseResult{}, fmt.Errorf("increase: liquidity: %w", err)
	}
	pos.Nonce++

	event := l.newEvent(model.EventIncreaseLiquidity, pos)
	event.Caller = req.Caller.Hex()
	event.Liquidity = added.Dec()
	event.Amount0 = amount0.Dec()
	event.Amount1 = amount1.Dec()
	if err := l.save(ctx, pos, event); err != nil {
		return IncreaseResult{}, fmt.Errorf("increase: %w", err)
	}

	l.logger.Info("liquidity increased",
		zap.Uint64("token_id", pos.TokenID),
		zap.String("liquidity", added.Dec()),
		zap.String("amount0", amount0.Dec()),
		zap.String("amount1", amount1.Dec()),
	)
	return IncreaseResult{Liquidity: added, Amount0: amount0, Amount1: amount1}, nil
}

// Decrease burns liquidity from a position. Released tokens are credited to the owed balances.
func (l *Ledger) Decrease(ctx context.Context, req DecreaseRequest) (res DecreaseResult, err error) {
	started := time.Now()
	defer func() { l.metrics.RecordOperation("decrease", started, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkDeadline(req.Deadline); err != nil {
		return DecreaseResult{}, err
	}
	pos, err := l.authorizedPosition(ctx, req.Caller, req.TokenID)
	if err != nil {
		return DecreaseResult{}, fmt.Errorf("decrease: %w", err)
	}
	remove := orZero(req.Liquidity)
	if remove.IsZero() {
		return DecreaseResult{}, fmt.Errorf("decrease: zero liquidity: %w", model.ErrInvalidRange)
	}
	if remove.Gt(pos.Liquidity) {
		return DecreaseResult{}, fmt.Errorf("decrease: %s exceeds position liquidity %s: %w",
			remove.Dec(), pos.Liquidity.Dec(), model.ErrInsufficientLiquidity)
	}

	amount0, amount1, err := l.pool.Withdraw(ctx, pos.PoolHandle, pos.TickLower, pos.TickUpper, remove)
	if err != nil {
		return DecreaseResult{}, fmt.Errorf("decrease: %w", gateway.Rejected(err))
	}
	if err := checkSlippage(amount0, amount1, req.Amount0Min, req.Amount1Min); err != nil {
		return DecreaseResult{}, fmt.Errorf("decrease: %w", err)
	}
	if err := l.accrue(ctx, &pos); err != nil {
		return DecreaseResult{}, fmt.Errorf("decrease: %w", err)
	}
	if pos.TokensOwed0, err = fixedpoint.AddUint128(pos.TokensOwed0, amount0); err != nil {
		return DecreaseResult{}, fmt.Errorf("decrease: tokens owed0: %w", err)
	}
	if pos.TokensOwed1, err = fixedpoint.AddUint128(pos.TokensOwed1, amount1); err != nil {
		return DecreaseResult{}, fmt.Errorf("decrease: tokens owed1: %w", err)
	}
	pos.Liquidity = new(uint256.Int).Sub(pos.Liquidity, remove)
	pos.Nonce++

	event := l.newEvent(model.EventDecreaseLiquidity, pos)
	event.Caller = req.Caller.Hex()
	event.Liquidity = remove.Dec()
	event.Amount0 = amount0.Dec()
	event.Amount1 = amount1.Dec()
	if err := l.save(ctx, pos, event); err != nil {
		return DecreaseResult{}, fmt.Errorf("decrease: %w", err)
	}

	l.logger.Info("liquidity decreased",
		zap.Uint64("token_id", pos.TokenID),
		zap.String("liquidity", remove.Dec()),
		zap.String("amount0", amount0.Dec()),
		zap.String("amount1", amount1.Dec()),
		zap.String("state", pos.State().String()),
	)
	return DecreaseResult{Amount0: amount0, Amount1: amount1}, nil
}

// Collect pays up to the requested maxima of the position's owed tokens to the recipient.
// The requested amounts, not the pool's returned amounts, are deducted so owed balances can always reach zero.
func (l *Ledger) Collect(ctx context.Context, req CollectRequest) (res CollectResult, err error) {
	started := time.Now()
	defer func() { l.metrics.RecordOperation("collect", started, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	max0, max1 := orZero(req.Amount0Max), orZero(req.Amount1Max)
	if max0.IsZero() && max1.IsZero() {
		return CollectResult{}, fmt.Errorf("collect: nothing requested: %w", model.ErrInvalidRange)
	}
	pos, err := l.authorizedPosition(ctx, req.Caller, req.TokenID)
	if err != nil {
		return CollectResult{}, fmt.Errorf("collect: %w", err)
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Caller
	}

	if !pos.Liquidity.IsZero() {
		zero := new(uint256.Int)
		if _, _, err := l.pool.Withdraw(ctx, pos.PoolHandle, pos.TickLower, pos.TickUpper, zero); err != nil {
			return CollectResult{}, fmt.Errorf("collect: poke: %w", gateway.Rejected(err))
		}
		if err := l.accrue(ctx, &pos); err != nil {
			return CollectResult{}, fmt.Errorf("collect: %w", err)
		}
	}

	request0 := fixedpoint.MinUint256(pos.TokensOwed0, max0).Clone()
	request1 := fixedpoint.MinUint256(pos.TokensOwed1, max1).Clone()
	paid0, paid1, err := l.pool.CollectPayout(ctx, pos.PoolHandle, pos.TickLower, pos.TickUpper, recipient, request0, request1)
	if err != nil {
		return CollectResult{}, fmt.Errorf("collect: %w", gateway.Rejected(err))
	}
	pos.TokensOwed0 = new(uint256.Int).Sub(pos.TokensOwed0, request0)
	pos.TokensOwed1 = new(uint256.Int).Sub(pos.TokensOwed1, request1)
	pos.Nonce++

	event := l.newEvent(model.EventCollect, pos)
	event.Caller = req.Caller.Hex()
	event.Recipient = recipient.Hex()
	event.Amount0 = paid0.Dec()
	event.Amount1 = paid1.Dec()
	if err := l.save(ctx, pos, event); err != nil {
		return CollectResult{}, fmt.Errorf("collect: %w", err)
	}

	l.logger.Info("fees collected",
		zap.Uint64("token_id", pos.TokenID),
		zap.String("recipient", recipient.Hex()),
		zap.String("amount0", paid0.Dec()),
		zap.String("amount1", paid1.Dec()),
	)
	return CollectResult{Amount0: paid0, Amount1: paid1}, nil
}

// Close deletes a cleared position. Its id is never reused.
func (l *Ledger) Close(ctx context.Context, req CloseRequest) (err error) {
	started := time.Now()
	defer func() { l.metrics.RecordOperation("close", started, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, err := l.authorizedPosition(ctx, req.Caller, req.TokenID)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if !pos.Cleared() {
		return fmt.Errorf("close: position %d holds liquidity %s, owed (%s, %s): %w",
			pos.TokenID, pos.Liquidity.Dec(), pos.TokensOwed0.Dec(), pos.TokensOwed1.Dec(), model.ErrNotCleared)
	}

	event := l.newEvent(model.EventClose, pos)
	event.Caller = req.Caller.Hex()
	change := storage.Changeset{
		Deleted: []uint64{pos.TokenID},
		Events:  []model.LedgerEvent{event},
	}
	if err := l.commit(ctx, change); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	delete(l.positions, pos.TokenID)
	l.publish(ctx, change.Events)

	l.logger.Info("position closed", zap.Uint64("token_id", pos.TokenID))
	return nil
}

// addLiquidity prices the range, resolves the largest fundable liquidity and deposits it.
func (l *Ledger) addLiquidity(ctx context.Context, handle uint64, tickLower, tickUpper int32, desired0, desired1, min0, min1 *uint256.Int) (*uint256.Int, *uint256.Int, *uint256.Int, error) {
	current, err := l.pool.CurrentPrice(ctx, handle)
	if err != nil {
		return nil, nil, nil, gateway.Rejected(err)
	}
	sqrtLower, err := fixedpoint.SqrtPriceAtTick(tickLower)
	if err != nil {
		return nil, nil, nil, err
	}
	sqrtUpper, err := fixedpoint.SqrtPriceAtTick(tickUpper)
	if err != nil {
		return nil, nil, nil, err
	}

	added, err := liquidity.Compute(current, sqrtLower, sqrtUpper, orZero(desired0), orZero(desired1))
	if err != nil {
		return nil, nil, nil, err
	}
	if added.IsZero() {
		return nil, nil, nil, fmt.Errorf("desired amounts fund zero liquidity: %w", model.ErrInvalidRange)
	}

	amount0, amount1, err := l.pool.Deposit(ctx, handle, tickLower, tickUpper, added)
	if err != nil {
		return nil, nil, nil, gateway.Rejected(err)
	}
	if err := checkSlippage(amount0, amount1, min0, min1); err != nil {
		return nil, nil, nil, err
	}
	return added, amount0, amount1, nil
}

// accrue folds fee growth since the position's snapshot into its owed balances using the position's
// current liquidity, then advances the snapshot.
func (l *Ledger) accrue(ctx context.Context, pos *model.Position) error {
	growth0, growth1, err := l.pool.FeeGrowthSnapshot(ctx, pos.PoolHandle, pos.TickLower, pos.TickUpper)
	if err != nil {
		return gateway.Rejected(err)
	}
	fees0, fees1, err := AccruedFees(*pos, growth0, growth1)
	if err != nil {
		return err
	}
	if pos.TokensOwed0, err = fixedpoint.AddUint128(pos.TokensOwed0, fees0); err != nil {
		return fmt.Errorf("tokens owed0: %w", err)
	}
	if pos.TokensOwed1, err = fixedpoint.AddUint128(pos.TokensOwed1, fees1); err != nil {
		return fmt.Errorf("tokens owed1: %w", err)
	}
	pos.FeeGrowthInside0Last = growth0.Clone()
	pos.FeeGrowthInside1Last = growth1.Clone()
	return nil
}

// AccruedFees returns the fees pos earned between its stored snapshot and growth0/growth1:
// mulDiv(growth - last, liquidity, 2^128) with the subtraction taken mod 2^256.
func AccruedFees(pos model.Position, growth0, growth1 *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	pos = pos.Clone()
	fees0, err := fixedpoint.MulDiv(fixedpoint.WrappingSub(growth0, pos.FeeGrowthInside0Last), pos.Liquidity, fixedpoint.Q128)
	if err != nil {
		return nil, nil, fmt.Errorf("accrue fees0: %w", err)
	}
	fees1, err := fixedpoint.MulDiv(fixedpoint.WrappingSub(growth1, pos.FeeGrowthInside1Last), pos.Liquidity, fixedpoint.Q128)
	if err != nil {
		return nil, nil, fmt.Errorf("accrue fees1: %w", err)
	}
	return fees0, fees1, nil
}

func checkSlippage(amount0, amount1, min0, min1 *uint256.Int) error {
	if amount0.Lt(orZero(min0)) || amount1.Lt(orZero(min1)) {
		return fmt.Errorf("amounts (%s, %s) below minimum (%s, %s): %w",
			amount0.Dec(), amount1.Dec(), orZero(min0).Dec(), orZero(min1).Dec(), model.ErrSlippageExceeded)
	}
	return nil
}

func (l *Ledger) checkDeadline(deadline time.Time) error {
	if deadline.IsZero() {
		return nil
	}
	if now := l.clock.Now(); now.After(deadline) {
		return fmt.Errorf("deadline %s passed at %s: %w", deadline.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), model.ErrExpired)
	}
	return nil
}

// positionLocked returns a staged copy of a stored position.
func (l *Ledger) positionLocked(tokenID uint64) (model.Position, error) {
	pos, ok := l.positions[tokenID]
	if !ok {
		return model.Position{}, fmt.Errorf("token %d: %w", tokenID, model.ErrInvalidTokenID)
	}
	return pos.Clone(), nil
}

func (l *Ledger) authorizedPosition(ctx context.Context, caller common.Address, tokenID uint64) (model.Position, error) {
	pos, err := l.positionLocked(tokenID)
	if err != nil {
		return model.Position{}, err
	}
	if !l.auth.CanModify(ctx, caller, tokenID) {
		return model.Position{}, fmt.Errorf("caller %s on token %d: %w", caller.Hex(), tokenID, model.ErrUnauthorized)
	}
	return pos, nil
}

// save commits an updated position and its event.
func (l *Ledger) save(ctx context.Context, pos model.Position, event model.LedgerEvent) error {
	change := storage.Changeset{
		Positions: []model.Position{pos},
		Events:    []model.LedgerEvent{event},
	}
	if err := l.commit(ctx, change); err != nil {
		return err
	}
	l.positions[pos.TokenID] = pos
	l.publish(ctx, change.Events)
	return nil
}

func (l *Ledger) commit(ctx context.Context, change storage.Changeset) error {
	started := time.Now()
	err := l.store.Commit(ctx, change)
	l.metrics.RecordCommit(started)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// publish hands committed events to the sink. The operation is already durable, so sink failures are
// logged rather than returned.
func (l *Ledger) publish(ctx context.Context, events []model.LedgerEvent) {
	l.metrics.SetPositions(len(l.positions))
	if l.events == nil {
		return
	}
	if err := l.events.PutEvents(ctx, events); err != nil {
		l.logger.Error("publish ledger events", zap.Error(err), zap.Int("events", len(events)))
	}
}

func (l *Ledger) newEvent(name string, pos model.Position) model.LedgerEvent {
	return model.LedgerEvent{
		ID:         uuid.NewString(),
		Name:       name,
		TokenID:    pos.TokenID,
		PoolHandle: pos.PoolHandle,
		TickLower:  pos.TickLower,
		TickUpper:  pos.TickUpper,
		Timestamp:  l.clock.Now().UTC(),
	}
}
