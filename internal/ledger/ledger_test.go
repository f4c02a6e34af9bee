package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/liquidity"
	"liquidityLedger/internal/model"
	"liquidityLedger/internal/observability"
	"liquidityLedger/internal/storage"
)

func TestOpenCenteredRange(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest()
	req.Amount0Desired, req.Amount1Desired = u(1000), u(1000)

	res, err := f.ledger.Open(context.Background(), req)
	require.NoError(t, err)

	current, _ := fixedpoint.SqrtPriceAtTick(0)
	lower, _ := fixedpoint.SqrtPriceAtTick(-600)
	upper, _ := fixedpoint.SqrtPriceAtTick(600)
	want, err := liquidity.Compute(current, lower, upper, u(1000), u(1000))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.TokenID)
	assert.True(t, res.Liquidity.Eq(want), "liquidity %s, want %s", res.Liquidity.Dec(), want.Dec())
	assert.True(t, res.Amount0.Cmp(u(1000)) <= 0, "amount0 %s", res.Amount0.Dec())
	assert.True(t, res.Amount1.Cmp(u(1000)) <= 0, "amount1 %s", res.Amount1.Dec())
	assert.False(t, res.Amount0.IsZero())
	assert.False(t, res.Amount1.IsZero())

	pos := f.position(t, 1)
	assert.Equal(t, uint64(1), pos.PoolHandle)
	assert.Equal(t, model.PositionOpen, pos.State())
	assert.True(t, pos.TokensOwed0.IsZero())
	assert.True(t, pos.TokensOwed1.IsZero())
	assert.Equal(t, uint64(0), pos.Nonce)

	key, err := f.reg.KeyOf(pos.PoolHandle)
	require.NoError(t, err)
	assert.Equal(t, f.key, key)
	assert.Equal(t, uint64(2), f.ledger.NextTokenID())
}

func TestOpenSnapshotsCurrentFeeGrowth(t *testing.T) {
	f := newFixture(t)
	growth := new(uint256.Int).Div(fixedpoint.Q128, u(3))
	require.NoError(t, f.engine.AccrueFees(f.address, -600, 600, growth, growth))

	res := f.open(t)
	pos := f.position(t, res.TokenID)
	assert.True(t, pos.FeeGrowthInside0Last.Eq(growth))
	assert.True(t, pos.FeeGrowthInside1Last.Eq(growth))
	assert.True(t, pos.TokensOwed0.IsZero())
}

func TestOpenAcceptsUnorderedTokens(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest()
	req.Key.Token0, req.Key.Token1 = req.Key.Token1, req.Key.Token0

	res, err := f.ledger.Open(context.Background(), req)
	require.NoError(t, err)
	info, err := f.ledger.Position(res.TokenID)
	require.NoError(t, err)
	assert.Equal(t, f.key, info.Pool.Key)
	assert.Equal(t, f.address, info.Pool.Address)
}

func TestOpenValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inverted := f.openRequest()
	inverted.TickLower, inverted.TickUpper = 600, -600
	_, err := f.ledger.Open(ctx, inverted)
	assert.ErrorIs(t, err, model.ErrInvalidRange)

	empty := f.openRequest()
	empty.Amount0Desired, empty.Amount1Desired = nil, nil
	_, err = f.ledger.Open(ctx, empty)
	assert.ErrorIs(t, err, model.ErrInvalidRange)

	assert.Equal(t, uint64(1), f.reg.Next(), "failed opens must not leave registry entries")
	assert.Empty(t, f.ledger.Positions())
}

func TestOpenSlippageRevertsEverything(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest()
	req.Amount0Min = u(1_000_001)

	err := f.atomically(func() error {
		_, err := f.ledger.Open(context.Background(), req)
		return err
	})
	require.ErrorIs(t, err, model.ErrSlippageExceeded)

	assert.True(t, f.engine.RangeLiquidity(f.address, -600, 600).IsZero())
	assert.Equal(t, uint64(1), f.reg.Next())
	assert.Equal(t, uint64(1), f.ledger.NextTokenID())
	state, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Positions)
	assert.Empty(t, state.Pools)
}

func TestOpenPoolRejectionPropagates(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest()
	req.TickLower = -601

	_, err := f.ledger.Open(context.Background(), req)
	require.ErrorIs(t, err, model.ErrPoolRejected)
	assert.Equal(t, "PoolRejected", model.ErrorKind(err))
	assert.Equal(t, uint64(1), f.reg.Next())
	assert.Empty(t, f.ledger.Positions())
}

func TestOpenUninitializedPoolIsRejected(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest()
	req.Key.Fee = 500

	_, err := f.ledger.Open(context.Background(), req)
	require.ErrorIs(t, err, model.ErrPoolRejected)
	assert.Equal(t, uint64(1), f.reg.Next())
}

func TestDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.openRequest()
	req.Deadline = f.now.Add(-time.Second)
	_, err := f.ledger.Open(ctx, req)
	require.ErrorIs(t, err, model.ErrExpired)
	assert.True(t, f.engine.RangeLiquidity(f.address, -600, 600).IsZero(), "expired open must not touch the pool")

	req.Deadline = f.now
	res, err := f.ledger.Open(ctx, req)
	require.NoError(t, err)

	before := f.position(t, res.TokenID)
	_, err = f.ledger.Increase(ctx, IncreaseRequest{
		TokenID: res.TokenID, Amount0Desired: u(10), Amount1Desired: u(10), Deadline: f.now.Add(-time.Minute),
	})
	require.ErrorIs(t, err, model.ErrExpired)
	_, err = f.ledger.Decrease(ctx, DecreaseRequest{
		Caller: alice, TokenID: res.TokenID, Liquidity: u(1), Deadline: f.now.Add(-time.Minute),
	})
	require.ErrorIs(t, err, model.ErrExpired)
	assert.Equal(t, before, f.position(t, res.TokenID))
}

func TestIncreaseAccruesWithPriorLiquidity(t *testing.T) {
	pool := newScriptedPool(t)
	l, key := newScriptedLedger(t, pool)
	ctx := context.Background()

	opened, err := l.Open(ctx, OpenRequest{
		Caller: alice, Key: key, TickLower: -600, TickUpper: 600,
		Amount0Desired: u(1000), Amount1Desired: u(1000),
	})
	require.NoError(t, err)

	// One full unit of growth per unit of liquidity pays exactly the prior liquidity.
	pool.setGrowth(fixedpoint.Q128, fixedpoint.Q128)
	added, err := l.Increase(ctx, IncreaseRequest{TokenID: opened.TokenID, Amount0Desired: u(1000), Amount1Desired: u(1000)})
	require.NoError(t, err)

	info, err := l.Position(opened.TokenID)
	require.NoError(t, err)
	assert.True(t, info.TokensOwed0.Eq(opened.Liquidity), "owed0 %s", info.TokensOwed0.Dec())
	assert.True(t, info.TokensOwed1.Eq(opened.Liquidity), "owed1 %s", info.TokensOwed1.Dec())
	assert.True(t, info.FeeGrowthInside0Last.Eq(fixedpoint.Q128))
	assert.True(t, info.Liquidity.Eq(new(uint256.Int).Add(opened.Liquidity, added.Liquidity)))
	assert.Equal(t, uint64(1), info.Nonce)
}

func TestAccruedFees(t *testing.T) {
	thousandth := new(uint256.Int).Div(fixedpoint.Q128, u(1000))
	cases := []struct {
		name      string
		last      *uint256.Int
		growth    *uint256.Int
		liquidity uint64
		want      uint64
	}{
		{"one unit of growth", new(uint256.Int), fixedpoint.Q128, 500, 500},
		{"thousandth scaled up", new(uint256.Int), thousandth, 500_000, 499},
		{"thousandth exact liquidity", thousandth, new(uint256.Int).Mul(thousandth, u(2)), 1000, 0},
		{"no growth", fixedpoint.Q128, fixedpoint.Q128, 1 << 60, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := model.Position{
				Liquidity:            u(tc.liquidity),
				FeeGrowthInside0Last: tc.last,
				FeeGrowthInside1Last: tc.last,
			}
			fees0, fees1, err := AccruedFees(pos, tc.growth, tc.growth)
			require.NoError(t, err)
			assert.Equal(t, tc.want, fees0.Uint64())
			assert.Equal(t, tc.want, fees1.Uint64())
		})
	}
}

func TestAccrualAcrossWraparound(t *testing.T) {
	pool := newScriptedPool(t)
	l, key := newScriptedLedger(t, pool)
	ctx := context.Background()

	// X = 2^256 - 2^128, then Y = 2^128: Y < X numerically, elapsed growth is 2 * 2^128.
	start := new(uint256.Int).Sub(new(uint256.Int).SetAllOne(), fixedpoint.Q128)
	start.AddUint64(start, 1)
	pool.setGrowth(start, start)
	opened, err := l.Open(ctx, OpenRequest{
		Caller: alice, Key: key, TickLower: -600, TickUpper: 600,
		Amount0Desired: u(1000), Amount1Desired: u(1000),
	})
	require.NoError(t, err)

	pool.setGrowth(fixedpoint.Q128, fixedpoint.Q128)
	_, err = l.Collect(ctx, CollectRequest{Caller: alice, TokenID: opened.TokenID, Amount0Max: u(1), Amount1Max: u(1)})
	require.NoError(t, err)

	info, err := l.Position(opened.TokenID)
	require.NoError(t, err)
	want := new(uint256.Int).Mul(opened.Liquidity, u(2))
	want.Sub(want, u(1))
	assert.True(t, info.TokensOwed0.Eq(want), "owed0 %s want %s", info.TokensOwed0.Dec(), want.Dec())
	assert.True(t, info.FeeGrowthInside0Last.Eq(fixedpoint.Q128))
}

func TestAccrualOverflowIsEscalated(t *testing.T) {
	pool := newScriptedPool(t)
	l, key := newScriptedLedger(t, pool)
	ctx := context.Background()

	opened, err := l.Open(ctx, OpenRequest{
		Caller: alice, Key: key, TickLower: -600, TickUpper: 600,
		Amount0Desired: u(1000), Amount1Desired: u(1000),
	})
	require.NoError(t, err)
	before, err := l.Position(opened.TokenID)
	require.NoError(t, err)

	// Growth of 2^255 per unit over the position's liquidity cannot fit a uint128 owed balance.
	huge := new(uint256.Int).Lsh(u(1), 255)
	pool.setGrowth(huge, new(uint256.Int))
	_, err = l.Collect(ctx, CollectRequest{Caller: alice, TokenID: opened.TokenID, Amount0Max: u(1)})
	require.ErrorIs(t, err, model.ErrOverflow)

	after, err := l.Position(opened.TokenID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDecreaseMoreThanHeldLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.open(t)
	before := f.position(t, res.TokenID)

	tooMuch := new(uint256.Int).AddUint64(res.Liquidity, 1)
	_, err := f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: res.TokenID, Liquidity: tooMuch})
	require.ErrorIs(t, err, model.ErrInsufficientLiquidity)
	assert.Equal(t, before, f.position(t, res.TokenID))

	_, err = f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: res.TokenID, Liquidity: new(uint256.Int)})
	require.ErrorIs(t, err, model.ErrInvalidRange)
	assert.Equal(t, before, f.position(t, res.TokenID))
}

func TestDecreaseCreditsReleasedTokensAndFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.open(t)

	growth := new(uint256.Int).Div(fixedpoint.Q128, u(1000))
	require.NoError(t, f.engine.AccrueFees(f.address, -600, 600, growth, growth))
	fees, err := fixedpoint.MulDiv(growth, res.Liquidity, fixedpoint.Q128)
	require.NoError(t, err)

	out, err := f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: res.TokenID, Liquidity: res.Liquidity})
	require.NoError(t, err)

	pos := f.position(t, res.TokenID)
	assert.Equal(t, model.PositionDrained, pos.State())
	assert.True(t, pos.Liquidity.IsZero())
	assert.True(t, pos.TokensOwed0.Eq(new(uint256.Int).Add(out.Amount0, fees)), "owed0 %s", pos.TokensOwed0.Dec())
	assert.True(t, pos.TokensOwed1.Eq(new(uint256.Int).Add(out.Amount1, fees)), "owed1 %s", pos.TokensOwed1.Dec())
	assert.True(t, pos.FeeGrowthInside0Last.Eq(growth))
	assert.Equal(t, uint64(1), pos.Nonce)
	assert.True(t, out.Amount0.Cmp(res.Amount0) <= 0, "withdraw must not return more than deposited")
}

func TestDecreaseSlippage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.open(t)
	before := f.position(t, res.TokenID)

	err := f.atomically(func() error {
		_, err := f.ledger.Decrease(ctx, DecreaseRequest{
			Caller: alice, TokenID: res.TokenID, Liquidity: res.Liquidity, Amount1Min: u(10_000_000),
		})
		return err
	})
	require.ErrorIs(t, err, model.ErrSlippageExceeded)
	assert.Equal(t, before, f.position(t, res.TokenID))
	assert.True(t, f.engine.RangeLiquidity(f.address, -600, 600).Eq(res.Liquidity))
}

func TestCollectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.open(t)

	growth := new(uint256.Int).Div(fixedpoint.Q128, u(100))
	require.NoError(t, f.engine.AccrueFees(f.address, -600, 600, growth, growth))

	req := CollectRequest{Caller: alice, TokenID: res.TokenID, Recipient: bob, Amount0Max: fixedpoint.MaxUint128, Amount1Max: fixedpoint.MaxUint128}
	first, err := f.ledger.Collect(ctx, req)
	require.NoError(t, err)
	want, _ := fixedpoint.MulDiv(growth, res.Liquidity, fixedpoint.Q128)
	assert.True(t, first.Amount0.Eq(want), "paid0 %s want %s", first.Amount0.Dec(), want.Dec())
	assert.True(t, f.engine.Balance(bob, token0).Eq(want))

	second, err := f.ledger.Collect(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Amount0.IsZero())
	assert.True(t, second.Amount1.IsZero())

	pos := f.position(t, res.TokenID)
	assert.True(t, pos.TokensOwed0.IsZero())
	assert.Equal(t, uint64(2), pos.Nonce)
}

func TestCollectCapsAtMaximum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.open(t)
	require.NoError(t, f.engine.AccrueFees(f.address, -600, 600, fixedpoint.Q128, new(uint256.Int)))

	paid, err := f.ledger.Collect(ctx, CollectRequest{Caller: alice, TokenID: res.TokenID, Amount0Max: u(7)})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), paid.Amount0.Uint64())
	assert.True(t, paid.Amount1.IsZero())

	pos := f.position(t, res.TokenID)
	assert.True(t, pos.TokensOwed0.Eq(new(uint256.Int).Sub(res.Liquidity, u(7))))
	assert.True(t, f.engine.Balance(alice, token0).Eq(u(7)), "zero recipient pays the caller")
}

func TestCollectDeductsRequestedAmount(t *testing.T) {
	pool := newScriptedPool(t)
	pool.withdraw0, pool.withdraw1 = u(100), u(100)
	pool.shortfall = u(1)
	l, key := newScriptedLedger(t, pool)
	ctx := context.Background()

	opened, err := l.Open(ctx, OpenRequest{
		Caller: alice, Key: key, TickLower: -600, TickUpper: 600,
		Amount0Desired: u(1000), Amount1Desired: u(1000),
	})
	require.NoError(t, err)
	_, err = l.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: opened.TokenID, Liquidity: opened.Liquidity})
	require.NoError(t, err)

	paid, err := l.Collect(ctx, CollectRequest{Caller: alice, TokenID: opened.TokenID, Amount0Max: u(1000), Amount1Max: u(1000)})
	require.NoError(t, err)
	assert.Equal(t, uint64(99), paid.Amount0.Uint64(), "result reports what the pool paid")

	info, err := l.Position(opened.TokenID)
	require.NoError(t, err)
	assert.True(t, info.Cleared(), "owed balances drain to zero despite the pool's rounding")
	require.NoError(t, l.Close(ctx, CloseRequest{Caller: alice, TokenID: opened.TokenID}))
}

func TestCollectSkipsPokeWhenDrained(t *testing.T) {
	pool := newScriptedPool(t)
	pool.withdraw0 = u(5)
	l, key := newScriptedLedger(t, pool)
	ctx := context.Background()

	opened, err := l.Open(ctx, OpenRequest{
		Caller: alice, Key: key, TickLower: -600, TickUpper: 600,
		Amount0Desired: u(1000), Amount1Desired: u(1000),
	})
	require.NoError(t, err)

	_, err = l.Collect(ctx, CollectRequest{Caller: alice, TokenID: opened.TokenID, Amount0Max: u(1)})
	require.NoError(t, err)
	require.Len(t, pool.withdrawals, 1)
	assert.True(t, pool.withdrawals[0].IsZero())

	_, err = l.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: opened.TokenID, Liquidity: opened.Liquidity})
	require.NoError(t, err)
	_, err = l.Collect(ctx, CollectRequest{Caller: alice, TokenID: opened.TokenID, Amount0Max: u(1)})
	require.NoError(t, err)
	assert.Len(t, pool.withdrawals, 2, "no poke once liquidity is zero")
}

func TestCollectNothingRequested(t *testing.T) {
	f := newFixture(t)
	res := f.open(t)
	_, err := f.ledger.Collect(context.Background(), CollectRequest{Caller: alice, TokenID: res.TokenID})
	require.ErrorIs(t, err, model.ErrInvalidRange)
}

func TestOpenThenClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.open(t)
	require.NoError(t, f.engine.AccrueFees(f.address, -600, 600, fixedpoint.Q128, fixedpoint.Q128))

	err := f.ledger.Close(ctx, CloseRequest{Caller: alice, TokenID: res.TokenID})
	require.ErrorIs(t, err, model.ErrNotCleared)

	_, err = f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: res.TokenID, Liquidity: res.Liquidity})
	require.NoError(t, err)
	err = f.ledger.Close(ctx, CloseRequest{Caller: alice, TokenID: res.TokenID})
	require.ErrorIs(t, err, model.ErrNotCleared, "owed tokens still block close")

	_, err = f.ledger.Collect(ctx, CollectRequest{
		Caller: alice, TokenID: res.TokenID, Amount0Max: fixedpoint.MaxUint128, Amount1Max: fixedpoint.MaxUint128,
	})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Close(ctx, CloseRequest{Caller: alice, TokenID: res.TokenID}))

	_, err = f.ledger.Position(res.TokenID)
	require.ErrorIs(t, err, model.ErrInvalidTokenID)
	_, err = f.ledger.Collect(ctx, CollectRequest{Caller: alice, TokenID: res.TokenID, Amount0Max: u(1)})
	require.ErrorIs(t, err, model.ErrInvalidTokenID)

	next := f.open(t)
	assert.Equal(t, uint64(2), next.TokenID, "closed ids are never reused")
	assert.True(t, f.engine.RangeLiquidity(f.address, -600, 600).Eq(next.Liquidity))
}

func TestFeeAccrualIsTimeWeighted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.open(t)
	l1 := res.Liquidity.Clone()

	d1 := new(uint256.Int).Div(fixedpoint.Q128, u(7))
	d2 := new(uint256.Int).Div(fixedpoint.Q128, u(3))

	require.NoError(t, f.engine.AccrueFees(f.address, -600, 600, d1, d1))
	added, err := f.ledger.Increase(ctx, IncreaseRequest{TokenID: res.TokenID, Amount0Desired: u(500_000), Amount1Desired: u(500_000)})
	require.NoError(t, err)
	l2 := new(uint256.Int).Add(l1, added.Liquidity)

	require.NoError(t, f.engine.AccrueFees(f.address, -600, 600, d2, d2))
	paid, err := f.ledger.Collect(ctx, CollectRequest{
		Caller: alice, TokenID: res.TokenID, Amount0Max: fixedpoint.MaxUint128, Amount1Max: fixedpoint.MaxUint128,
	})
	require.NoError(t, err)

	// integral = d1*l1 + d2*l2; accrual floors once per segment.
	integral := new(uint256.Int).Add(new(uint256.Int).Mul(d1, l1), new(uint256.Int).Mul(d2, l2))
	want, err := fixedpoint.MulDiv(integral, u(1), fixedpoint.Q128)
	require.NoError(t, err)
	diff := new(uint256.Int).Sub(want, paid.Amount0)
	assert.True(t, paid.Amount0.Cmp(want) <= 0, "paid %s exceeds %s", paid.Amount0.Dec(), want.Dec())
	assert.True(t, diff.Cmp(u(2)) <= 0, "paid %s, want %s within rounding", paid.Amount0.Dec(), want.Dec())
	assert.True(t, paid.Amount0.Eq(paid.Amount1))
}

func TestFeeTotalsIndependentOfCollectCadence(t *testing.T) {
	growth := new(uint256.Int).Mul(fixedpoint.Q128, u(3))
	collectAll := func(f *fixture, id uint64) *uint256.Int {
		paid, err := f.ledger.Collect(context.Background(), CollectRequest{
			Caller: alice, TokenID: id, Amount0Max: fixedpoint.MaxUint128, Amount1Max: u(1),
		})
		require.NoError(t, err)
		return paid.Amount0
	}

	eager := newFixture(t)
	eagerID := eager.open(t).TokenID
	eagerTotal := new(uint256.Int)
	for i := 0; i < 4; i++ {
		require.NoError(t, eager.engine.AccrueFees(eager.address, -600, 600, growth, new(uint256.Int)))
		eagerTotal.Add(eagerTotal, collectAll(eager, eagerID))
	}

	lazy := newFixture(t)
	lazyID := lazy.open(t).TokenID
	for i := 0; i < 4; i++ {
		require.NoError(t, lazy.engine.AccrueFees(lazy.address, -600, 600, growth, new(uint256.Int)))
	}
	lazyTotal := collectAll(lazy, lazyID)

	// Whole units of growth divide exactly, so per-step floors lose nothing.
	assert.True(t, eagerTotal.Eq(lazyTotal), "eager %s lazy %s", eagerTotal.Dec(), lazyTotal.Dec())
}

func TestAuthorization(t *testing.T) {
	book := NewOwnerBook()
	f := newFixture(t, func(cfg *Config) { cfg.Auth = book })
	ctx := context.Background()

	res := f.open(t)
	owner, ok := book.Owner(res.TokenID)
	require.True(t, ok)
	assert.Equal(t, alice, owner)

	before := f.position(t, res.TokenID)
	_, err := f.ledger.Decrease(ctx, DecreaseRequest{Caller: bob, TokenID: res.TokenID, Liquidity: u(1)})
	require.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = f.ledger.Collect(ctx, CollectRequest{Caller: bob, TokenID: res.TokenID, Amount0Max: u(1)})
	require.ErrorIs(t, err, model.ErrUnauthorized)
	require.ErrorIs(t, f.ledger.Close(ctx, CloseRequest{Caller: bob, TokenID: res.TokenID}), model.ErrUnauthorized)
	assert.Equal(t, before, f.position(t, res.TokenID))

	// Anyone may add liquidity.
	_, err = f.ledger.Increase(ctx, IncreaseRequest{Caller: bob, TokenID: res.TokenID, Amount0Desired: u(100), Amount1Desired: u(100)})
	require.NoError(t, err)

	book.SetOperator(alice, bob, true)
	_, err = f.ledger.Decrease(ctx, DecreaseRequest{Caller: bob, TokenID: res.TokenID, Liquidity: u(1)})
	require.NoError(t, err)

	book.SetOperator(alice, bob, false)
	_, err = f.ledger.Decrease(ctx, DecreaseRequest{Caller: bob, TokenID: res.TokenID, Liquidity: u(1)})
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestOpenForRecipient(t *testing.T) {
	book := NewOwnerBook()
	f := newFixture(t, func(cfg *Config) { cfg.Auth = book })
	req := f.openRequest()
	req.Recipient = bob

	res, err := f.ledger.Open(context.Background(), req)
	require.NoError(t, err)
	owner, _ := book.Owner(res.TokenID)
	assert.Equal(t, bob, owner)
}

func TestUnknownTokenID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Increase(ctx, IncreaseRequest{TokenID: 9, Amount0Desired: u(1), Amount1Desired: u(1)})
	require.ErrorIs(t, err, model.ErrInvalidTokenID)
	_, err = f.ledger.Decrease(ctx, DecreaseRequest{TokenID: 0, Liquidity: u(1)})
	require.ErrorIs(t, err, model.ErrInvalidTokenID)
	require.ErrorIs(t, f.ledger.Close(ctx, CloseRequest{TokenID: 9}), model.ErrInvalidTokenID)
}

func TestCommitFailureAbortsOperation(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), allowed: 1}
	f := newFixture(t, func(cfg *Config) { cfg.Store = store })
	ctx := context.Background()

	res := f.open(t)
	before := f.position(t, res.TokenID)

	_, err := f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: res.TokenID, Liquidity: u(1)})
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, before, f.position(t, res.TokenID))

	other := f.openRequest()
	other.Key.Fee = 500
	otherKey, _ := model.NewPoolKey(token0, token1, 500)
	price, _ := fixedpoint.SqrtPriceAtTick(0)
	require.NoError(t, f.engine.CreatePool(f.ledger.PoolAddress(otherKey), otherKey, 10, price))
	_, err = f.ledger.Open(ctx, other)
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, uint64(2), f.reg.Next(), "new pool entry rolled back")
	assert.Equal(t, uint64(2), f.ledger.NextTokenID())
}

func TestPoolRejectionDuringIncrease(t *testing.T) {
	pool := newScriptedPool(t)
	l, key := newScriptedLedger(t, pool)
	ctx := context.Background()
	opened, err := l.Open(ctx, OpenRequest{
		Caller: alice, Key: key, TickLower: -600, TickUpper: 600,
		Amount0Desired: u(1000), Amount1Desired: u(1000),
	})
	require.NoError(t, err)
	before, _ := l.Position(opened.TokenID)

	pool.depositErr = errors.New("LOK")
	_, err = l.Increase(ctx, IncreaseRequest{TokenID: opened.TokenID, Amount0Desired: u(1), Amount1Desired: u(1000)})
	require.ErrorIs(t, err, model.ErrPoolRejected)
	after, _ := l.Position(opened.TokenID)
	assert.Equal(t, before, after)
}

func TestLoadRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.open(t)
	second := f.open(t)
	_, err := f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: second.TokenID, Liquidity: second.Liquidity})
	require.NoError(t, err)
	_, err = f.ledger.Collect(ctx, CollectRequest{Caller: alice, TokenID: second.TokenID, Amount0Max: fixedpoint.MaxUint128, Amount1Max: fixedpoint.MaxUint128})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Close(ctx, CloseRequest{Caller: alice, TokenID: second.TokenID}))

	restored, err := New(Config{Pool: f.engine, Store: f.store})
	require.NoError(t, err)
	require.NoError(t, restored.Load(ctx))

	positions := restored.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, f.position(t, first.TokenID), positions[0].Position)
	assert.Equal(t, f.key, positions[0].Pool.Key)
	assert.Equal(t, uint64(3), restored.NextTokenID())
	assert.Equal(t, uint64(2), restored.Registry().Next())
}

func TestEventsAndMetrics(t *testing.T) {
	sink := &recordingSink{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, "test")
	f := newFixture(t, func(cfg *Config) {
		cfg.Events = sink
		cfg.Metrics = metrics
	})
	ctx := context.Background()

	res := f.open(t)
	_, err := f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: res.TokenID, Liquidity: res.Liquidity})
	require.NoError(t, err)
	_, err = f.ledger.Decrease(ctx, DecreaseRequest{Caller: alice, TokenID: res.TokenID, Liquidity: u(1)})
	require.ErrorIs(t, err, model.ErrInsufficientLiquidity)
	_, err = f.ledger.Collect(ctx, CollectRequest{Caller: alice, TokenID: res.TokenID, Amount0Max: fixedpoint.MaxUint128, Amount1Max: fixedpoint.MaxUint128})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Close(ctx, CloseRequest{Caller: alice, TokenID: res.TokenID}))

	names := make([]string, 0, len(sink.events))
	for _, event := range sink.events {
		names = append(names, event.Name)
		assert.NotEmpty(t, event.ID)
		assert.True(t, event.Timestamp.Equal(f.now))
	}
	assert.Equal(t, []string{model.EventOpen, model.EventDecreaseLiquidity, model.EventCollect, model.EventClose}, names)
	assert.Equal(t, res.Liquidity.Dec(), sink.events[1].Liquidity)
	assert.Len(t, f.store.Events(), 4)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues("decrease", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationErrors.WithLabelValues("decrease", "InsufficientLiquidity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues("close", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OpenPositions))
}
