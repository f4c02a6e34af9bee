package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"

	"liquidityLedger/internal/model"
)

const (
	// MinTick is the lowest tick whose sqrt price is representable.
	MinTick int32 = -887272
	// MaxTick is the highest tick whose sqrt price is representable.
	MaxTick int32 = 887272
)

var (
	// MinSqrtPrice is SqrtPriceAtTick(MinTick).
	MinSqrtPrice = uint256.NewInt(4295128739)
	// MaxSqrtPrice is SqrtPriceAtTick(MaxTick).
	MaxSqrtPrice = MustParseUint256("1461446703485210103287273052203988822378723970342")

	maxUint256 = new(uint256.Int).SetAllOne()

	// sqrt(1.0001^-(2^i)) in UQ128.128, indexed by bit i of |tick|.
	tickRatios = [20]*uint256.Int{
		uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}

	lowMask32 = uint256.NewInt(0xffffffff)
)

// SqrtPriceAtTick returns sqrt(1.0001^tick) * 2^96, rounded up exactly as the pool's TickMath does.
func SqrtPriceAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("tick %d out of bounds: %w", tick, model.ErrInvalidRange)
	}

	absTick := tick
	if tick < 0 {
		absTick = -tick
	}

	ratio := new(uint256.Int)
	if absTick&0x1 != 0 {
		ratio.Set(tickRatios[0])
	} else {
		ratio.Set(Q128)
	}
	for i := 1; i < len(tickRatios); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, tickRatios[i]).Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// UQ128.128 -> UQ64.96, rounding up so TickAtSqrtPrice stays consistent.
	roundUp := !new(uint256.Int).And(ratio, lowMask32).IsZero()
	ratio.Rsh(ratio, 32)
	if roundUp {
		ratio.Add(ratio, one)
	}
	return ratio, nil
}

// TickAtSqrtPrice returns the greatest tick whose sqrt price is <= sqrtPriceX96.
func TickAtSqrtPrice(sqrtPriceX96 *uint256.Int) (int32, error) {
	if sqrtPriceX96.Lt(MinSqrtPrice) || !sqrtPriceX96.Lt(MaxSqrtPrice) {
		return 0, fmt.Errorf("sqrt price %s out of bounds: %w", sqrtPriceX96.Dec(), model.ErrInvalidRange)
	}

	low, high := MinTick, MaxTick
	var tick int32
	for low <= high {
		mid := low + (high-low)/2
		price, err := SqrtPriceAtTick(mid)
		if err != nil {
			return 0, err
		}
		if price.Cmp(sqrtPriceX96) <= 0 {
			tick = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return tick, nil
}
