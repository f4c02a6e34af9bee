package dex

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityLedger/internal/chain"
	"liquidityLedger/internal/model"
)

// Caller executes eth_call. *chain.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TokenMetaCache caches token metadata by address.
type TokenMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]model.TokenMeta
}

func NewTokenMetaCache() *TokenMetaCache {
	return &TokenMetaCache{data: make(map[common.Address]model.TokenMeta)}
}

func (c *TokenMetaCache) Get(address common.Address) (model.TokenMeta, bool) {
	c.mu.RLock()
	meta, ok := c.data[address]
	c.mu.RUnlock()
	return meta, ok
}

func (c *TokenMetaCache) Set(address common.Address, meta model.TokenMeta) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// PoolReader reads V3 pool state over eth_call, retrying failed calls with backoff.
type PoolReader struct {
	caller     Caller
	maxRetries int
	baseDelay  time.Duration
	tokens     *TokenMetaCache
	logger     *zap.Logger
}

func NewPoolReader(caller Caller, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *PoolReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolReader{
		caller:     caller,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		tokens:     NewTokenMetaCache(),
		logger:     logger,
	}
}

// PoolState loads immutable pool metadata plus slot0 and active liquidity at block (nil = latest).
func (r *PoolReader) PoolState(ctx context.Context, pool common.Address, block *big.Int) (model.PoolState, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return model.PoolState{}, fmt.Errorf("parse pool abi: %w", err)
	}

	values, err := r.call(ctx, pool, poolABI, "token0", block)
	if err != nil {
		return model.PoolState{}, err
	}
	token0, err := asAddress(values[0])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("token0: %w", err)
	}

	values, err = r.call(ctx, pool, poolABI, "token1", block)
	if err != nil {
		return model.PoolState{}, err
	}
	token1, err := asAddress(values[0])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("token1: %w", err)
	}

	values, err = r.call(ctx, pool, poolABI, "fee", block)
	if err != nil {
		return model.PoolState{}, err
	}
	feeInt, err := asBigInt(values[0])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("fee: %w", err)
	}

	values, err = r.call(ctx, pool, poolABI, "tickSpacing", block)
	if err != nil {
		return model.PoolState{}, err
	}
	tickSpacingInt, err := asBigInt(values[0])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("tick spacing: %w", err)
	}
	tickSpacing, err := int24FromBig(tickSpacingInt)
	if err != nil {
		return model.PoolState{}, fmt.Errorf("tick spacing: %w", err)
	}

	values, err = r.call(ctx, pool, poolABI, "slot0", block)
	if err != nil {
		return model.PoolState{}, err
	}
	if len(values) < 2 {
		return model.PoolState{}, fmt.Errorf("slot0: %d outputs", len(values))
	}
	sqrtPrice, err := asUint256(values[0])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("slot0 sqrt price: %w", err)
	}
	tickInt, err := asBigInt(values[1])
	if err != nil {
		return model.PoolState{}, fmt.Errorf("slot0 tick: %w", err)
	}
	tick, err := int24FromBig(tickInt)
	if err != nil {
		return model.PoolState{}, fmt.Errorf("slot0 tick: %w", err)
	}

	state := model.PoolState{
		Address:      pool.Hex(),
		Token0:       token0.Hex(),
		Token1:       token1.Hex(),
		Fee:          uint32(feeInt.Uint64()),
		TickSpacing:  tickSpacing,
		SqrtPriceX96: sqrtPrice,
		Tick:         tick,
	}

	if values, err := r.call(ctx, pool, poolABI, "liquidity", block); err == nil {
		if liq, err := asUint256(values[0]); err == nil {
			state.Liquidity = liq
		}
	} else {
		r.logger.Debug("liquidity call failed", zap.String("pool", pool.Hex()), zap.Error(err))
	}

	return state, nil
}

// PositionKey is the pool's storage key for an owner's range: keccak256(abi.encodePacked(owner, int24, int24)).
func PositionKey(owner common.Address, tickLower, tickUpper int32) common.Hash {
	return crypto.Keccak256Hash(owner.Bytes(), int24Bytes(tickLower), int24Bytes(tickUpper))
}

// PositionFeeGrowth reads the pool's record of owner's range.
func (r *PoolReader) PositionFeeGrowth(ctx context.Context, pool, owner common.Address, tickLower, tickUpper int32, block *big.Int) (model.RangeFeeGrowth, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return model.RangeFeeGrowth{}, fmt.Errorf("parse pool abi: %w", err)
	}
	key := PositionKey(owner, tickLower, tickUpper)
	values, err := r.call(ctx, pool, poolABI, "positions", block, [32]byte(key))
	if err != nil {
		return model.RangeFeeGrowth{}, err
	}
	if len(values) != 5 {
		return model.RangeFeeGrowth{}, fmt.Errorf("positions: %d outputs", len(values))
	}

	out := make([]*uint256.Int, len(values))
	for i, value := range values {
		if out[i], err = asUint256(value); err != nil {
			return model.RangeFeeGrowth{}, fmt.Errorf("positions output %d: %w", i, err)
		}
	}
	return model.RangeFeeGrowth{
		Liquidity:   out[0],
		FeeGrowth0:  out[1],
		FeeGrowth1:  out[2],
		TokensOwed0: out[3],
		TokensOwed1: out[4],
	}, nil
}

// TokenMeta returns ERC20 metadata, cached per token. Tokens without decimals() are reported as errors
// and not cached.
func (r *PoolReader) TokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	if meta, ok := r.tokens.Get(token); ok {
		return meta, nil
	}
	meta, err := r.fetchTokenMeta(ctx, token)
	if err != nil {
		return meta, err
	}
	r.tokens.Set(token, meta)
	return meta, nil
}

func (r *PoolReader) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}

	var resp []byte
	err = chain.WithRetry(ctx, r.maxRetries, r.baseDelay, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.caller.CallContract(ctx, msg, block)
		if chain.IsRevert(callErr) {
			return chain.Permanent(callErr)
		}
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (r *PoolReader) fetchTokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token.Hex()}

	parsed, err := tokenABI.get()
	if err != nil {
		return meta, fmt.Errorf("parse token abi: %w", err)
	}
	values, err := r.call(ctx, token, parsed, "decimals", nil)
	if err != nil {
		return meta, err
	}
	if meta.Decimals, err = asUint8(values[0]); err != nil {
		return meta, err
	}

	meta.Symbol = r.tokenText(ctx, token, "symbol")
	meta.Name = r.tokenText(ctx, token, "name")
	return meta, nil
}

// tokenText reads a string metadata field, retrying with the bytes32 encoding. Failures yield "".
func (r *PoolReader) tokenText(ctx context.Context, token common.Address, method string) string {
	for _, def := range []*lazyABI{tokenABI, legacyTokenABI} {
		parsed, err := def.get()
		if err != nil {
			continue
		}
		values, err := r.call(ctx, token, parsed, method, nil)
		if err != nil {
			r.logger.Debug("token metadata call failed", zap.String("token", token.Hex()), zap.String("method", method), zap.Error(err))
			continue
		}
		switch v := values[0].(type) {
		case string:
			return v
		default:
			if text, ok := bytes32ToString(v); ok {
				return text
			}
		}
	}
	return ""
}

func int24Bytes(v int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return buf[1:]
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint256(value interface{}) (*uint256.Int, error) {
	b, err := asBigInt(value)
	if err != nil {
		return nil, err
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", b.String())
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("value %s: %w", b.String(), model.ErrOverflow)
	}
	return v, nil
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
