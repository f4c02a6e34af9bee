package scenario

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityLedger/internal/config"
	"liquidityLedger/internal/fixedpoint"
	"liquidityLedger/internal/gateway/sim"
	"liquidityLedger/internal/ledger"
	"liquidityLedger/internal/model"
)

// StepResult is the outcome of one step. Error holds the error kind when the step failed as expected.
type StepResult struct {
	Index     int    `json:"index"`
	Op        string `json:"op"`
	TokenID   uint64 `json:"token_id,omitempty"`
	Liquidity string `json:"liquidity,omitempty"`
	Amount0   string `json:"amount0,omitempty"`
	Amount1   string `json:"amount1,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes a scenario run.
type Report struct {
	Name      string                `json:"name"`
	Steps     []StepResult          `json:"steps"`
	Positions []ledger.PositionInfo `json:"-"`
}

type poolRef struct {
	key     model.PoolKey
	address common.Address
}

// Runner executes scenarios. Each step runs inside Engine.Atomically, so a failed step
// leaves neither ledger nor pool changed.
type Runner struct {
	ledger *ledger.Ledger
	engine *sim.Engine
	clock  *Clock
	logger *zap.Logger

	pools  map[string]poolRef
	labels map[string]uint64
	actors map[string]common.Address
}

// NewRunner wires a runner. The ledger must have been built over engine and clock.
func NewRunner(l *ledger.Ledger, engine *sim.Engine, clock *Clock, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		ledger: l,
		engine: engine,
		clock:  clock,
		logger: logger,
		pools:  make(map[string]poolRef),
		labels: make(map[string]uint64),
		actors: make(map[string]common.Address),
	}
}

// Run creates the scenario's pools and executes its steps in order. A step that fails without
// a matching expect_error, or succeeds when one is set, stops the run.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (Report, error) {
	report := Report{Name: sc.Name}

	start, err := config.ParseTimestamp(sc.Start)
	if err != nil {
		return report, fmt.Errorf("parse start: %w", err)
	}
	if !start.IsZero() {
		r.clock.Set(start)
	}

	for name, hex := range sc.Actors {
		if !common.IsHexAddress(hex) {
			return report, fmt.Errorf("actor %q: invalid address %q", name, hex)
		}
		r.actors[name] = common.HexToAddress(hex)
	}
	for _, spec := range sc.Pools {
		if err := r.createPool(spec); err != nil {
			return report, err
		}
	}

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var res StepResult
		err := r.engine.Atomically(func() error {
			var stepErr error
			res, stepErr = r.execute(ctx, step)
			return stepErr
		})
		res.Index = i
		res.Op = step.Op

		kind := model.ErrorKind(err)
		switch {
		case step.ExpectError != "" && kind != step.ExpectError:
			return report, fmt.Errorf("step %d (%s): expected %s, got %q: %v", i, step.Op, step.ExpectError, kind, err)
		case step.ExpectError == "" && err != nil:
			return report, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		res.Error = kind

		if err == nil && step.As != "" {
			r.labels[step.As] = res.TokenID
		}
		r.logger.Info("scenario step",
			zap.Int("index", i),
			zap.String("op", step.Op),
			zap.Uint64("token_id", res.TokenID),
			zap.String("amount0", res.Amount0),
			zap.String("amount1", res.Amount1),
			zap.String("error", res.Error),
		)
		report.Steps = append(report.Steps, res)
	}

	report.Positions = r.ledger.Positions()
	return report, nil
}

func (r *Runner) createPool(spec PoolSpec) error {
	tokenA, err := parseAddress(spec.TokenA)
	if err != nil {
		return fmt.Errorf("pool %q token_a: %w", spec.Name, err)
	}
	tokenB, err := parseAddress(spec.TokenB)
	if err != nil {
		return fmt.Errorf("pool %q token_b: %w", spec.Name, err)
	}
	key, err := model.NewPoolKey(tokenA, tokenB, spec.Fee)
	if err != nil {
		return fmt.Errorf("pool %q: %w", spec.Name, err)
	}
	price, err := sqrtPrice(spec.Tick, spec.SqrtPrice)
	if err != nil {
		return fmt.Errorf("pool %q: %w", spec.Name, err)
	}
	address := r.ledger.PoolAddress(key)
	if err := r.engine.CreatePool(address, key, spec.TickSpacing, price); err != nil {
		return fmt.Errorf("pool %q: %w", spec.Name, err)
	}
	r.pools[spec.Name] = poolRef{key: key, address: address}
	return nil
}

func (r *Runner) execute(ctx context.Context, step Step) (StepResult, error) {
	switch step.Op {
	case OpOpen:
		return r.open(ctx, step)
	case OpIncrease:
		return r.increase(ctx, step)
	case OpDecrease:
		return r.decrease(ctx, step)
	case OpCollect:
		return r.collect(ctx, step)
	case OpClose:
		return r.close(ctx, step)
	case OpAccrue:
		return r.accrue(step)
	case OpPrice:
		return r.price(step)
	case OpAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return StepResult{}, fmt.Errorf("parse duration: %w", err)
		}
		r.clock.Advance(d)
		return StepResult{}, nil
	default:
		return StepResult{}, fmt.Errorf("unknown op %q", step.Op)
	}
}

func (r *Runner) open(ctx context.Context, step Step) (StepResult, error) {
	caller, err := r.actor(step.Caller)
	if err != nil {
		return StepResult{}, err
	}
	var recipient common.Address
	if step.Recipient != "" {
		if recipient, err = r.actor(step.Recipient); err != nil {
			return StepResult{}, err
		}
	}
	amounts, err := parseAmounts(step.Amount0, step.Amount1, step.Amount0Min, step.Amount1Min)
	if err != nil {
		return StepResult{}, err
	}
	deadline, err := config.ParseTimestamp(step.Deadline)
	if err != nil {
		return StepResult{}, fmt.Errorf("parse deadline: %w", err)
	}

	res, err := r.ledger.Open(ctx, ledger.OpenRequest{
		Caller:         caller,
		Recipient:      recipient,
		Key:            r.pools[step.Pool].key,
		TickLower:      step.TickLower,
		TickUpper:      step.TickUpper,
		Amount0Desired: amounts[0],
		Amount1Desired: amounts[1],
		Amount0Min:     amounts[2],
		Amount1Min:     amounts[3],
		Deadline:       deadline,
	})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		TokenID:   res.TokenID,
		Liquidity: res.Liquidity.Dec(),
		Amount0:   res.Amount0.Dec(),
		Amount1:   res.Amount1.Dec(),
	}, nil
}

func (r *Runner) increase(ctx context.Context, step Step) (StepResult, error) {
	tokenID, caller, err := r.target(step)
	if err != nil {
		return StepResult{}, err
	}
	amounts, err := parseAmounts(step.Amount0, step.Amount1, step.Amount0Min, step.Amount1Min)
	if err != nil {
		return StepResult{}, err
	}
	deadline, err := config.ParseTimestamp(step.Deadline)
	if err != nil {
		return StepResult{}, fmt.Errorf("parse deadline: %w", err)
	}

	res, err := r.ledger.Increase(ctx, ledger.IncreaseRequest{
		Caller:         caller,
		TokenID:        tokenID,
		Amount0Desired: amounts[0],
		Amount1Desired: amounts[1],
		Amount0Min:     amounts[2],
		Amount1Min:     amounts[3],
		Deadline:       deadline,
	})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		TokenID:   tokenID,
		Liquidity: res.Liquidity.Dec(),
		Amount0:   res.Amount0.Dec(),
		Amount1:   res.Amount1.Dec(),
	}, nil
}

func (r *Runner) decrease(ctx context.Context, step Step) (StepResult, error) {
	tokenID, caller, err := r.target(step)
	if err != nil {
		return StepResult{}, err
	}
	var liquidity *uint256.Int
	if strings.EqualFold(step.Liquidity, "all") {
		info, err := r.ledger.Position(tokenID)
		if err != nil {
			return StepResult{}, err
		}
		liquidity = info.Liquidity.Clone()
	} else if liquidity, err = parseAmount(step.Liquidity); err != nil {
		return StepResult{}, err
	}
	mins, err := parseAmounts(step.Amount0Min, step.Amount1Min)
	if err != nil {
		return StepResult{}, err
	}
	deadline, err := config.ParseTimestamp(step.Deadline)
	if err != nil {
		return StepResult{}, fmt.Errorf("parse deadline: %w", err)
	}

	res, err := r.ledger.Decrease(ctx, ledger.DecreaseRequest{
		Caller:     caller,
		TokenID:    tokenID,
		Liquidity:  liquidity,
		Amount0Min: mins[0],
		Amount1Min: mins[1],
		Deadline:   deadline,
	})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		TokenID:   tokenID,
		Liquidity: liquidity.Dec(),
		Amount0:   res.Amount0.Dec(),
		Amount1:   res.Amount1.Dec(),
	}, nil
}

func (r *Runner) collect(ctx context.Context, step Step) (StepResult, error) {
	tokenID, caller, err := r.target(step)
	if err != nil {
		return StepResult{}, err
	}
	var recipient common.Address
	if step.Recipient != "" {
		if recipient, err = r.actor(step.Recipient); err != nil {
			return StepResult{}, err
		}
	}
	max0, max1 := step.Amount0, step.Amount1
	if max0 == "" {
		max0 = "max"
	}
	if max1 == "" {
		max1 = "max"
	}
	maxima, err := parseAmounts(max0, max1)
	if err != nil {
		return StepResult{}, err
	}

	res, err := r.ledger.Collect(ctx, ledger.CollectRequest{
		Caller:     caller,
		TokenID:    tokenID,
		Recipient:  recipient,
		Amount0Max: maxima[0],
		Amount1Max: maxima[1],
	})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{TokenID: tokenID, Amount0: res.Amount0.Dec(), Amount1: res.Amount1.Dec()}, nil
}

func (r *Runner) close(ctx context.Context, step Step) (StepResult, error) {
	tokenID, caller, err := r.target(step)
	if err != nil {
		return StepResult{}, err
	}
	if err := r.ledger.Close(ctx, ledger.CloseRequest{Caller: caller, TokenID: tokenID}); err != nil {
		return StepResult{}, err
	}
	return StepResult{TokenID: tokenID}, nil
}

// accrue adds fee growth to a range, either as raw X128 growth or as token totals
// spread over the range's current liquidity.
func (r *Runner) accrue(step Step) (StepResult, error) {
	pool := r.pools[step.Pool]
	amounts, err := parseAmounts(step.Growth0, step.Growth1, step.Fees0, step.Fees1)
	if err != nil {
		return StepResult{}, err
	}
	growth0, growth1 := amounts[0], amounts[1]
	if !amounts[2].IsZero() || !amounts[3].IsZero() {
		liquidity := r.engine.RangeLiquidity(pool.address, step.TickLower, step.TickUpper)
		if liquidity.IsZero() {
			return StepResult{}, fmt.Errorf("accrue fees into empty range: %w", model.ErrInsufficientLiquidity)
		}
		extra0, err := fixedpoint.MulDiv(amounts[2], fixedpoint.Q128, liquidity)
		if err != nil {
			return StepResult{}, err
		}
		extra1, err := fixedpoint.MulDiv(amounts[3], fixedpoint.Q128, liquidity)
		if err != nil {
			return StepResult{}, err
		}
		growth0 = new(uint256.Int).Add(growth0, extra0)
		growth1 = new(uint256.Int).Add(growth1, extra1)
	}
	if err := r.engine.AccrueFees(pool.address, step.TickLower, step.TickUpper, growth0, growth1); err != nil {
		return StepResult{}, err
	}
	return StepResult{}, nil
}

func (r *Runner) price(step Step) (StepResult, error) {
	var tick int32
	if step.Tick != nil {
		tick = *step.Tick
	}
	price, err := sqrtPrice(tick, step.SqrtPrice)
	if err != nil {
		return StepResult{}, err
	}
	if err := r.engine.SetPrice(r.pools[step.Pool].address, price); err != nil {
		return StepResult{}, err
	}
	return StepResult{}, nil
}

func (r *Runner) target(step Step) (uint64, common.Address, error) {
	caller, err := r.actor(step.Caller)
	if err != nil {
		return 0, common.Address{}, err
	}
	if id, ok := r.labels[step.Position]; ok {
		return id, caller, nil
	}
	id, err := strconv.ParseUint(step.Position, 10, 64)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("position %q was never opened", step.Position)
	}
	return id, caller, nil
}

func (r *Runner) actor(name string) (common.Address, error) {
	if addr, ok := r.actors[name]; ok {
		return addr, nil
	}
	return parseAddress(name)
}

func parseAddress(input string) (common.Address, error) {
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address %q", input)
	}
	return common.HexToAddress(input), nil
}

func sqrtPrice(tick int32, raw string) (*uint256.Int, error) {
	if raw != "" {
		return fixedpoint.ParseUint256(raw)
	}
	return fixedpoint.SqrtPriceAtTick(tick)
}

func parseAmount(input string) (*uint256.Int, error) {
	input = strings.TrimSpace(input)
	if strings.EqualFold(input, "max") {
		return fixedpoint.MaxUint128.Clone(), nil
	}
	return fixedpoint.ParseUint256(strings.ReplaceAll(input, "_", ""))
}

func parseAmounts(inputs ...string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(inputs))
	for i, input := range inputs {
		v, err := parseAmount(input)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
