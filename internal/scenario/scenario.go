// Package scenario replays scripted ledger activity against a simulated pool.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step operations.
const (
	OpOpen     = "open"
	OpIncrease = "increase"
	OpDecrease = "decrease"
	OpCollect  = "collect"
	OpClose    = "close"
	OpAccrue   = "accrue"
	OpPrice    = "price"
	OpAdvance  = "advance"
)

// Scenario is a named script of pools, actors and steps.
type Scenario struct {
	Name   string            `yaml:"name"`
	Start  string            `yaml:"start"`
	Actors map[string]string `yaml:"actors"`
	Pools  []PoolSpec        `yaml:"pools"`
	Steps  []Step            `yaml:"steps"`
}

// PoolSpec initializes a simulated pool. Price is given as a tick or a raw sqrt price.
type PoolSpec struct {
	Name        string `yaml:"name"`
	TokenA      string `yaml:"token_a"`
	TokenB      string `yaml:"token_b"`
	Fee         uint32 `yaml:"fee"`
	TickSpacing int32  `yaml:"tick_spacing"`
	Tick        int32  `yaml:"tick"`
	SqrtPrice   string `yaml:"sqrt_price"`
}

// Step is one scripted action. Amounts are decimal strings; "max" means the uint128 maximum.
type Step struct {
	Op          string `yaml:"op"`
	Pool        string `yaml:"pool"`
	Caller      string `yaml:"caller"`
	Recipient   string `yaml:"recipient"`
	Position    string `yaml:"position"`
	As          string `yaml:"as"`
	TickLower   int32  `yaml:"tick_lower"`
	TickUpper   int32  `yaml:"tick_upper"`
	Amount0     string `yaml:"amount0"`
	Amount1     string `yaml:"amount1"`
	Amount0Min  string `yaml:"amount0_min"`
	Amount1Min  string `yaml:"amount1_min"`
	Liquidity   string `yaml:"liquidity"`
	Growth0     string `yaml:"growth0"`
	Growth1     string `yaml:"growth1"`
	Fees0       string `yaml:"fees0"`
	Fees1       string `yaml:"fees1"`
	Tick        *int32 `yaml:"tick"`
	SqrtPrice   string `yaml:"sqrt_price"`
	Deadline    string `yaml:"deadline"`
	Duration    string `yaml:"duration"`
	ExpectError string `yaml:"expect_error"`
}

// LoadFile reads a scenario from a YAML file.
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and validates a scenario. Unknown fields are rejected.
func Decode(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty scenario")
		}
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks references between steps, pools and position labels.
func (s *Scenario) Validate() error {
	pools := make(map[string]struct{}, len(s.Pools))
	for i, pool := range s.Pools {
		if pool.Name == "" {
			return fmt.Errorf("pool %d: name is required", i)
		}
		if _, dup := pools[pool.Name]; dup {
			return fmt.Errorf("pool %q defined twice", pool.Name)
		}
		if pool.TickSpacing <= 0 {
			return fmt.Errorf("pool %q: tick_spacing must be positive", pool.Name)
		}
		pools[pool.Name] = struct{}{}
	}

	labels := make(map[string]struct{})
	for i, step := range s.Steps {
		step.Op = strings.ToLower(strings.TrimSpace(step.Op))
		switch step.Op {
		case OpOpen, OpAccrue, OpPrice:
			if _, ok := pools[step.Pool]; !ok {
				return fmt.Errorf("step %d (%s): unknown pool %q", i, step.Op, step.Pool)
			}
		case OpIncrease, OpDecrease, OpCollect, OpClose:
			if step.Position == "" {
				return fmt.Errorf("step %d (%s): position is required", i, step.Op)
			}
			if !isNumeric(step.Position) {
				if _, ok := labels[step.Position]; !ok {
					return fmt.Errorf("step %d (%s): unknown position %q", i, step.Op, step.Position)
				}
			}
		case OpAdvance:
			if step.Duration == "" {
				return fmt.Errorf("step %d (advance): duration is required", i)
			}
		default:
			return fmt.Errorf("step %d: unknown op %q", i, step.Op)
		}
		if step.As != "" {
			if step.Op != OpOpen {
				return fmt.Errorf("step %d (%s): only open steps can be labelled", i, step.Op)
			}
			labels[step.As] = struct{}{}
		}
		s.Steps[i].Op = step.Op
	}
	return nil
}

func isNumeric(input string) bool {
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return input != ""
}
