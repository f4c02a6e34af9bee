package model

import "time"

// Ledger event names.
const (
	EventOpen              = "Open"
	EventIncreaseLiquidity = "IncreaseLiquidity"
	EventDecreaseLiquidity = "DecreaseLiquidity"
	EventCollect           = "Collect"
	EventClose             = "Close"
)

// LedgerEvent records one committed ledger operation. Amounts are decimal strings.
type LedgerEvent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TokenID    uint64    `json:"token_id"`
	PoolHandle uint64    `json:"pool_handle"`
	TickLower  int32     `json:"tick_lower"`
	TickUpper  int32     `json:"tick_upper"`
	Caller     string    `json:"caller,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Liquidity  string    `json:"liquidity,omitempty"`
	Amount0    string    `json:"amount0,omitempty"`
	Amount1    string    `json:"amount1,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
