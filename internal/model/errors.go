package model

import "errors"

// Ledger error kinds. Every failing operation returns one of these, possibly wrapped.
var (
	ErrOverflow              = errors.New("overflow")
	ErrDivisionByZero        = errors.New("division by zero")
	ErrUnknownPool           = errors.New("unknown pool")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrNotCleared            = errors.New("position not cleared")
	ErrPoolRejected          = errors.New("pool rejected")
	ErrExpired               = errors.New("transaction too old")
	ErrUnauthorized          = errors.New("not approved")
	ErrInvalidRange          = errors.New("invalid range")
	ErrInvalidTokenID        = errors.New("invalid token id")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrOverflow, "Overflow"},
	{ErrDivisionByZero, "DivisionByZero"},
	{ErrUnknownPool, "UnknownPool"},
	{ErrSlippageExceeded, "SlippageExceeded"},
	{ErrInsufficientLiquidity, "InsufficientLiquidity"},
	{ErrNotCleared, "NotCleared"},
	{ErrPoolRejected, "PoolRejected"},
	{ErrExpired, "Expired"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidRange, "InvalidRange"},
	{ErrInvalidTokenID, "InvalidTokenID"},
}

// ErrorKind returns a stable label for err: "" for nil, "Unknown" when no kind matches.
// The first matching kind wins, so a pool rejection caused by an overflow reports Overflow.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return "Unknown"
}
