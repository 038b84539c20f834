package custody

import (
	"errors"
	"time"
)

// Money is an amount in minor units of one asset. No floats.
type Money struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }

// Transaction is a completed double-entry movement between two holders.
type Transaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Asset          string    `json:"asset"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"`
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
	ErrInvalidAsset      = errors.New("invalid asset")
	ErrInvalidHolder     = errors.New("invalid holder")
	// ErrIdempotencyConflict reports a reused key with different transfer terms.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different transfer")
)
