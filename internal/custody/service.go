package custody

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/ids"
)

// Service defines custody operations.
type Service interface {
	Deposit(ctx context.Context, holder string, amt Money) (Transaction, error)
	Balance(ctx context.Context, holder, asset string) (Money, error)
	Transfer(ctx context.Context, from, to string, amt Money, idemKey string) (Transaction, error)
	ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error)
	// Treasury is the holder payouts are drawn from and payments land in.
	Treasury() string
}

// External is the pseudo-holder deposits are drawn from.
const External = "external"

// InMemory implements Service with in-process concurrency safety. Holders
// are created on first credit.
type InMemory struct {
	mu       sync.RWMutex
	treasury string
	payout   string
	holdings map[string]map[string]int64 // holder -> asset -> minor units
	seq      uint64
	txs      []Transaction
	idem     map[string]Transaction
	now      func() time.Time
}

var (
	_ Service            = (*InMemory)(nil)
	_ governance.Custody = (*InMemory)(nil)
)

// NewInMemory creates custody with a treasury holder that pays out in payoutAsset.
func NewInMemory(treasury, payoutAsset string) *InMemory {
	return &InMemory{
		treasury: treasury,
		payout:   payoutAsset,
		holdings: make(map[string]map[string]int64),
		idem:     make(map[string]Transaction),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) Treasury() string { return s.treasury }

func (s *InMemory) Deposit(ctx context.Context, holder string, amt Money) (Transaction, error) {
	if err := validate(holder, amt); err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(holder, amt)
	return s.record(External, holder, amt, ""), nil
}

func (s *InMemory) Balance(ctx context.Context, holder, asset string) (Money, error) {
	if strings.TrimSpace(asset) == "" {
		return Money{}, ErrInvalidAsset
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Money{Asset: asset, Amount: s.holdings[holder][asset]}, nil
}

// Transfer moves amt between holders. A repeated idempotency key returns
// the original transaction without moving funds again; the repeat must name
// the same holders, asset and amount.
func (s *InMemory) Transfer(ctx context.Context, from, to string, amt Money, idemKey string) (Transaction, error) {
	if err := validate(from, amt); err != nil {
		return Transaction{}, err
	}
	if strings.TrimSpace(to) == "" {
		return Transaction{}, ErrInvalidHolder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if tx, ok := s.idem[idemKey]; ok {
			if tx.From != from || tx.To != to || tx.Asset != amt.Asset || tx.Amount != amt.Amount {
				return Transaction{}, fmt.Errorf("%w: %s", ErrIdempotencyConflict, idemKey)
			}
			return tx, nil
		}
	}
	if s.holdings[from][amt.Asset] < amt.Amount {
		return Transaction{}, fmt.Errorf("%w: %s holds %d %s", ErrInsufficientFunds, from, s.holdings[from][amt.Asset], amt.Asset)
	}
	s.holdings[from][amt.Asset] -= amt.Amount
	s.credit(to, amt)
	return s.record(from, to, amt, idemKey), nil
}

func (s *InMemory) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// Payout moves a governed withdrawal from the treasury to the identity.
func (s *InMemory) Payout(ctx context.Context, identityID string, amount int64, reference string) error {
	_, err := s.Transfer(ctx, s.treasury, identityID, Money{Asset: s.payout, Amount: amount}, reference)
	return err
}

// CollectPayment moves an authority join payment into the treasury.
func (s *InMemory) CollectPayment(ctx context.Context, identityID string, asset governance.Asset, amount int64, reference string) error {
	_, err := s.Transfer(ctx, identityID, s.treasury, Money{Asset: string(asset), Amount: amount}, reference)
	return err
}

func (s *InMemory) credit(holder string, amt Money) {
	h, ok := s.holdings[holder]
	if !ok {
		h = make(map[string]int64)
		s.holdings[holder] = h
	}
	h[amt.Asset] += amt.Amount
}

func (s *InMemory) record(from, to string, amt Money, idemKey string) Transaction {
	s.seq++
	tx := Transaction{
		ID:             ids.New(),
		CreatedAt:      s.now(),
		From:           from,
		To:             to,
		Asset:          amt.Asset,
		Amount:         amt.Amount,
		IdempotencyKey: idemKey,
		Sequence:       s.seq,
	}
	s.txs = append(s.txs, tx)
	if idemKey != "" {
		s.idem[idemKey] = tx
	}
	return tx
}

func validate(holder string, amt Money) error {
	if strings.TrimSpace(holder) == "" {
		return ErrInvalidHolder
	}
	if strings.TrimSpace(amt.Asset) == "" {
		return ErrInvalidAsset
	}
	if !amt.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
