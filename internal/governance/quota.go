package governance

import (
	"fmt"
	"time"
)

// QuotaPolicy configures per-level withdrawal ceilings.
type QuotaPolicy struct {
	// LevelLimits[i] is the per-request ceiling for level i+1.
	LevelLimits             [MaxLevel]int64
	MaxWithdrawalsPerPeriod int
	Period                  time.Duration
}

// DefaultQuotaPolicy mirrors the reference deployment: limits 1000..4000,
// five withdrawals per 30-day period.
func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{
		LevelLimits:             [MaxLevel]int64{1000, 2000, 3000, 4000},
		MaxWithdrawalsPerPeriod: 5,
		Period:                  30 * 24 * time.Hour,
	}
}

func (p QuotaPolicy) Validate() error {
	if p.Period < time.Second {
		return fmt.Errorf("quota period must be at least 1s, got %s", p.Period)
	}
	if p.MaxWithdrawalsPerPeriod <= 0 {
		return fmt.Errorf("max withdrawals per period must be > 0, got %d", p.MaxWithdrawalsPerPeriod)
	}
	for i, lim := range p.LevelLimits {
		if lim < 0 {
			return fmt.Errorf("limit for level %d must be >= 0, got %d", i+1, lim)
		}
	}
	return nil
}

// LimitFor returns the per-request ceiling for level.
func (p QuotaPolicy) LimitFor(level Level) int64 {
	if !level.Valid() {
		return 0
	}
	return p.LevelLimits[level-1]
}

// PeriodIndex derives the period a wall-clock instant falls into.
func (p QuotaPolicy) PeriodIndex(now time.Time) int64 {
	return now.Unix() / int64(p.Period/time.Second)
}

// QuotaTracker accounts withdrawals per identity and period. Rollover is
// lazy: a stored window from an older period reads as empty.
type QuotaTracker struct {
	policy   QuotaPolicy
	registry *IdentityRegistry
	windows  map[string]QuotaWindow
}

func NewQuotaTracker(policy QuotaPolicy, registry *IdentityRegistry) *QuotaTracker {
	return &QuotaTracker{
		policy:   policy,
		registry: registry,
		windows:  make(map[string]QuotaWindow),
	}
}

func (q *QuotaTracker) Policy() QuotaPolicy { return q.policy }

// Withdraw records a withdrawal of amount at now and returns the updated window.
func (q *QuotaTracker) Withdraw(id string, amount int64, now time.Time) (QuotaWindow, error) {
	w, err := q.planWithdraw(id, amount, now)
	if err != nil {
		return QuotaWindow{}, err
	}
	q.put(w)
	return w, nil
}

// Window returns the identity's window for the period containing now.
func (q *QuotaTracker) Window(id string, now time.Time) QuotaWindow {
	period := q.policy.PeriodIndex(now)
	w, ok := q.windows[id]
	if !ok || w.Period != period {
		return QuotaWindow{IdentityID: id, Period: period}
	}
	return w
}

func (q *QuotaTracker) planWithdraw(id string, amount int64, now time.Time) (QuotaWindow, error) {
	if amount <= 0 {
		return QuotaWindow{}, ErrInvalidAmount
	}
	level, err := q.registry.level(id)
	if err != nil {
		return QuotaWindow{}, err
	}
	w := q.Window(id, now)
	if limit := q.policy.LimitFor(level); amount > limit {
		return QuotaWindow{}, fmt.Errorf("%w: %d exceeds level %d limit %d", ErrInsufficientWithdrawalBalance, amount, level, limit)
	}
	if w.Count >= q.policy.MaxWithdrawalsPerPeriod {
		return QuotaWindow{}, fmt.Errorf("%w: %d withdrawals in period %d", ErrWithdrawalLimitExceeded, w.Count, w.Period)
	}
	w.Count++
	w.Withdrawn += amount
	return w, nil
}

// put keeps the newest window per identity; older periods are never read again.
func (q *QuotaTracker) put(w QuotaWindow) {
	if cur, ok := q.windows[w.IdentityID]; ok && cur.Period > w.Period {
		return
	}
	q.windows[w.IdentityID] = w
}
