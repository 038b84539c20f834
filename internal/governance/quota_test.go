package governance

import (
	"errors"
	"testing"
	"time"
)

func newTestTracker(t *testing.T, levels map[string]Level) *QuotaTracker {
	t.Helper()
	reg := NewIdentityRegistry(nil)
	for id, lvl := range levels {
		if err := reg.CreateIdentity(id, lvl, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	return NewQuotaTracker(DefaultQuotaPolicy(), reg)
}

func TestQuotaLimitsPerLevel(t *testing.T) {
	q := newTestTracker(t, map[string]Level{"l1": 1, "l2": 2, "l3": 3, "l4": 4})
	cases := []struct {
		id     string
		ok     int64
		tooBig int64
	}{
		{"l1", 1000, 1001},
		{"l2", 2000, 2001},
		{"l3", 3000, 3001},
		{"l4", 4000, 4001},
	}
	for _, tc := range cases {
		if _, err := q.Withdraw(tc.id, tc.tooBig, t0); !errors.Is(err, ErrInsufficientWithdrawalBalance) {
			t.Fatalf("%s: expected ErrInsufficientWithdrawalBalance, got %v", tc.id, err)
		}
		w, err := q.Withdraw(tc.id, tc.ok, t0)
		if err != nil {
			t.Fatalf("%s: %v", tc.id, err)
		}
		if w.Withdrawn != tc.ok || w.Count != 1 {
			t.Fatalf("%s: unexpected window %+v", tc.id, w)
		}
	}
}

func TestQuotaRolloverIndependence(t *testing.T) {
	q := newTestTracker(t, map[string]Level{"u": 1})
	p := q.Policy()
	start := time.Unix(p.PeriodIndex(t0)*int64(p.Period/time.Second), 0).UTC()

	for i := 0; i < p.MaxWithdrawalsPerPeriod; i++ {
		if _, err := q.Withdraw("u", 500, start.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	last := start.Add(p.Period - time.Second)
	if _, err := q.Withdraw("u", 1, last); !errors.Is(err, ErrWithdrawalLimitExceeded) {
		t.Fatalf("expected ErrWithdrawalLimitExceeded, got %v", err)
	}

	next := start.Add(p.Period)
	if w := q.Window("u", next); w.Count != 0 || w.Withdrawn != 0 {
		t.Fatalf("stale period leaked into next: %+v", w)
	}
	w, err := q.Withdraw("u", 1000, next)
	if err != nil {
		t.Fatal(err)
	}
	if w.Period != p.PeriodIndex(start)+1 || w.Count != 1 {
		t.Fatalf("unexpected window: %+v", w)
	}
	// Late writes for an older period never replace the newer window.
	q.put(QuotaWindow{IdentityID: "u", Period: w.Period - 1, Count: 9})
	if got := q.Window("u", next); got.Count != 1 {
		t.Fatalf("older window replaced newer: %+v", got)
	}
}

func TestQuotaRemovedIdentity(t *testing.T) {
	q := newTestTracker(t, map[string]Level{"u": 2})
	if err := q.registry.RemoveIdentity("u"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Withdraw("u", 1, t0); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestQuotaPolicyValidate(t *testing.T) {
	p := DefaultQuotaPolicy()
	p.Period = time.Millisecond
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for sub-second period")
	}
	p = DefaultQuotaPolicy()
	p.LevelLimits[2] = -1
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for negative limit")
	}
	if got := DefaultQuotaPolicy().LimitFor(9); got != 0 {
		t.Fatalf("invalid level limit = %d", got)
	}
}
