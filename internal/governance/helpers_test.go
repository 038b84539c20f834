package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu      sync.Mutex
	snap    Snapshot
	commits []Changes
	fail    error
}

func (s *memStore) Load(context.Context) (Snapshot, error) { return s.snap, nil }

func (s *memStore) Commit(_ context.Context, ch Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.commits = append(s.commits, ch)
	return nil
}

type transfer struct {
	identityID string
	asset      Asset
	amount     int64
	reference  string
}

type recordingCustody struct {
	mu       sync.Mutex
	payouts  []transfer
	payments []transfer
	failNext error
}

func (c *recordingCustody) Payout(_ context.Context, id string, amount int64, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	c.payouts = append(c.payouts, transfer{identityID: id, amount: amount, reference: ref})
	return nil
}

func (c *recordingCustody) CollectPayment(_ context.Context, id string, asset Asset, amount int64, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	c.payments = append(c.payments, transfer{identityID: id, asset: asset, amount: amount, reference: ref})
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(_ context.Context, evt Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) count(typ EventType) int {
	n := 0
	for _, got := range l.types() {
		if got == typ {
			n++
		}
	}
	return n
}

type harness struct {
	c       *Coordinator
	clock   *fakeClock
	store   *memStore
	custody *recordingCustody
	events  *eventLog
}

const root = "root"

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(t0),
		store:   &memStore{},
		custody: &recordingCustody{},
		events:  &eventLog{},
	}
	c, err := NewCoordinator(policy,
		WithClock(h.clock.Now),
		WithStore(h.store),
		WithCustody(h.custody),
		WithEvents(h.events),
		WithBootstrapAuthorities(root),
	)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	h.c = c
	return h
}

// seed registers identities directly through the bootstrap authority.
func (h *harness) seed(t *testing.T, levels map[string]Level) {
	t.Helper()
	for id, lvl := range levels {
		if err := h.c.CreateIdentity(context.Background(), root, id, lvl, id, ""); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
