package governance

import (
	"context"
	"time"
)

// Changes is the set of rows one operation writes. It is committed as a
// unit before the in-memory tables change.
type Changes struct {
	Identities  []Identity
	Authorities []string
	Actions     []Action
	Quotas      []QuotaWindow
}

func (c Changes) Empty() bool {
	return len(c.Identities) == 0 && len(c.Authorities) == 0 && len(c.Actions) == 0 && len(c.Quotas) == 0
}

// Snapshot is the durable state loaded on start. Quotas holds the latest
// window per identity.
type Snapshot struct {
	Identities  []Identity
	Authorities []string
	Actions     []Action
	Quotas      []QuotaWindow
}

// Store persists governance tables.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, ch Changes) error
}

// Custody is the external asset component. The core only authorizes
// movements; custody performs them.
type Custody interface {
	// Payout moves amount from the treasury to identityID.
	Payout(ctx context.Context, identityID string, amount int64, reference string) error
	// CollectPayment moves amount of asset from identityID to the treasury.
	CollectPayment(ctx context.Context, identityID string, asset Asset, amount int64, reference string) error
}

// Observer is told the outcome of every coordinator operation.
type Observer interface {
	Observe(op string, err error, elapsed time.Duration)
}

type nopStore struct{}

func (nopStore) Load(context.Context) (Snapshot, error) { return Snapshot{}, nil }
func (nopStore) Commit(context.Context, Changes) error  { return nil }

type nopCustody struct{}

func (nopCustody) Payout(context.Context, string, int64, string) error { return nil }
func (nopCustody) CollectPayment(context.Context, string, Asset, int64, string) error {
	return nil
}
