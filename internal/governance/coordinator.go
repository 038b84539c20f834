package governance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/ids"
)

// Policy is the deployment configuration of a coordinator.
type Policy struct {
	Quota          QuotaPolicy
	ApprovalWindow time.Duration
	Rules          RuleTable
	// JoinThresholds is the minimum payment per accepted asset for joinAsAuthority.
	JoinThresholds map[Asset]int64
}

// DefaultPolicy returns the reference deployment policy.
func DefaultPolicy() Policy {
	return Policy{
		Quota:          DefaultQuotaPolicy(),
		ApprovalWindow: DefaultApprovalWindow,
		Rules:          DefaultRules(),
		JoinThresholds: map[Asset]int64{
			"BNB": 100_000_000_000_000_000, // 0.1 BNB in wei
			"GBR": 1_000_000,
		},
	}
}

func (p Policy) Validate() error {
	if err := p.Quota.Validate(); err != nil {
		return err
	}
	if p.ApprovalWindow <= 0 {
		return fmt.Errorf("approval window must be > 0, got %s", p.ApprovalWindow)
	}
	if err := p.Rules.Validate(); err != nil {
		return err
	}
	for asset, amt := range p.JoinThresholds {
		if asset == "" || amt <= 0 {
			return fmt.Errorf("join threshold %q must be > 0, got %d", asset, amt)
		}
	}
	return nil
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

func WithStore(s Store) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.store = s
		}
	}
}

func WithCustody(cu Custody) Option {
	return func(c *Coordinator) {
		if cu != nil {
			c.custody = cu
		}
	}
}

func WithEvents(sink EventSink) Option {
	return func(c *Coordinator) { c.events = sink }
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithBootstrapAuthorities grants the authority capability at construction.
func WithBootstrapAuthorities(holders ...string) Option {
	return func(c *Coordinator) {
		for _, h := range holders {
			if h = strings.TrimSpace(h); h != "" {
				c.caps.grant(h)
			}
		}
	}
}

// Coordinator orchestrates proposal, approval and execution over the
// registry, quota tracker and approval ledger. Every operation runs under
// one lock and samples the clock once.
type Coordinator struct {
	mu sync.RWMutex

	policy   Policy
	caps     *Capabilities
	registry *IdentityRegistry
	quota    *QuotaTracker
	ledger   *ApprovalLedger

	now      func() time.Time
	store    Store
	custody  Custody
	events   EventSink
	observer Observer
	newID    func() string
}

// NewCoordinator builds a coordinator with empty tables.
func NewCoordinator(policy Policy, opts ...Option) (*Coordinator, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}
	caps := NewCapabilities()
	registry := NewIdentityRegistry(caps)
	c := &Coordinator{
		policy:   policy,
		caps:     caps,
		registry: registry,
		quota:    NewQuotaTracker(policy.Quota, registry),
		ledger:   NewApprovalLedger(policy.ApprovalWindow),
		now:      time.Now,
		store:    nopStore{},
		custody:  nopCustody{},
		newID:    ids.New,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) Policy() Policy { return c.policy }

// Load replaces in-memory tables with the store snapshot and persists any
// bootstrap authorities missing from it.
func (c *Coordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load governance state: %w", err)
	}
	var missing []string
	stored := make(map[string]bool, len(snap.Authorities))
	for _, h := range snap.Authorities {
		stored[h] = true
	}
	for _, h := range c.caps.Holders() {
		if !stored[h] {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		if err := c.store.Commit(ctx, Changes{Authorities: missing}); err != nil {
			return fmt.Errorf("persist bootstrap authorities: %w", err)
		}
	}
	for _, h := range snap.Authorities {
		c.caps.grant(h)
	}
	for _, ident := range snap.Identities {
		c.registry.put(ident)
	}
	for _, a := range snap.Actions {
		c.ledger.put(a.clone())
	}
	for _, w := range snap.Quotas {
		c.quota.put(w)
	}
	return nil
}

// txn stages one operation's writes, transfers and events.
type txn struct {
	now      time.Time
	changes  Changes
	payouts  []payout
	payments []payment
	events   []Event
}

type payout struct {
	identityID string
	amount     int64
	reference  string
}

type payment struct {
	identityID string
	proof      PaymentProof
}

// begin opens a txn stamped at millisecond precision, the resolution the
// store keeps.
func (c *Coordinator) begin() *txn {
	return &txn{now: c.now().Truncate(time.Millisecond)}
}

func (t *txn) event(evt Event) {
	evt.Timestamp = t.now
	t.events = append(t.events, evt)
}

// commit performs custody movements, persists the change set, then applies
// it to memory and publishes events. Any failure leaves tables unchanged.
func (c *Coordinator) commit(ctx context.Context, t *txn) error {
	for _, p := range t.payments {
		if err := c.custody.CollectPayment(ctx, p.identityID, p.proof.Asset, p.proof.Amount, joinReference(p.identityID, p.proof.Reference)); err != nil {
			return fmt.Errorf("collect payment: %w", err)
		}
	}
	for _, p := range t.payouts {
		if err := c.custody.Payout(ctx, p.identityID, p.amount, p.reference); err != nil {
			return fmt.Errorf("payout: %w", err)
		}
	}
	if !t.changes.Empty() {
		if err := c.store.Commit(ctx, t.changes); err != nil {
			return fmt.Errorf("commit governance changes: %w", err)
		}
	}
	for _, h := range t.changes.Authorities {
		c.caps.grant(h)
	}
	for _, ident := range t.changes.Identities {
		c.registry.put(ident)
	}
	for _, w := range t.changes.Quotas {
		c.quota.put(w)
	}
	for _, a := range t.changes.Actions {
		c.ledger.put(a)
	}
	if c.events != nil {
		for _, evt := range t.events {
			evt.ID = c.newID()
			c.events.Publish(ctx, evt)
		}
	}
	return nil
}

func (c *Coordinator) observe(op string, start time.Time, err *error) {
	if c.observer != nil {
		c.observer.Observe(op, *err, time.Since(start))
	}
}

// --- identities ---

// GetIdentity returns a snapshot; absence is Exists=false.
func (c *Coordinator) GetIdentity(ctx context.Context, id string) Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.GetIdentity(id)
}

// HasAuthority reports whether id holds the authority capability.
func (c *Coordinator) HasAuthority(ctx context.Context, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps.Has(id)
}

func (c *Coordinator) Authorities(ctx context.Context) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps.Holders()
}

// CreateIdentity inserts an identity directly on behalf of an authority holder.
func (c *Coordinator) CreateIdentity(ctx context.Context, callerID, id string, level Level, name, profileRef string) (err error) {
	defer c.observe("create_identity", time.Now(), &err)
	return c.direct(ctx, callerID, func() (Identity, error) {
		return c.registry.planCreate(id, level, name, profileRef)
	})
}

// UpdateLevel changes an identity's level directly on behalf of an authority holder.
func (c *Coordinator) UpdateLevel(ctx context.Context, callerID, id string, level Level) (err error) {
	defer c.observe("update_level", time.Now(), &err)
	return c.direct(ctx, callerID, func() (Identity, error) {
		return c.registry.planUpdateLevel(id, level)
	})
}

// RemoveIdentity marks an identity removed directly on behalf of an authority holder.
func (c *Coordinator) RemoveIdentity(ctx context.Context, callerID, id string) (err error) {
	defer c.observe("remove_identity", time.Now(), &err)
	return c.direct(ctx, callerID, func() (Identity, error) {
		return c.registry.planRemove(id)
	})
}

func (c *Coordinator) direct(ctx context.Context, callerID string, plan func() (Identity, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.begin()
	if !c.caps.Has(callerID) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, callerID)
	}
	ident, err := plan()
	if err != nil {
		return err
	}
	t.changes.Identities = append(t.changes.Identities, ident)
	t.event(Event{Type: EventIdentityChanged, ActorID: callerID, IdentityID: ident.ID})
	return c.commit(ctx, t)
}

// GrantAuthority lets an existing holder extend the capability table.
func (c *Coordinator) GrantAuthority(ctx context.Context, callerID, id string) (err error) {
	defer c.observe("grant_authority", time.Now(), &err)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.begin()
	if !c.caps.Has(callerID) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, callerID)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}
	if c.caps.Has(id) {
		return nil
	}
	t.changes.Authorities = []string{id}
	t.event(Event{Type: EventAuthorityGranted, ActorID: callerID, IdentityID: id})
	return c.commit(ctx, t)
}

// JoinAsAuthority grants the authority capability against a payment that
// meets the configured threshold for its asset. Existing holders are not
// charged again.
func (c *Coordinator) JoinAsAuthority(ctx context.Context, identityID string, proof PaymentProof) (err error) {
	defer c.observe("join_authority", time.Now(), &err)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.begin()

	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return ErrInvalidID
	}
	if proof.Amount <= 0 {
		return ErrInvalidAmount
	}
	threshold, ok := c.policy.JoinThresholds[proof.Asset]
	if !ok {
		return fmt.Errorf("%w: asset %q not accepted", ErrInsufficientPayment, proof.Asset)
	}
	if proof.Amount < threshold {
		return fmt.Errorf("%w: %d %s below %d", ErrInsufficientPayment, proof.Amount, proof.Asset, threshold)
	}
	if c.caps.Has(identityID) {
		return nil
	}
	t.payments = append(t.payments, payment{identityID: identityID, proof: proof})
	t.changes.Authorities = []string{identityID}
	t.event(Event{Type: EventAuthorityJoined, IdentityID: identityID, Amount: proof.Amount, Asset: proof.Asset})
	return c.commit(ctx, t)
}

// joinReference scopes a caller-chosen payment reference to the payer so it
// cannot collide with another identity's payment or with payout keys.
func joinReference(identityID, ref string) string {
	if ref == "" {
		return ""
	}
	return "join:" + identityID + ":" + ref
}

// --- actions ---

// Proposal is the result of ProposeAction.
type Proposal struct {
	ActionID string `json:"action_id"`
	Executed bool   `json:"executed"`
}

// ProposeAction registers an action. Proposals by authority holders execute
// immediately.
func (c *Coordinator) ProposeAction(ctx context.Context, proposerID string, typ ActionType, targetID string, payload Payload) (res Proposal, err error) {
	defer c.observe("propose_action", time.Now(), &err)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.begin()

	if !typ.Valid() {
		return Proposal{}, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, typ)
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return Proposal{}, ErrInvalidID
	}
	payload, err = normalizePayload(typ, payload)
	if err != nil {
		return Proposal{}, err
	}

	authority := c.caps.Has(proposerID)
	var proposerLevel Level
	if ident := c.registry.GetIdentity(proposerID); ident.Exists {
		proposerLevel = ident.Level
	} else if !authority {
		return Proposal{}, fmt.Errorf("%w: proposer %s", ErrUnknownIdentity, proposerID)
	}
	targetLevel, err := c.targetLevel(typ, targetID, payload)
	if err != nil {
		return Proposal{}, err
	}

	id, err := ActionID(typ, targetID, payload)
	if err != nil {
		return Proposal{}, err
	}
	a, err := c.ledger.planPropose(Action{
		ID:          id,
		Type:        typ,
		TargetID:    targetID,
		Payload:     payload,
		ProposerID:  proposerID,
		Requirement: c.policy.Rules.Requirement(proposerLevel, targetLevel),
	}, t.now)
	if err != nil {
		return Proposal{}, err
	}
	t.event(Event{Type: EventActionProposed, ActionID: a.ID, ActionType: a.Type, ActorID: proposerID, IdentityID: targetID})

	if authority {
		if a, err = c.planExecution(t, a); err != nil {
			return Proposal{}, err
		}
	}
	t.changes.Actions = append(t.changes.Actions, a)
	if err := c.commit(ctx, t); err != nil {
		return Proposal{}, err
	}
	return Proposal{ActionID: a.ID, Executed: a.Executed}, nil
}

// ApproveAction records an approval and executes the action when this
// approval first satisfies its threshold.
func (c *Coordinator) ApproveAction(ctx context.Context, approverID, actionID string) (executed bool, err error) {
	defer c.observe("approve_action", time.Now(), &err)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.begin()

	a, err := c.ledger.checkApprovable(actionID, approverID, t.now)
	if err != nil {
		return false, err
	}
	ap := Approval{ApproverID: approverID, Authority: c.caps.Has(approverID)}
	if ident := c.registry.GetIdentity(approverID); ident.Exists {
		ap.Level = ident.Level
	} else if !ap.Authority {
		return false, fmt.Errorf("%w: %s is not a registered identity", ErrUnauthorizedApprover, approverID)
	}
	if !ap.Authority {
		if err := a.Requirement.Accepts(a.approvalLevels(), ap.Level); err != nil {
			return false, err
		}
	}
	if a, err = c.ledger.planApproval(actionID, ap, t.now); err != nil {
		return false, err
	}
	t.event(Event{Type: EventActionApproved, ActionID: a.ID, ActionType: a.Type, ActorID: approverID, Count: len(a.Approvals)})

	if ap.Authority || a.Requirement.Satisfied(a.approvalLevels()) {
		if a, err = c.planExecution(t, a); err != nil {
			return false, err
		}
	}
	t.changes.Actions = append(t.changes.Actions, a)
	if err := c.commit(ctx, t); err != nil {
		return false, err
	}
	return a.Executed, nil
}

// GetActionDetails summarizes an action at the instant of the call.
func (c *Coordinator) GetActionDetails(ctx context.Context, actionID string) ActionDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ledger.GetActionDetails(actionID, c.now())
}

// ActionView is an action with its status computed at read time.
type ActionView struct {
	Action
	Status Status `json:"status"`
}

func (c *Coordinator) GetAction(ctx context.Context, actionID string) (ActionView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.ledger.Action(actionID)
	if !ok {
		return ActionView{}, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	return ActionView{Action: a, Status: a.StatusAt(c.now())}, nil
}

func normalizePayload(typ ActionType, p Payload) (Payload, error) {
	out := Payload{Nonce: p.Nonce}
	switch typ {
	case ActionCreateIdentity:
		if !p.Level.Valid() {
			return Payload{}, fmt.Errorf("%w: %d", ErrInvalidLevel, p.Level)
		}
		out.Level, out.Name, out.ProfileRef = p.Level, p.Name, p.ProfileRef
	case ActionUpdateLevel:
		if !p.Level.Valid() {
			return Payload{}, fmt.Errorf("%w: %d", ErrInvalidLevel, p.Level)
		}
		out.Level = p.Level
	case ActionWithdraw:
		if p.Amount <= 0 {
			return Payload{}, ErrInvalidAmount
		}
		out.Amount = p.Amount
	}
	return out, nil
}

// targetLevel is the level an action acts at, validated against the
// registry as it stands at proposal time.
func (c *Coordinator) targetLevel(typ ActionType, targetID string, p Payload) (Level, error) {
	if typ == ActionCreateIdentity {
		if _, err := c.registry.planCreate(targetID, p.Level, p.Name, p.ProfileRef); err != nil {
			return 0, err
		}
		return p.Level, nil
	}
	current, err := c.registry.level(targetID)
	if err != nil {
		return 0, err
	}
	if typ == ActionUpdateLevel {
		return max(current, p.Level), nil
	}
	return current, nil
}

// planExecution stages the mutation an action authorizes and marks it executed.
func (c *Coordinator) planExecution(t *txn, a Action) (Action, error) {
	var err error
	switch a.Type {
	case ActionCreateIdentity:
		err = c.stageIdentity(t, func() (Identity, error) {
			return c.registry.planCreate(a.TargetID, a.Payload.Level, a.Payload.Name, a.Payload.ProfileRef)
		})
	case ActionUpdateLevel:
		err = c.stageIdentity(t, func() (Identity, error) {
			return c.registry.planUpdateLevel(a.TargetID, a.Payload.Level)
		})
	case ActionRemoveIdentity:
		err = c.stageIdentity(t, func() (Identity, error) {
			return c.registry.planRemove(a.TargetID)
		})
	case ActionWithdraw:
		var w QuotaWindow
		if w, err = c.quota.planWithdraw(a.TargetID, a.Payload.Amount, t.now); err == nil {
			t.changes.Quotas = append(t.changes.Quotas, w)
			t.payouts = append(t.payouts, payout{identityID: a.TargetID, amount: a.Payload.Amount, reference: "action:" + a.ID})
			t.event(Event{Type: EventWithdrawalProcessed, ActionID: a.ID, IdentityID: a.TargetID, Amount: a.Payload.Amount, Count: w.Count})
		}
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	if err != nil {
		return Action{}, fmt.Errorf("execute action %s: %w", a.ID, err)
	}
	a = planExecuted(a, t.now)
	t.event(Event{Type: EventActionExecuted, ActionID: a.ID, ActionType: a.Type, IdentityID: a.TargetID})
	return a, nil
}

func (c *Coordinator) stageIdentity(t *txn, plan func() (Identity, error)) error {
	ident, err := plan()
	if err != nil {
		return err
	}
	t.changes.Identities = append(t.changes.Identities, ident)
	return nil
}

// --- quota ---

// Withdraw draws amount for identityID against its level quota and returns
// the period's new cumulative total.
func (c *Coordinator) Withdraw(ctx context.Context, identityID string, amount int64) (total int64, err error) {
	defer c.observe("withdraw", time.Now(), &err)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.begin()

	w, err := c.quota.planWithdraw(identityID, amount, t.now)
	if err != nil {
		return 0, err
	}
	ref := fmt.Sprintf("withdraw:%s:%d:%d", identityID, w.Period, w.Count)
	t.payouts = append(t.payouts, payout{identityID: identityID, amount: amount, reference: ref})
	t.changes.Quotas = append(t.changes.Quotas, w)
	t.event(Event{Type: EventWithdrawalProcessed, IdentityID: identityID, ActorID: identityID, Amount: amount, Count: w.Count})
	if err := c.commit(ctx, t); err != nil {
		return 0, err
	}
	return w.Withdrawn, nil
}

// QuotaWindow returns the identity's window for the current period.
func (c *Coordinator) QuotaWindow(ctx context.Context, identityID string) QuotaWindow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quota.Window(identityID, c.now())
}
