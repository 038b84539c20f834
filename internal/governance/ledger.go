package governance

import (
	"fmt"
	"time"
)

// DefaultApprovalWindow is how long a proposal accepts approvals.
const DefaultApprovalWindow = 7 * 24 * time.Hour

// ApprovalLedger tracks one approval workflow per action id. Entries are
// never deleted; expired ones stay queryable and reject approvals.
type ApprovalLedger struct {
	window  time.Duration
	actions map[string]Action
}

func NewApprovalLedger(window time.Duration) *ApprovalLedger {
	if window <= 0 {
		window = DefaultApprovalWindow
	}
	return &ApprovalLedger{window: window, actions: make(map[string]Action)}
}

// ProposeAction opens a bare workflow for actionID.
func (l *ApprovalLedger) ProposeAction(actionID, proposerID string, now time.Time) (Action, error) {
	a, err := l.planPropose(Action{ID: actionID, ProposerID: proposerID}, now)
	if err != nil {
		return Action{}, err
	}
	l.put(a)
	return a.clone(), nil
}

// AddApproval records approverID and returns the new approval count.
func (l *ApprovalLedger) AddApproval(actionID, approverID string, now time.Time) (int, error) {
	a, err := l.planApproval(actionID, Approval{ApproverID: approverID}, now)
	if err != nil {
		return 0, err
	}
	l.put(a)
	return len(a.Approvals), nil
}

// GetActionDetails reports an unknown id as not pending with no approvals.
func (l *ApprovalLedger) GetActionDetails(actionID string, now time.Time) ActionDetails {
	a, ok := l.actions[actionID]
	if !ok {
		return ActionDetails{}
	}
	return ActionDetails{
		IsPending:      a.StatusAt(now) == StatusProposed,
		ApprovalsCount: len(a.Approvals),
	}
}

// Action returns a copy of the stored record.
func (l *ApprovalLedger) Action(actionID string) (Action, bool) {
	a, ok := l.actions[actionID]
	if !ok {
		return Action{}, false
	}
	return a.clone(), true
}

func (l *ApprovalLedger) planPropose(draft Action, now time.Time) (Action, error) {
	if draft.ID == "" {
		return Action{}, fmt.Errorf("%w: empty action id", ErrInvalidAction)
	}
	if _, ok := l.actions[draft.ID]; ok {
		return Action{}, fmt.Errorf("%w: %s", ErrActionAlreadyProposed, draft.ID)
	}
	draft.CreatedAt = now.Truncate(time.Millisecond)
	draft.ExpiresAt = draft.CreatedAt.Add(l.window).Truncate(time.Millisecond)
	draft.Executed = false
	draft.ExecutedAt = time.Time{}
	draft.Approvals = nil
	return draft, nil
}

// checkApprovable applies the ledger-level rejections in order: unknown,
// expired, duplicate approver, executed. An executed action never reads as
// expired.
func (l *ApprovalLedger) checkApprovable(actionID, approverID string, now time.Time) (Action, error) {
	a, ok := l.actions[actionID]
	if !ok {
		return Action{}, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	if a.StatusAt(now) == StatusExpired {
		return Action{}, fmt.Errorf("%w: %s expired at %s", ErrActionExpired, actionID, a.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if a.hasApprover(approverID) {
		return Action{}, fmt.Errorf("%w: %s by %s", ErrAlreadyApproved, actionID, approverID)
	}
	if a.Executed {
		return Action{}, fmt.Errorf("%w: %s", ErrAlreadyExecuted, actionID)
	}
	return a.clone(), nil
}

func (l *ApprovalLedger) planApproval(actionID string, ap Approval, now time.Time) (Action, error) {
	a, err := l.checkApprovable(actionID, ap.ApproverID, now)
	if err != nil {
		return Action{}, err
	}
	ap.ApprovedAt = now
	a.Approvals = append(a.Approvals, ap)
	return a, nil
}

func planExecuted(a Action, now time.Time) Action {
	a.Executed = true
	a.ExecutedAt = now
	return a
}

func (l *ApprovalLedger) put(a Action) { l.actions[a.ID] = a }
