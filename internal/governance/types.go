package governance

import (
	"slices"
	"time"
)

// Level is an ordinal trust tier.
type Level int

const (
	MinLevel Level = 1
	MaxLevel Level = 4
)

func (l Level) Valid() bool { return l >= MinLevel && l <= MaxLevel }

// Identity is a registered participant. Exists is false for absent or removed ids.
type Identity struct {
	ID         string `json:"id"`
	Level      Level  `json:"level"`
	Name       string `json:"name"`
	ProfileRef string `json:"profile_ref"`
	Exists     bool   `json:"exists"`
}

// ActionType names the mutation an action authorizes.
type ActionType string

const (
	ActionCreateIdentity ActionType = "CREATE_IDENTITY"
	ActionUpdateLevel    ActionType = "UPDATE_LEVEL"
	ActionRemoveIdentity ActionType = "REMOVE_IDENTITY"
	ActionWithdraw       ActionType = "WITHDRAW"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionCreateIdentity, ActionUpdateLevel, ActionRemoveIdentity, ActionWithdraw:
		return true
	}
	return false
}

// Payload carries the type-specific parameters of an action.
// Fields not used by the action type must be zero.
type Payload struct {
	Level      Level  `json:"level,omitempty" cbor:"1,keyasint,omitempty"`
	Name       string `json:"name,omitempty" cbor:"2,keyasint,omitempty"`
	ProfileRef string `json:"profile_ref,omitempty" cbor:"3,keyasint,omitempty"`
	Amount     int64  `json:"amount,omitempty" cbor:"4,keyasint,omitempty"`
	Nonce      string `json:"nonce,omitempty" cbor:"5,keyasint,omitempty"`
}

// Status is the lifecycle state of an action. Expired is never stored.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
)

// Approval records one approver on an action.
// Level is the approver's level when the approval was recorded.
type Approval struct {
	ApproverID string    `json:"approver_id"`
	Level      Level     `json:"level"`
	Authority  bool      `json:"authority,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Action is a proposed mutation awaiting approval.
type Action struct {
	ID         string     `json:"id"`
	Type       ActionType `json:"type"`
	TargetID   string     `json:"target_id"`
	Payload    Payload    `json:"payload"`
	ProposerID string     `json:"proposer_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Executed   bool       `json:"executed"`
	ExecutedAt time.Time  `json:"executed_at,omitzero"`
	Approvals  []Approval `json:"approvals"`

	// Requirement is fixed at proposal time from the proposer's and target's levels.
	Requirement Requirement `json:"requirement"`
}

// StatusAt computes the status observed at now.
func (a Action) StatusAt(now time.Time) Status {
	switch {
	case a.Executed:
		return StatusExecuted
	case now.After(a.ExpiresAt):
		return StatusExpired
	default:
		return StatusProposed
	}
}

func (a Action) hasApprover(id string) bool {
	return slices.ContainsFunc(a.Approvals, func(ap Approval) bool { return ap.ApproverID == id })
}

func (a Action) clone() Action {
	a.Approvals = slices.Clone(a.Approvals)
	return a
}

func (a Action) approvalLevels() []Level {
	out := make([]Level, 0, len(a.Approvals))
	for _, ap := range a.Approvals {
		if !ap.Authority {
			out = append(out, ap.Level)
		}
	}
	return out
}

// ActionDetails is the summary returned by GetActionDetails.
type ActionDetails struct {
	IsPending      bool `json:"is_pending"`
	ApprovalsCount int  `json:"approvals_count"`
}

// QuotaWindow accounts one identity's withdrawals within a single period.
type QuotaWindow struct {
	IdentityID string `json:"identity_id"`
	Period     int64  `json:"period"`
	Withdrawn  int64  `json:"withdrawn"`
	Count      int    `json:"count"`
}

// Asset selects how an authority join payment is made.
type Asset string

// PaymentProof describes a payment offered for joinAsAuthority.
// Reference makes the custody collection idempotent.
type PaymentProof struct {
	Asset     Asset  `json:"asset"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}
