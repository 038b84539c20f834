package governance

import "errors"

// Kind groups errors so transports can map them without enumerating every sentinel.
type Kind string

const (
	KindUnknown       Kind = ""
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindQuota         Kind = "quota"
)

var (
	ErrInvalidLevel  = errors.New("invalid level")
	ErrInvalidAmount = errors.New("invalid amount (must be > 0)")
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidID     = errors.New("invalid identity id")

	ErrIdentityExists        = errors.New("identity already exists")
	ErrActionAlreadyProposed = errors.New("action already proposed")
	ErrAlreadyApproved       = errors.New("already approved")

	ErrUnauthorizedApprover = errors.New("unauthorized approver")
	ErrInsufficientLevel    = errors.New("insufficient level")
	ErrInsufficientPayment  = errors.New("insufficient payment")
	ErrUnauthorized         = errors.New("caller lacks authority capability")

	ErrActionExpired   = errors.New("action expired")
	ErrAlreadyExecuted = errors.New("action already executed")
	ErrUnknownAction   = errors.New("unknown action")
	ErrUnknownIdentity = errors.New("unknown identity")

	ErrInsufficientWithdrawalBalance = errors.New("insufficient withdrawal balance")
	ErrWithdrawalLimitExceeded       = errors.New("withdrawal limit exceeded")
)

var kinds = map[error]Kind{
	ErrInvalidLevel:  KindValidation,
	ErrInvalidAmount: KindValidation,
	ErrInvalidAction: KindValidation,
	ErrInvalidID:     KindValidation,

	ErrIdentityExists:        KindConflict,
	ErrActionAlreadyProposed: KindConflict,
	ErrAlreadyApproved:       KindConflict,

	ErrUnauthorizedApprover: KindAuthorization,
	ErrInsufficientLevel:    KindAuthorization,
	ErrInsufficientPayment:  KindAuthorization,
	ErrUnauthorized:         KindAuthorization,

	ErrActionExpired:   KindState,
	ErrAlreadyExecuted: KindState,
	ErrUnknownAction:   KindState,
	ErrUnknownIdentity: KindState,

	ErrInsufficientWithdrawalBalance: KindQuota,
	ErrWithdrawalLimitExceeded:       KindQuota,
}

// Sentinels lists every governance error, in taxonomy order.
var Sentinels = []error{
	ErrInvalidLevel, ErrInvalidAmount, ErrInvalidAction, ErrInvalidID,
	ErrIdentityExists, ErrActionAlreadyProposed, ErrAlreadyApproved,
	ErrUnauthorizedApprover, ErrInsufficientLevel, ErrInsufficientPayment, ErrUnauthorized,
	ErrActionExpired, ErrAlreadyExecuted, ErrUnknownAction, ErrUnknownIdentity,
	ErrInsufficientWithdrawalBalance, ErrWithdrawalLimitExceeded,
}

// KindOf reports the taxonomy kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	for _, s := range Sentinels {
		if errors.Is(err, s) {
			return kinds[s]
		}
	}
	return KindUnknown
}

var codeNames = map[error]string{
	ErrInvalidLevel:                  "InvalidLevel",
	ErrInvalidAmount:                 "InvalidAmount",
	ErrInvalidAction:                 "InvalidAction",
	ErrInvalidID:                     "InvalidID",
	ErrIdentityExists:                "IdentityExists",
	ErrActionAlreadyProposed:         "ActionAlreadyProposed",
	ErrAlreadyApproved:               "AlreadyApproved",
	ErrUnauthorizedApprover:          "UnauthorizedApprover",
	ErrInsufficientLevel:             "InsufficientLevel",
	ErrInsufficientPayment:           "InsufficientPayment",
	ErrUnauthorized:                  "Unauthorized",
	ErrActionExpired:                 "ActionExpired",
	ErrAlreadyExecuted:               "AlreadyExecuted",
	ErrUnknownAction:                 "UnknownAction",
	ErrUnknownIdentity:               "UnknownIdentity",
	ErrInsufficientWithdrawalBalance: "InsufficientWithdrawalBalance",
	ErrWithdrawalLimitExceeded:       "WithdrawalLimitExceeded",
}

// Code returns the stable wire name of the sentinel err wraps, or "".
func Code(err error) string {
	for _, s := range Sentinels {
		if errors.Is(err, s) {
			return codeNames[s]
		}
	}
	return ""
}

// FromCode resolves a wire name produced by Code back to its sentinel.
func FromCode(code string) (error, bool) {
	for s, name := range codeNames {
		if name == code {
			return s, true
		}
	}
	return nil, false
}
