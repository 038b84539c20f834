package grpcapi

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/custody"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

// errorDomain tags ErrorInfo details emitted by this service.
const errorDomain = "gybernaty.governance"

// toStatus maps a coordinator error onto a gRPC status carrying the
// governance code in an ErrorInfo detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var c codes.Code
	switch governance.KindOf(err) {
	case governance.KindValidation:
		c = codes.InvalidArgument
	case governance.KindConflict:
		c = codes.AlreadyExists
	case governance.KindAuthorization:
		c = codes.PermissionDenied
	case governance.KindState:
		c = codes.FailedPrecondition
		if errors.Is(err, governance.ErrUnknownAction) || errors.Is(err, governance.ErrUnknownIdentity) {
			c = codes.NotFound
		}
	case governance.KindQuota:
		c = codes.ResourceExhausted
	default:
		switch {
		case errors.Is(err, custody.ErrInsufficientFunds), errors.Is(err, custody.ErrIdempotencyConflict):
			return status.Error(codes.FailedPrecondition, err.Error())
		case errors.Is(err, custody.ErrInvalidAmount), errors.Is(err, custody.ErrInvalidAsset), errors.Is(err, custody.ErrInvalidHolder):
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return status.Error(codes.Internal, "internal error")
	}

	st := status.New(c, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: governance.Code(err),
		Domain: errorDomain,
	}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// RemoteError is a governance failure reported by the server. It unwraps
// to the matching sentinel so callers can use errors.Is.
type RemoteError struct {
	Code     codes.Code
	Message  string
	sentinel error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.sentinel }

// fromStatus converts a status error back into a RemoteError when it
// carries a governance code; other errors pass through.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		if sentinel, ok := governance.FromCode(info.GetReason()); ok {
			return &RemoteError{Code: st.Code(), Message: st.Message(), sentinel: sentinel}
		}
	}
	return err
}
