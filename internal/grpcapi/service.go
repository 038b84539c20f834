package grpcapi

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/audit"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gybernaty.governance.v1.Governance"

// GovernanceServer is the handler type registered under ServiceDesc.
type GovernanceServer interface {
	isGovernanceServer()
}

type handlerFunc func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

var methods = []struct {
	name string
	fn   handlerFunc
}{
	{"GetInfo", (*Server).getInfo},
	{"IssueToken", (*Server).issueToken},
	{"CreateIdentity", (*Server).createIdentity},
	{"GetIdentity", (*Server).getIdentity},
	{"UpdateLevel", (*Server).updateLevel},
	{"RemoveIdentity", (*Server).removeIdentity},
	{"ProposeAction", (*Server).proposeAction},
	{"ApproveAction", (*Server).approveAction},
	{"GetAction", (*Server).getAction},
	{"GetActionDetails", (*Server).getActionDetails},
	{"Withdraw", (*Server).withdraw},
	{"GetQuotaWindow", (*Server).getQuotaWindow},
	{"JoinAsAuthority", (*Server).joinAsAuthority},
	{"GrantAuthority", (*Server).grantAuthority},
	{"ListAuthorities", (*Server).listAuthorities},
}

// ServiceDesc describes the governance service. Every method takes and
// returns a google.protobuf.Struct.
var ServiceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*GovernanceServer)(nil),
		Metadata:    "gybernaty/governance/v1/governance.proto",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, unary(m.name, m.fn))
	}
	return desc
}()

func methodPath(name string) string { return "/" + ServiceName + "/" + name }

func unary(name string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPath(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// --- messages ---

type identityRequest struct {
	ID         string           `json:"id"`
	Level      governance.Level `json:"level,omitempty"`
	Name       string           `json:"name,omitempty"`
	ProfileRef string           `json:"profile_ref,omitempty"`
}

type identityReply struct {
	governance.Identity
	Authority bool `json:"authority"`
}

type tokenRequest struct {
	IdentityID string `json:"identity_id"`
}

type tokenReply struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type proposeRequest struct {
	Type     governance.ActionType `json:"type"`
	TargetID string                `json:"target_id"`
	Payload  governance.Payload    `json:"payload"`
}

type actionRequest struct {
	ActionID string `json:"action_id"`
}

type approveReply struct {
	ActionID string `json:"action_id"`
	Executed bool   `json:"executed"`
}

type withdrawRequest struct {
	Amount int64 `json:"amount"`
}

type withdrawReply struct {
	IdentityID string `json:"identity_id"`
	Total      int64  `json:"total"`
}

type authoritiesReply struct {
	Authorities []string `json:"authorities"`
}

type infoReply struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

type empty struct{}

// --- handlers ---

func (s *Server) getInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encodeResponse(infoReply{
		Name:    serviceName,
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) issueToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.tokens == nil || !s.operatorAllowed(ctx) {
		return nil, status.Error(codes.Unauthenticated, "invalid operator key")
	}
	var req tokenRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.IdentityID)
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "identity_id is required")
	}
	token, exp, err := s.tokens.Generate(id)
	if err != nil {
		return nil, status.Error(codes.Internal, "token generation failed")
	}
	_ = audit.LogEvent(ctx, "auth.token.issued", map[string]any{
		"identity_id": id,
		"expires_at":  exp.Format(time.RFC3339),
	})
	return encodeResponse(tokenReply{Token: token, ExpiresAt: exp})
}

func (s *Server) identity(ctx context.Context, id string) (*structpb.Struct, error) {
	ident := s.gov.GetIdentity(ctx, id)
	if !ident.Exists {
		ident.ID = id
	}
	return encodeResponse(identityReply{Identity: ident, Authority: s.gov.HasAuthority(ctx, id)})
}

func (s *Server) createIdentity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req identityRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.gov.CreateIdentity(ctx, caller, req.ID, req.Level, req.Name, req.ProfileRef); err != nil {
		return nil, toStatus(err)
	}
	return s.identity(ctx, strings.TrimSpace(req.ID))
}

func (s *Server) getIdentity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req identityRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return s.identity(ctx, req.ID)
}

func (s *Server) updateLevel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req identityRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.gov.UpdateLevel(ctx, caller, req.ID, req.Level); err != nil {
		return nil, toStatus(err)
	}
	return s.identity(ctx, req.ID)
}

func (s *Server) removeIdentity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req identityRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.gov.RemoveIdentity(ctx, caller, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(empty{})
}

func (s *Server) proposeAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req proposeRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	typ := governance.ActionType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	res, err := s.gov.ProposeAction(ctx, caller, typ, req.TargetID, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(res)
}

func (s *Server) approveAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req actionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	executed, err := s.gov.ApproveAction(ctx, caller, req.ActionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(approveReply{ActionID: req.ActionID, Executed: executed})
}

func (s *Server) getAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req actionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	view, err := s.gov.GetAction(ctx, req.ActionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(view)
}

func (s *Server) getActionDetails(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req actionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return encodeResponse(s.gov.GetActionDetails(ctx, req.ActionID))
}

func (s *Server) withdraw(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req withdrawRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	total, err := s.gov.Withdraw(ctx, caller, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(withdrawReply{IdentityID: caller, Total: total})
}

func (s *Server) getQuotaWindow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req identityRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return encodeResponse(s.gov.QuotaWindow(ctx, req.ID))
}

func (s *Server) joinAsAuthority(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var proof governance.PaymentProof
	if err := decodeRequest(in, &proof); err != nil {
		return nil, err
	}
	proof.Asset = governance.Asset(strings.ToUpper(strings.TrimSpace(string(proof.Asset))))
	if err := s.gov.JoinAsAuthority(ctx, caller, proof); err != nil {
		return nil, toStatus(err)
	}
	return s.identity(ctx, caller)
}

func (s *Server) grantAuthority(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req identityRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.gov.GrantAuthority(ctx, caller, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return s.identity(ctx, strings.TrimSpace(req.ID))
}

func (s *Server) listAuthorities(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encodeResponse(authoritiesReply{Authorities: s.gov.Authorities(ctx)})
}
