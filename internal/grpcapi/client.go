package grpcapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

// Client calls the governance service. Errors carrying a governance code
// unwrap to the matching sentinel.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial connects to target without transport security unless opts say
// otherwise.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

func (c *Client) Close() error { return c.conn.Close() }

// WithToken returns a client sending token as the caller's bearer token.
func (c *Client) WithToken(token string) *Client {
	return &Client{conn: c.conn, token: token}
}

func (c *Client) invoke(ctx context.Context, method string, req, dst any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodPath(method), in, out); err != nil {
		return fromStatus(err)
	}
	if dst == nil {
		return nil
	}
	return fromStruct(out, dst)
}

// Health queries the standard health service for the governance service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Info returns the server name and version.
func (c *Client) Info(ctx context.Context) (name, version string, err error) {
	var out infoReply
	if err := c.invoke(ctx, "GetInfo", empty{}, &out); err != nil {
		return "", "", err
	}
	return out.Name, out.Version, nil
}

// IssueToken mints a bearer token for identityID using the operator key.
func (c *Client) IssueToken(ctx context.Context, operatorKey, identityID string) (string, time.Time, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, operatorKeyMD, strings.TrimSpace(operatorKey))
	var out tokenReply
	if err := c.invoke(ctx, "IssueToken", tokenRequest{IdentityID: identityID}, &out); err != nil {
		return "", time.Time{}, err
	}
	return out.Token, out.ExpiresAt, nil
}

// Identity is an identity snapshot plus its authority flag.
type Identity struct {
	governance.Identity
	Authority bool `json:"authority"`
}

func (c *Client) CreateIdentity(ctx context.Context, id string, level governance.Level, name, profileRef string) (Identity, error) {
	var out Identity
	err := c.invoke(ctx, "CreateIdentity", identityRequest{ID: id, Level: level, Name: name, ProfileRef: profileRef}, &out)
	return out, err
}

func (c *Client) GetIdentity(ctx context.Context, id string) (Identity, error) {
	var out Identity
	err := c.invoke(ctx, "GetIdentity", identityRequest{ID: id}, &out)
	return out, err
}

func (c *Client) UpdateLevel(ctx context.Context, id string, level governance.Level) (Identity, error) {
	var out Identity
	err := c.invoke(ctx, "UpdateLevel", identityRequest{ID: id, Level: level}, &out)
	return out, err
}

func (c *Client) RemoveIdentity(ctx context.Context, id string) error {
	return c.invoke(ctx, "RemoveIdentity", identityRequest{ID: id}, nil)
}

func (c *Client) ProposeAction(ctx context.Context, typ governance.ActionType, targetID string, payload governance.Payload) (governance.Proposal, error) {
	var out governance.Proposal
	if err := checkAmount(payload.Amount); err != nil {
		return out, err
	}
	err := c.invoke(ctx, "ProposeAction", proposeRequest{Type: typ, TargetID: targetID, Payload: payload}, &out)
	return out, err
}

// ApproveAction reports whether this approval executed the action.
func (c *Client) ApproveAction(ctx context.Context, actionID string) (bool, error) {
	var out approveReply
	if err := c.invoke(ctx, "ApproveAction", actionRequest{ActionID: actionID}, &out); err != nil {
		return false, err
	}
	return out.Executed, nil
}

func (c *Client) GetAction(ctx context.Context, actionID string) (governance.ActionView, error) {
	var out governance.ActionView
	err := c.invoke(ctx, "GetAction", actionRequest{ActionID: actionID}, &out)
	return out, err
}

func (c *Client) GetActionDetails(ctx context.Context, actionID string) (governance.ActionDetails, error) {
	var out governance.ActionDetails
	err := c.invoke(ctx, "GetActionDetails", actionRequest{ActionID: actionID}, &out)
	return out, err
}

// Withdraw draws amount for the caller and returns the period total.
func (c *Client) Withdraw(ctx context.Context, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	var out withdrawReply
	if err := c.invoke(ctx, "Withdraw", withdrawRequest{Amount: amount}, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

func (c *Client) QuotaWindow(ctx context.Context, identityID string) (governance.QuotaWindow, error) {
	var out governance.QuotaWindow
	err := c.invoke(ctx, "GetQuotaWindow", identityRequest{ID: identityID}, &out)
	return out, err
}

func (c *Client) JoinAsAuthority(ctx context.Context, proof governance.PaymentProof) error {
	if err := checkAmount(proof.Amount); err != nil {
		return err
	}
	return c.invoke(ctx, "JoinAsAuthority", proof, nil)
}

func (c *Client) GrantAuthority(ctx context.Context, identityID string) error {
	return c.invoke(ctx, "GrantAuthority", identityRequest{ID: identityID}, nil)
}

func (c *Client) Authorities(ctx context.Context) ([]string, error) {
	var out authoritiesReply
	if err := c.invoke(ctx, "ListAuthorities", empty{}, &out); err != nil {
		return nil, err
	}
	return out.Authorities, nil
}
