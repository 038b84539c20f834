package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/auth"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/custody"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/stream"
)

const testOperatorKey = "operator-key-0123456789"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	gov     *governance.Coordinator
	stream  *stream.Stream
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	cust := custody.NewInMemory("treasury", "GBR")
	st := stream.New(0)
	gov, err := governance.NewCoordinator(governance.DefaultPolicy(),
		governance.WithCustody(cust),
		governance.WithEvents(st),
		governance.WithBootstrapAuthorities("root"),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	tokens, err := auth.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}

	api := New(ReadyProbe{}, "test", gov, cust, st, tokens,
		WithRateLimit(0, 0),
		WithOperatorKey(testOperatorKey),
	)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		gov:     gov,
		stream:  st,
	}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) token(identityID string) string {
	c.t.Helper()
	body, _ := json.Marshal(tokenRequest{IdentityID: identityID})
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set(operatorHeader, testOperatorKey)
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	var out tokenResponse
	decodeBody(c.t, resp, http.StatusOK, &out)
	if out.Token == "" {
		c.t.Fatalf("empty token")
	}
	return out.Token
}

func decodeBody(t *testing.T, resp *http.Response, want int, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var raw bytes.Buffer
		_, _ = raw.ReadFrom(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, raw.String())
	}
	if dst == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (c *apiClient) createIdentity(token, id string, level governance.Level) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/identities", token, identityRequest{ID: id, Level: level, Name: id})
	decodeBody(c.t, resp, http.StatusCreated, nil)
}

func TestHealthAndInfoArePublic(t *testing.T) {
	c := newTestAPI(t)

	var health map[string]any
	decodeBody(t, c.do(http.MethodGet, "/healthz", "", nil), http.StatusOK, &health)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health: %v", health)
	}

	var info map[string]any
	decodeBody(t, c.do(http.MethodGet, "/v1/info", "", nil), http.StatusOK, &info)
	policy, ok := info["policy"].(map[string]any)
	if !ok || policy["max_withdrawals_per_period"] != float64(5) {
		t.Fatalf("unexpected info policy: %v", info["policy"])
	}
	if info["treasury"] != "treasury" {
		t.Fatalf("unexpected treasury: %v", info["treasury"])
	}

	decodeBody(t, c.do(http.MethodGet, "/readyz", "", nil), http.StatusOK, nil)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/authority", "", nil)
	decodeBody(t, resp, http.StatusUnauthorized, nil)

	resp = c.do(http.MethodGet, "/v1/authority", "not-a-jwt", nil)
	decodeBody(t, resp, http.StatusUnauthorized, nil)
}

func TestTokenRequiresOperatorKey(t *testing.T) {
	c := newTestAPI(t)

	body, _ := json.Marshal(tokenRequest{IdentityID: "root"})
	req, _ := http.NewRequest(http.MethodPost, c.baseURL+"/v1/auth/token", bytes.NewReader(body))
	req.Header.Set(operatorHeader, "wrong")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	decodeBody(t, resp, http.StatusUnauthorized, nil)

	req, _ = http.NewRequest(http.MethodPost, c.baseURL+"/v1/auth/token", strings.NewReader(`{"identity_id":" "}`))
	req.Header.Set(operatorHeader, testOperatorKey)
	resp, err = c.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	decodeBody(t, resp, http.StatusBadRequest, nil)
}

func TestIdentityLifecycle(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")

	var created identityResponse
	resp := c.do(http.MethodPost, "/v1/identities", root, identityRequest{ID: "alice", Level: 2, Name: "Alice", ProfileRef: "ipfs://alice"})
	decodeBody(t, resp, http.StatusCreated, &created)
	if !created.Exists || created.Level != 2 || created.Name != "Alice" {
		t.Fatalf("unexpected identity: %+v", created)
	}

	resp = c.do(http.MethodPost, "/v1/identities", root, identityRequest{ID: "alice", Level: 2})
	var conflict map[string]any
	decodeBody(t, resp, http.StatusConflict, &conflict)
	if conflict["code"] != "IdentityExists" || conflict["kind"] != "conflict" {
		t.Fatalf("unexpected conflict body: %v", conflict)
	}

	resp = c.do(http.MethodPatch, "/v1/identities/alice", root, levelRequest{Level: 3})
	var updated identityResponse
	decodeBody(t, resp, http.StatusOK, &updated)
	if updated.Level != 3 {
		t.Fatalf("expected level 3, got %d", updated.Level)
	}

	resp = c.do(http.MethodPatch, "/v1/identities/alice", root, levelRequest{Level: 9})
	decodeBody(t, resp, http.StatusBadRequest, nil)

	resp = c.do(http.MethodDelete, "/v1/identities/alice", root, nil)
	decodeBody(t, resp, http.StatusNoContent, nil)

	var gone identityResponse
	decodeBody(t, c.do(http.MethodGet, "/v1/identities/alice", root, nil), http.StatusOK, &gone)
	if gone.Exists {
		t.Fatalf("expected removed identity, got %+v", gone)
	}

	resp = c.do(http.MethodDelete, "/v1/identities/alice", root, nil)
	decodeBody(t, resp, http.StatusNotFound, nil)
}

func TestDirectMutationRequiresAuthority(t *testing.T) {
	c := newTestAPI(t)
	c.createIdentity(c.token("root"), "alice", 4)

	resp := c.do(http.MethodPost, "/v1/identities", c.token("alice"), identityRequest{ID: "bob", Level: 1})
	var body map[string]any
	decodeBody(t, resp, http.StatusForbidden, &body)
	if body["code"] != "Unauthorized" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestProposeApproveExecute(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")
	c.createIdentity(root, "alice", 2)
	c.createIdentity(root, "carol", 3)
	alice := c.token("alice")

	var prop governance.Proposal
	resp := c.do(http.MethodPost, "/v1/actions", alice, proposeRequest{
		Type:     "create_identity",
		TargetID: "bob",
		Payload:  governance.Payload{Level: 2, Name: "Bob"},
	})
	decodeBody(t, resp, http.StatusCreated, &prop)
	if prop.Executed || len(prop.ActionID) != 64 {
		t.Fatalf("unexpected proposal: %+v", prop)
	}

	resp = c.do(http.MethodPost, "/v1/actions", alice, proposeRequest{
		Type:     "CREATE_IDENTITY",
		TargetID: "bob",
		Payload:  governance.Payload{Level: 2, Name: "Bob"},
	})
	decodeBody(t, resp, http.StatusConflict, nil)

	var details governance.ActionDetails
	decodeBody(t, c.do(http.MethodGet, "/v1/actions/"+prop.ActionID+"/details", alice, nil), http.StatusOK, &details)
	if !details.IsPending || details.ApprovalsCount != 0 {
		t.Fatalf("unexpected details: %+v", details)
	}

	resp = c.do(http.MethodPost, "/v1/actions/"+prop.ActionID+"/approvals", alice, nil)
	decodeBody(t, resp, http.StatusForbidden, nil)

	var approved approvalResponse
	resp = c.do(http.MethodPost, "/v1/actions/"+prop.ActionID+"/approvals", c.token("carol"), nil)
	decodeBody(t, resp, http.StatusOK, &approved)
	if !approved.Executed {
		t.Fatalf("expected execution on carol's approval")
	}

	var view governance.ActionView
	decodeBody(t, c.do(http.MethodGet, "/v1/actions/"+prop.ActionID, alice, nil), http.StatusOK, &view)
	if view.Status != governance.StatusExecuted || len(view.Approvals) != 1 {
		t.Fatalf("unexpected view: %+v", view)
	}

	var bob identityResponse
	decodeBody(t, c.do(http.MethodGet, "/v1/identities/bob", alice, nil), http.StatusOK, &bob)
	if !bob.Exists || bob.Level != 2 {
		t.Fatalf("expected bob at level 2, got %+v", bob)
	}

	var body map[string]any
	resp = c.do(http.MethodPost, "/v1/actions/"+prop.ActionID+"/approvals", root, nil)
	decodeBody(t, resp, http.StatusConflict, &body)
	if body["code"] != "AlreadyExecuted" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUnknownActionIsNotFound(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")

	var body map[string]any
	decodeBody(t, c.do(http.MethodGet, "/v1/actions/deadbeef", root, nil), http.StatusNotFound, &body)
	if body["code"] != "UnknownAction" || body["request_id"] == nil {
		t.Fatalf("unexpected body: %v", body)
	}

	var details governance.ActionDetails
	decodeBody(t, c.do(http.MethodGet, "/v1/actions/deadbeef/details", root, nil), http.StatusOK, &details)
	if details.IsPending || details.ApprovalsCount != 0 {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestProposeRejectsUnknownFields(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")

	req, _ := http.NewRequest(http.MethodPost, c.baseURL+"/v1/actions", strings.NewReader(`{"type":"WITHDRAW","target_id":"x","bogus":1}`))
	req.Header.Set("Authorization", "Bearer "+root)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	decodeBody(t, resp, http.StatusBadRequest, nil)
}

func TestWithdrawalFlow(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")
	c.createIdentity(root, "alice", 2)
	alice := c.token("alice")

	resp := c.do(http.MethodPost, "/v1/withdrawals", alice, withdrawRequest{Amount: 500})
	var body map[string]any
	decodeBody(t, resp, http.StatusConflict, &body)
	if !strings.Contains(body["error"].(string), "insufficient funds") {
		t.Fatalf("expected treasury shortfall, got %v", body)
	}

	resp = c.do(http.MethodPost, "/v1/custody/deposits", alice, depositRequest{Holder: "treasury", Asset: "GBR", Amount: 10_000})
	decodeBody(t, resp, http.StatusForbidden, nil)
	resp = c.do(http.MethodPost, "/v1/custody/deposits", root, depositRequest{Holder: "treasury", Asset: "gbr", Amount: 10_000})
	decodeBody(t, resp, http.StatusCreated, nil)

	resp = c.do(http.MethodPost, "/v1/withdrawals", alice, withdrawRequest{Amount: 2001})
	decodeBody(t, resp, http.StatusUnprocessableEntity, &body)
	if body["code"] != "InsufficientWithdrawalBalance" {
		t.Fatalf("unexpected body: %v", body)
	}

	var out withdrawResponse
	decodeBody(t, c.do(http.MethodPost, "/v1/withdrawals", alice, withdrawRequest{Amount: 500}), http.StatusOK, &out)
	decodeBody(t, c.do(http.MethodPost, "/v1/withdrawals", alice, withdrawRequest{Amount: 700}), http.StatusOK, &out)
	if out.Total != 1200 {
		t.Fatalf("expected total 1200, got %d", out.Total)
	}

	var quota quotaResponse
	decodeBody(t, c.do(http.MethodGet, "/v1/quota/alice", alice, nil), http.StatusOK, &quota)
	if quota.Withdrawn != 1200 || quota.Count != 2 || quota.Limit != 2000 || quota.Remaining != 3 {
		t.Fatalf("unexpected quota: %+v", quota)
	}

	var bal map[string]any
	decodeBody(t, c.do(http.MethodGet, "/v1/custody/alice/balance?asset=GBR", alice, nil), http.StatusOK, &bal)
	if bal["amount"] != float64(1200) {
		t.Fatalf("unexpected balance: %v", bal)
	}
	decodeBody(t, c.do(http.MethodGet, "/v1/custody/alice/balance", alice, nil), http.StatusBadRequest, nil)

	var txs map[string]any
	decodeBody(t, c.do(http.MethodGet, "/v1/custody/transactions?limit=10", root, nil), http.StatusOK, &txs)
	if items, _ := txs["items"].([]any); len(items) != 3 {
		t.Fatalf("expected 3 transactions, got %v", txs["items"])
	}
}

func TestAuthorityJoinAndGrant(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")
	alice := c.token("alice")

	resp := c.do(http.MethodPost, "/v1/authority/join", alice, joinRequest{Asset: "GBR", Amount: 10})
	var body map[string]any
	decodeBody(t, resp, http.StatusForbidden, &body)
	if body["code"] != "InsufficientPayment" {
		t.Fatalf("unexpected body: %v", body)
	}

	decodeBody(t, c.do(http.MethodPost, "/v1/custody/deposits", root, depositRequest{Holder: "alice", Asset: "GBR", Amount: 1_000_000}), http.StatusCreated, nil)
	resp = c.do(http.MethodPost, "/v1/authority/join", alice, joinRequest{Asset: "gbr", Amount: 1_000_000, Reference: "pay-1"})
	decodeBody(t, resp, http.StatusOK, nil)

	resp = c.do(http.MethodPost, "/v1/authority/grants", alice, grantRequest{IdentityID: "bob"})
	decodeBody(t, resp, http.StatusOK, nil)

	var list struct {
		Authorities []string `json:"authorities"`
	}
	decodeBody(t, c.do(http.MethodGet, "/v1/authority", root, nil), http.StatusOK, &list)
	if len(list.Authorities) != 3 {
		t.Fatalf("expected three holders, got %v", list.Authorities)
	}

	var bal map[string]any
	decodeBody(t, c.do(http.MethodGet, "/v1/custody/treasury/balance?asset=GBR", root, nil), http.StatusOK, &bal)
	if bal["amount"] != float64(1_000_000) {
		t.Fatalf("expected payment in treasury, got %v", bal)
	}
}

func TestAuthorityJoinReferenceIsPerPayer(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")
	alice := c.token("alice")
	mallory := c.token("mallory")

	decodeBody(t, c.do(http.MethodPost, "/v1/custody/deposits", root, depositRequest{Holder: "alice", Asset: "GBR", Amount: 1_000_000}), http.StatusCreated, nil)
	decodeBody(t, c.do(http.MethodPost, "/v1/authority/join", alice, joinRequest{Asset: "GBR", Amount: 1_000_000, Reference: "r1"}), http.StatusOK, nil)

	// mallory holds nothing; reusing alice's reference must not count as paid.
	for _, ref := range []string{"r1", "join:alice:r1"} {
		resp := c.do(http.MethodPost, "/v1/authority/join", mallory, joinRequest{Asset: "GBR", Amount: 1_000_000, Reference: ref})
		decodeBody(t, resp, http.StatusConflict, nil)
	}

	var list struct {
		Authorities []string `json:"authorities"`
	}
	decodeBody(t, c.do(http.MethodGet, "/v1/authority", root, nil), http.StatusOK, &list)
	if slices.Contains(list.Authorities, "mallory") {
		t.Fatalf("mallory joined without paying: %v", list.Authorities)
	}
	var bal map[string]any
	decodeBody(t, c.do(http.MethodGet, "/v1/custody/treasury/balance?asset=GBR", root, nil), http.StatusOK, &bal)
	if bal["amount"] != float64(1_000_000) {
		t.Fatalf("unexpected treasury balance: %v", bal)
	}
}

func TestEventStreamDeliversCommittedEvents(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events?types=IdentityChanged", nil)
	req.Header.Set("Authorization", "Bearer "+root)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	c.createIdentity(root, "alice", 1)

	var sawEvent bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimSpace(strings.TrimPrefix(line, "event: ")); got != "IdentityChanged" {
				t.Fatalf("unexpected event type %q", got)
			}
			sawEvent = true
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			var evt governance.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if !sawEvent || evt.IdentityID != "alice" || evt.ActorID != "root" || evt.ID == "" {
				t.Fatalf("unexpected event: %+v", evt)
			}
			return
		}
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	c := newTestAPI(t)
	var body map[string]any
	decodeBody(t, c.do(http.MethodGet, "/v1/nope", c.token("root"), nil), http.StatusNotFound, &body)
	if body["error"] != "resource not found" {
		t.Fatalf("unexpected body: %v", body)
	}
}
