package httpapi

import (
	"net/http"
	"strings"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/audit"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

type identityRequest struct {
	ID         string           `json:"id"`
	Level      governance.Level `json:"level"`
	Name       string           `json:"name"`
	ProfileRef string           `json:"profile_ref"`
}

type levelRequest struct {
	Level governance.Level `json:"level"`
}

type identityResponse struct {
	governance.Identity
	Authority bool `json:"authority"`
}

type proposeRequest struct {
	Type     governance.ActionType `json:"type"`
	TargetID string                `json:"target_id"`
	Payload  governance.Payload    `json:"payload"`
}

type approvalResponse struct {
	ActionID string `json:"action_id"`
	Executed bool   `json:"executed"`
}

type withdrawRequest struct {
	Amount int64 `json:"amount"`
}

type withdrawResponse struct {
	IdentityID string `json:"identity_id"`
	Amount     int64  `json:"amount"`
	Total      int64  `json:"total"`
}

type quotaResponse struct {
	governance.QuotaWindow
	Limit     int64 `json:"limit"`
	Remaining int   `json:"remaining_withdrawals"`
}

type joinRequest struct {
	Asset     governance.Asset `json:"asset"`
	Amount    int64            `json:"amount"`
	Reference string           `json:"reference"`
}

type grantRequest struct {
	IdentityID string `json:"identity_id"`
}

// --- identities ---

func (a *API) createIdentity(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req identityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gov.CreateIdentity(r.Context(), caller, req.ID, req.Level, req.Name, req.ProfileRef); err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.created", map[string]any{
		"identity_id": req.ID,
		"level":       int(req.Level),
	})
	a.writeIdentity(w, r, http.StatusCreated, strings.TrimSpace(req.ID))
}

func (a *API) getIdentity(w http.ResponseWriter, r *http.Request) {
	a.writeIdentity(w, r, http.StatusOK, r.PathValue("id"))
}

func (a *API) updateIdentity(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var req levelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gov.UpdateLevel(r.Context(), caller, id, req.Level); err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.level_updated", map[string]any{
		"identity_id": id,
		"level":       int(req.Level),
	})
	a.writeIdentity(w, r, http.StatusOK, id)
}

func (a *API) removeIdentity(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.gov.RemoveIdentity(r.Context(), caller, id); err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.removed", map[string]any{"identity_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeIdentity(w http.ResponseWriter, r *http.Request, code int, id string) {
	ident := a.gov.GetIdentity(r.Context(), id)
	if !ident.Exists {
		ident.ID = id
	}
	writeJSON(w, code, identityResponse{
		Identity:  ident,
		Authority: a.gov.HasAuthority(r.Context(), id),
	})
}

// --- actions ---

func (a *API) proposeAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Type = governance.ActionType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	res, err := a.gov.ProposeAction(r.Context(), caller, req.Type, req.TargetID, req.Payload)
	if err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "action.proposed", map[string]any{
		"action_id":   res.ActionID,
		"action_type": string(req.Type),
		"target_id":   req.TargetID,
		"executed":    res.Executed,
	})
	w.Header().Set("Location", "/v1/actions/"+res.ActionID)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) getAction(w http.ResponseWriter, r *http.Request) {
	view, err := a.gov.GetAction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) getActionDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gov.GetActionDetails(r.Context(), r.PathValue("id")))
}

func (a *API) approveAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	executed, err := a.gov.ApproveAction(r.Context(), caller, id)
	if err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "action.approved", map[string]any{
		"action_id": id,
		"executed":  executed,
	})
	writeJSON(w, http.StatusOK, approvalResponse{ActionID: id, Executed: executed})
}

// --- quota ---

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	total, err := a.gov.Withdraw(r.Context(), caller, req.Amount)
	if err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "withdrawal.processed", map[string]any{
		"amount": req.Amount,
		"total":  total,
	})
	writeJSON(w, http.StatusOK, withdrawResponse{IdentityID: caller, Amount: req.Amount, Total: total})
}

func (a *API) getQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	win := a.gov.QuotaWindow(r.Context(), id)
	policy := a.gov.Policy().Quota
	resp := quotaResponse{
		QuotaWindow: win,
		Remaining:   max(policy.MaxWithdrawalsPerPeriod-win.Count, 0),
	}
	if ident := a.gov.GetIdentity(r.Context(), id); ident.Exists {
		resp.Limit = policy.LimitFor(ident.Level)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- authority ---

func (a *API) listAuthorities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authorities": a.gov.Authorities(r.Context()),
	})
}

func (a *API) joinAuthority(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	proof := governance.PaymentProof{
		Asset:     governance.Asset(strings.ToUpper(strings.TrimSpace(string(req.Asset)))),
		Amount:    req.Amount,
		Reference: strings.TrimSpace(req.Reference),
	}
	if err := a.gov.JoinAsAuthority(r.Context(), caller, proof); err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authority.joined", map[string]any{
		"asset":  string(proof.Asset),
		"amount": proof.Amount,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"identity_id": caller,
		"authority":   true,
	})
}

func (a *API) grantAuthority(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gov.GrantAuthority(r.Context(), caller, req.IdentityID); err != nil {
		writeGovernanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "authority.granted", map[string]any{"identity_id": req.IdentityID})
	writeJSON(w, http.StatusOK, map[string]any{
		"identity_id": strings.TrimSpace(req.IdentityID),
		"authority":   true,
	})
}
