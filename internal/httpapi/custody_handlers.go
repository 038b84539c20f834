package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/audit"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/custody"
)

type depositRequest struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// deposit credits a holder from outside the system. Authority holders only.
func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	if !a.requireAuthority(w, r) {
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := a.custody.Deposit(r.Context(), strings.TrimSpace(req.Holder), custody.Money{
		Asset:  strings.ToUpper(strings.TrimSpace(req.Asset)),
		Amount: req.Amount,
	})
	if err != nil {
		writeCustodyError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "custody.deposit", map[string]any{
		"transaction_id": tx.ID,
		"holder":         tx.To,
		"asset":          tx.Asset,
		"amount":         tx.Amount,
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("asset")))
	if asset == "" {
		writeError(w, r, http.StatusBadRequest, "asset query parameter is required")
		return
	}
	holder := r.PathValue("id")
	bal, err := a.custody.Balance(r.Context(), holder, asset)
	if err != nil {
		writeCustodyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holder": holder,
		"asset":  bal.Asset,
		"amount": bal.Amount,
	})
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	if !a.requireAuthority(w, r) {
		return
	}
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var after uint64
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}
	items, next, err := a.custody.ListTransactions(r.Context(), limit, after)
	if err != nil {
		writeCustodyError(w, r, err)
		return
	}
	if items == nil {
		items = []custody.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"next_seq": next,
	})
}

func (a *API) requireAuthority(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := callerID(w, r)
	if !ok {
		return false
	}
	if !a.gov.HasAuthority(r.Context(), caller) {
		writeError(w, r, http.StatusForbidden, "authority capability required")
		return false
	}
	return true
}
