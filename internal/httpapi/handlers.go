package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/auth"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/custody"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/obs"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/stream"
)

const serviceName = "gybernaty-govd"

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe is a readiness check (e.g. database ping).
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// API is the HTTP layer over the governance coordinator.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	gov         *governance.Coordinator
	custody     custody.Service
	stream      *stream.Stream
	tokens      *auth.Tokens
	operatorKey string

	rateBurst   int
	ratePerSec  float64
	maxBody     int64
	corsOrigins []string
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket. A non-positive rate disables it.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = append(a.corsOrigins, origins...) }
}

// WithOperatorKey enables POST /v1/auth/token for callers presenting key.
func WithOperatorKey(key string) Option {
	return func(a *API) { a.operatorKey = strings.TrimSpace(key) }
}

func New(rp ReadyProbe, version string, gov *governance.Coordinator, cust custody.Service, st *stream.Stream, tokens *auth.Tokens, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		gov:        gov,
		custody:    cust,
		stream:     st,
		tokens:     tokens,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("POST /v1/identities", a.createIdentity)
	a.mux.HandleFunc("GET /v1/identities/{id}", a.getIdentity)
	a.mux.HandleFunc("PATCH /v1/identities/{id}", a.updateIdentity)
	a.mux.HandleFunc("DELETE /v1/identities/{id}", a.removeIdentity)

	a.mux.HandleFunc("POST /v1/actions", a.proposeAction)
	a.mux.HandleFunc("GET /v1/actions/{id}", a.getAction)
	a.mux.HandleFunc("GET /v1/actions/{id}/details", a.getActionDetails)
	a.mux.HandleFunc("POST /v1/actions/{id}/approvals", a.approveAction)

	a.mux.HandleFunc("POST /v1/withdrawals", a.withdraw)
	a.mux.HandleFunc("GET /v1/quota/{id}", a.getQuota)

	a.mux.HandleFunc("GET /v1/authority", a.listAuthorities)
	a.mux.HandleFunc("POST /v1/authority/join", a.joinAuthority)
	a.mux.HandleFunc("POST /v1/authority/grants", a.grantAuthority)

	a.mux.HandleFunc("POST /v1/custody/deposits", a.deposit)
	a.mux.HandleFunc("GET /v1/custody/{id}/balance", a.getBalance)
	a.mux.HandleFunc("GET /v1/custody/transactions", a.listTransactions)

	a.mux.HandleFunc("GET /v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	p := a.gov.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     serviceName,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
		"treasury": a.custody.Treasury(),
		"policy": map[string]any{
			"level_limits":               p.Quota.LevelLimits,
			"max_withdrawals_per_period": p.Quota.MaxWithdrawalsPerPeriod,
			"period_seconds":             int64(p.Quota.Period / time.Second),
			"approval_window_seconds":    int64(p.ApprovalWindow / time.Second),
			"rules":                      p.Rules,
			"join_thresholds":            p.JoinThresholds,
		},
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeGovernanceError maps the governance taxonomy onto HTTP status codes.
func writeGovernanceError(w http.ResponseWriter, r *http.Request, err error) {
	payload := map[string]any{"error": err.Error()}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	kind := governance.KindOf(err)
	if kind != governance.KindUnknown {
		payload["kind"] = string(kind)
		payload["code"] = governance.Code(err)
	}
	switch kind {
	case governance.KindValidation:
		writeJSON(w, http.StatusBadRequest, payload)
	case governance.KindConflict:
		writeJSON(w, http.StatusConflict, payload)
	case governance.KindAuthorization:
		writeJSON(w, http.StatusForbidden, payload)
	case governance.KindState:
		if errors.Is(err, governance.ErrUnknownAction) || errors.Is(err, governance.ErrUnknownIdentity) {
			writeJSON(w, http.StatusNotFound, payload)
			return
		}
		writeJSON(w, http.StatusConflict, payload)
	case governance.KindQuota:
		writeJSON(w, http.StatusUnprocessableEntity, payload)
	default:
		writeCustodyError(w, r, err)
	}
}

func writeCustodyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, custody.ErrInvalidAmount), errors.Is(err, custody.ErrInvalidAsset), errors.Is(err, custody.ErrInvalidHolder):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, custody.ErrInsufficientFunds), errors.Is(err, custody.ErrIdempotencyConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
