package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gatekit.org/internal/auth"
	"gatekit.org/internal/obs"
)

// ReadyProbe checks backing dependencies for the readiness endpoint.
type ReadyProbe struct {
	DB   *sql.DB
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Ping != nil {
		return rp.Ping(ctx)
	}
	return nil
}

// API is the HTTP layer over the authorization facade.
type API struct {
	mux           *http.ServeMux
	facade        *auth.Facade
	readyProbe    ReadyProbe
	version       string
	tokenTTL      time.Duration
	edgePerSecond int
	edgeBurst     int
}

// New wires routes for the given facade. edgePerSecond and edgeBurst bound
// per-client request frequency at the HTTP edge; an edgePerSecond of zero
// disables the edge limiter.
func New(facade *auth.Facade, rp ReadyProbe, version string, tokenTTL time.Duration, edgePerSecond, edgeBurst int) *API {
	a := &API{
		mux:           http.NewServeMux(),
		facade:        facade,
		readyProbe:    rp,
		version:       version,
		tokenTTL:      tokenTTL,
		edgePerSecond: edgePerSecond,
		edgeBurst:     edgeBurst,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleIssueToken)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefreshToken)
	a.mux.HandleFunc("/v1/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/sessions/current", a.handleCurrentSession)
	a.mux.HandleFunc("/v1/csrf", a.handleCSRF)

	a.mux.HandleFunc("/v1/rbac/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/rbac/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/rbac/assignments", a.handleAssignments)
	a.mux.HandleFunc("/v1/rbac/users/", a.handleUserScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	if a.edgePerSecond > 0 {
		h = RateLimit(h, a.edgePerSecond, a.edgeBurst)
	}
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gatekit-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "gatekit-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if rid := requestIDFrom(r); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, code, body)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

// handleAuthError maps core error kinds onto HTTP statuses without leaking
// which check failed.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMalformed),
		errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrNotFound),
		errors.Is(err, auth.ErrInactive):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, auth.ErrStorageUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, auth.ErrUnknownRole), errors.Is(err, auth.ErrUnknownPermission),
		errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
