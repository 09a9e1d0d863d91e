package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/relayforge/oauth-connect/instrumentation"
	"github.com/relayforge/oauth-connect/security"
)

// Identity headers set by the gateway in front of this service. The
// gateway terminates end-user authentication; these headers are trusted
// the same way X-Forwarded-For is.
const (
	headerUserID   = "X-User-ID"
	headerTenantID = "X-Tenant-ID"
)

type contextKey int

const clientIPKey contextKey = iota

// clientIPFromContext returns the client IP stashed by the HTTP layer,
// or empty outside a request.
func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// Handler exposes the Service over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
	tracer  trace.Tracer

	rateLimiter *security.RateLimiter
	trustProxy  bool

	internalKeyHash string
	// dummyHash absorbs a bcrypt comparison when no credentials were
	// presented, so rejected and malformed requests cost the same time.
	dummyHash []byte
}

// NewHandler creates an HTTP handler for the service.
func NewHandler(service *Service) (*Handler, error) {
	cfg := service.cfg

	dummy, err := bcrypt.GenerateFromPassword([]byte("placeholder-credential"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dummy hash: %w", err)
	}

	return &Handler{
		service:         service,
		logger:          cfg.Logger,
		tracer:          service.inst.Tracer("http"),
		rateLimiter:     security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.Logger),
		trustProxy:      cfg.RateLimit.TrustProxy,
		internalKeyHash: cfg.Security.InternalAPIKeyHash,
		dummyHash:       dummy,
	}, nil
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// Routes returns the service's route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Public surface: caller identity from gateway headers.
	mux.HandleFunc("POST /oauth/{provider}/authorize", h.public(h.handleAuthorize))
	mux.HandleFunc("GET /oauth/{provider}/callback", h.public(h.handleCallback))
	mux.HandleFunc("GET /oauth/connections", h.public(h.handleListConnections))
	mux.HandleFunc("DELETE /oauth/connections/{id}", h.public(h.handleDeleteConnection))

	// Internal surface: trusted services presenting the internal API key.
	mux.HandleFunc("POST /internal/tokens/get", h.internal(h.handleGetToken))
	mux.HandleFunc("POST /internal/tokens/refresh/{connectionID}", h.internal(h.handleRefreshToken))
	mux.HandleFunc("POST /internal/tokens/revoke/{connectionID}", h.internal(h.handleRevokeToken))

	// Admin surface: same credential, read-mostly.
	mux.HandleFunc("GET /internal/admin/stats", h.internal(h.handleStats))
	mux.HandleFunc("GET /internal/admin/connections/{id}", h.internal(h.handleAdminGetConnection))
	mux.HandleFunc("POST /internal/admin/connections/{id}/health-check", h.internal(h.handleAdminHealthCheck))

	return mux
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// public wraps a handler with client IP resolution, per-IP rate
// limiting, a request span, and request metrics.
func (h *Handler) public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.GetClientIP(r, h.trustProxy)

		// The mux has resolved the route by now, so the pattern names the
		// span the way OTel HTTP conventions want.
		ctx, span := h.tracer.Start(
			context.WithValue(r.Context(), clientIPKey, clientIP), r.Pattern)
		defer span.End()
		if h.service.inst.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, clientIP)
		}
		r = r.WithContext(ctx)

		if !h.rateLimiter.Allow(clientIP) {
			h.service.metrics().RecordRateLimitExceeded(ctx, "per_ip")
			h.service.auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
			instrumentation.SetSpanError(span, "rate limit exceeded")
			h.writeError(w, r, ErrRateLimitExceeded("too many requests"))
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		instrumentation.AddHTTPAttributes(span, r.Method, r.Pattern, rec.status)
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}

		h.service.metrics().RecordHTTPRequest(ctx, r.Method, r.Pattern,
			rec.status, float64(time.Since(start).Milliseconds()))
	}
}

// internal wraps a handler with the public middleware plus internal API
// key verification.
func (h *Handler) internal(next http.HandlerFunc) http.HandlerFunc {
	return h.public(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticateInternal(r) {
			h.service.metrics().RecordInternalAuthFailure(r.Context())
			h.service.auditor.LogInternalAuthFailure(clientIPFromContext(r.Context()))
			h.writeError(w, r, ErrUnauthorized("invalid or missing internal API key"))
			return
		}
		next(w, r)
	})
}

// authenticateInternal verifies the bearer credential against the
// configured bcrypt hash. Every path performs exactly one bcrypt
// comparison.
func (h *Handler) authenticateInternal(r *http.Request) bool {
	if h.internalKeyHash == "" {
		// Internal surface disabled by configuration.
		_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte("disabled"))
		return false
	}

	auth := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || key == "" {
		_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte("missing"))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(h.internalKeyHash), []byte(key)) == nil
}

// callerIdentity extracts the gateway-asserted caller identity.
func callerIdentity(r *http.Request) (userID, tenantID string) {
	return r.Header.Get(headerUserID), r.Header.Get(headerTenantID)
}

// --- Public handlers ---

type authorizeRequestBody struct {
	Scopes    []string `json:"scopes,omitempty"`
	LoginHint string   `json:"login_hint,omitempty"`
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, tenantID := callerIdentity(r)
	if userID == "" || tenantID == "" {
		h.writeError(w, r, ErrUnauthorized("caller identity headers are required"))
		return
	}

	var body authorizeRequestBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, r, ErrInvalidRequest("malformed request body"))
			return
		}
	}

	resp, err := h.service.BeginAuthorization(r.Context(), BeginAuthorizationRequest{
		UserID:    userID,
		TenantID:  tenantID,
		Provider:  r.PathValue("provider"),
		Scopes:    body.Scopes,
		LoginHint: body.LoginHint,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := r.PathValue("provider")

	// The provider reports user denial and its own errors via the error
	// query parameter (RFC 6749 §4.1.2.1).
	if errCode := q.Get("error"); errCode != "" {
		h.logger.Info("Authorization denied at provider",
			"provider", provider,
			"error", errCode)
		h.redirectFailure(w, r, errCode)
		return
	}

	conn, err := h.service.CompleteAuthorization(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		var ferr *FlowError
		code := ErrorCodeServerError
		if errors.As(err, &ferr) {
			code = ferr.Code
		}
		h.redirectFailure(w, r, code)
		return
	}

	instrumentation.AddConnectionAttributes(trace.SpanFromContext(r.Context()),
		conn.ID, conn.Provider, "")

	success := h.service.cfg.SuccessRedirectURL
	if success == "" {
		h.writeJSON(w, http.StatusOK, map[string]string{
			"connection_id": conn.ID,
			"provider":      conn.Provider,
			"status":        string(conn.Status),
		})
		return
	}

	u, perr := url.Parse(success)
	if perr != nil {
		h.writeError(w, r, ErrServerError("misconfigured success redirect"))
		return
	}
	params := u.Query()
	params.Set("provider", conn.Provider)
	params.Set("connection_id", conn.ID)
	u.RawQuery = params.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// redirectFailure sends the browser to the failure URL with the error
// code attached, or writes a JSON error when no URL is configured.
func (h *Handler) redirectFailure(w http.ResponseWriter, r *http.Request, code string) {
	failure := h.service.cfg.FailureRedirectURL
	if failure == "" {
		status := http.StatusBadRequest
		if code == ErrorCodeServerError {
			status = http.StatusInternalServerError
		}
		h.writeJSON(w, status, ErrorResponse{Error: code})
		return
	}

	u, err := url.Parse(failure)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: ErrorCodeServerError})
		return
	}
	params := u.Query()
	params.Set("error", code)
	u.RawQuery = params.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, tenantID := callerIdentity(r)
	if userID == "" || tenantID == "" {
		h.writeError(w, r, ErrUnauthorized("caller identity headers are required"))
		return
	}

	conns, err := h.service.ListConnections(r.Context(), userID, tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (h *Handler) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	userID, tenantID := callerIdentity(r)
	if userID == "" || tenantID == "" {
		h.writeError(w, r, ErrUnauthorized("caller identity headers are required"))
		return
	}

	id := r.PathValue("id")
	if _, err := h.service.GetOwnedConnection(r.Context(), id, userID, tenantID); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.service.Revoke(r.Context(), id, "user:"+userID, "revoked by owner"); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Internal handlers ---

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, ErrInvalidRequest("malformed request body"))
		return
	}

	result, err := h.service.GetAccessToken(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RefreshConnection(r.Context(), r.PathValue("connectionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type revokeRequestBody struct {
	RevokedBy string `json:"revoked_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var body revokeRequestBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, r, ErrInvalidRequest("malformed request body"))
			return
		}
	}
	if body.RevokedBy == "" {
		body.RevokedBy = "internal"
	}

	if err := h.service.Revoke(r.Context(), r.PathValue("connectionID"), body.RevokedBy, body.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Admin handlers ---

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleAdminGetConnection(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleAdminHealthCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CheckConnectionHealth(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// --- Response helpers ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps an error onto the structured error body. Unknown
// errors become opaque 500s; internals never leak.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ferr *FlowError
	if !errors.As(err, &ferr) {
		h.logger.Error("Unhandled error", "error", err, "path", r.URL.Path)
		ferr = ErrServerError("internal error")
	}

	h.writeJSON(w, ferr.Status, ErrorResponse{
		Error:            ferr.Code,
		ErrorDescription: ferr.Description,
	})
}
