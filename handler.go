package sso

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/webapp-security/sso/instrumentation"
	"github.com/webapp-security/sso/security"
)

// Handler exposes the engine over HTTP: the token endpoint, the PKCE
// parameter endpoint, and the token pickup endpoint. Authorization UI,
// consent, and session handling live outside this surface.
type Handler struct {
	engine  *Engine
	limiter *security.RateLimiter
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewHandler creates an HTTP handler for the engine. Rate limiting follows
// the engine config; a zero rate disables it.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: engine, logger: logger}
	if rl := engine.config.RateLimit; rl.Rate > 0 {
		h.limiter = security.NewRateLimiter(rl.Rate, rl.Burst, logger)
	}
	if engine.inst != nil {
		h.tracer = engine.inst.Tracer("http")
	}
	return h
}

// Routes registers the handler's endpoints on mux
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /oauth2/token", h.handleToken)
	mux.HandleFunc("GET /oauth2/pkce", h.handlePKCEParams)
	mux.HandleFunc("POST /oauth2/token/exchange", h.handleTokenPickup)
}

// Close releases handler resources
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// handleToken implements the token endpoint for the authorization_code
// grant. Client credentials arrive via HTTP Basic auth or form parameters,
// with Basic auth taking precedence.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var span trace.Span
	if h.tracer != nil {
		var ctx context.Context
		ctx, span = h.tracer.Start(r.Context(), "oauth.http.token")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if err := r.ParseForm(); err != nil {
		instrumentation.SetSpanError(span, "malformed form body")
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String("oauth.grant_type", grantType))
	if grantType != GrantTypeAuthorizationCode {
		instrumentation.SetSpanError(span, "unsupported grant type")
		h.writeError(w, ErrUnsupportedGrantType("only the authorization_code grant is supported"))
		return
	}

	req := &ExchangeRequest{
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		State:        r.PostFormValue("state"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	if !h.allow(req.ClientID) {
		if h.engine.inst != nil {
			h.engine.inst.Metrics().RateLimitExceeded.Add(r.Context(), 1)
		}
		instrumentation.SetSpanError(span, "rate limited")
		h.writeError(w, &Error{
			Code:        ErrorCodeRateLimitExceeded,
			Description: "too many token requests",
			Status:      http.StatusTooManyRequests,
		})
		return
	}

	pair, err := h.engine.Exchange(r.Context(), req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, pair)
}

// handlePKCEParams generates server-held PKCE parameters for clients that
// cannot keep a verifier themselves.
func (h *Handler) handlePKCEParams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.pkce_params")
		defer span.End()
	}

	params, err := h.engine.GeneratePKCEParams(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, params)
}

// handleTokenPickup redeems a one-time pickup code for the parked tokens
func (h *Handler) handleTokenPickup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_pickup")
		defer span.End()
	}

	if err := r.ParseForm(); err != nil {
		instrumentation.SetSpanError(span, "malformed form body")
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	pair, err := h.engine.RedeemHandoff(ctx, r.PostFormValue("code"))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) allow(clientID string) bool {
	if h.limiter == nil {
		return true
	}
	if clientID == "" {
		clientID = "anonymous"
	}
	return h.limiter.Allow(clientID)
}

// errorResponse is the RFC 6749 error body
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr, ok := AsError(err)
	if !ok {
		h.logger.Error("Unexpected handler error", "error", err)
		oauthErr = ErrServerError("internal error")
	}
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	h.writeJSON(w, oauthErr.Status, errorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}
