// Package proxy implements the pipeline coordinator: the catch-all HTTP
// handler that authenticates, evaluates policy, transforms bodies, forwards
// upstream, and audits mutating changes.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/uwcirg/fhirgate/internal/audit"
	"github.com/uwcirg/fhirgate/internal/authn"
	"github.com/uwcirg/fhirgate/internal/fhir"
	"github.com/uwcirg/fhirgate/internal/metrics"
	"github.com/uwcirg/fhirgate/internal/policy"
)

const suppressedMessage = "Access denied: resource is not available to this user"

var supportedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// TokenVerifier is the slice of the authn verifier the coordinator consumes.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (policy.Claims, error)
}

// Options wires the coordinator's collaborators and forwarding settings.
type Options struct {
	UpstreamServer       string
	Whitelist            map[string]struct{}
	ForwardAuthorization bool
	MaxBodyBytes         int64
	UpstreamTimeout      time.Duration

	Verifier TokenVerifier
	Registry *policy.Registry
	Auditor  *audit.Recorder
	Metrics  *metrics.Recorder
	Client   *http.Client
}

// Handler orchestrates one request end-to-end.
type Handler struct {
	logger   *slog.Logger
	opts     Options
	decider  *policy.DecisionEngine
	engine   *policy.TransformEngine
	client   *http.Client
	upstream string

	mu       sync.RWMutex
	registry *policy.Registry
}

// New builds the coordinator.
func New(logger *slog.Logger, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.UpstreamTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	registry := opts.Registry
	if registry == nil {
		registry = policy.NewRegistry(logger, nil)
	}
	return &Handler{
		logger:   logger.With(slog.String("agent", "pipeline")),
		opts:     opts,
		decider:  policy.NewDecisionEngine(logger),
		engine:   policy.NewTransformEngine(logger),
		client:   client,
		upstream: strings.TrimRight(opts.UpstreamServer, "/"),
		registry: registry,
	}
}

// Reload swaps the active registry snapshot. Requests in flight keep the
// snapshot they started with.
func (h *Handler) Reload(registry *policy.Registry) {
	if registry == nil {
		return
	}
	h.mu.Lock()
	h.registry = registry
	h.mu.Unlock()
	h.logger.Info("policy registry reloaded")
}

func (h *Handler) activeRegistry() *policy.Registry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry
}

// ServeHTTP runs the pipeline for one request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome, status := h.serve(w, r)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveRequest(r.Method, outcome, status, time.Since(start))
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) (string, int) {
	if _, ok := supportedMethods[r.Method]; !ok {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"message": "method not allowed"})
		return "rejected", http.StatusMethodNotAllowed
	}

	body, err := h.readBody(r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"message": "request body too large"})
		return "rejected", http.StatusRequestEntityTooLarge
	}

	// Whitelisted paths bypass authentication, policy evaluation, and
	// transformation entirely.
	if _, ok := h.opts.Whitelist[r.URL.Path]; ok {
		return h.forwardVerbatim(w, r, body)
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "token missing"})
		return "token_missing", http.StatusBadRequest
	}

	claims, err := h.opts.Verifier.Verify(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, authn.ErrTokenExpired):
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token expired"})
			return "token_expired", http.StatusUnauthorized
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token verification failed"})
			return "token_invalid", http.StatusUnauthorized
		}
	}

	req := policy.NewRequest(r, body)
	registry := h.activeRegistry()

	decision := h.decider.Evaluate(registry.Rules(), req, claims)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveDecision(decision.Outcome.String())
	}
	if decision.Outcome == policy.Deny {
		writeJSON(w, http.StatusForbidden, map[string]any{"description": decision.Reason})
		return "deny", http.StatusForbidden
	}

	// Request transform on mutating JSON bodies; the raw bytes survive when
	// no transformer touched the body.
	outboundBody := body
	var forwardedResource map[string]any
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		if parsed, ok := req.JSONBody(); ok {
			transformed, changed := h.engine.ApplyRequest(registry.RequestTransformers(), req, parsed, claims)
			forwardedResource = transformed
			if changed {
				encoded, err := json.Marshal(transformed)
				if err != nil {
					h.logger.Error("request body encode failed", slog.Any("error", err))
					writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "request transform failed"})
					return "error", http.StatusInternalServerError
				}
				outboundBody = encoded
			}
		}
	}

	resp, upstreamURL, err := h.forward(r, outboundBody)
	if err != nil {
		h.logger.Error("upstream request failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream unreachable"})
		return "upstream_error", http.StatusBadGateway
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Error("upstream response read failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream unreachable"})
		return "upstream_error", http.StatusBadGateway
	}

	h.auditChange(r, req, claims, forwardedResource, upstreamURL)

	contentType := resp.Header.Get("Content-Type")

	// Response transform applies to GET requests whose body decodes to a
	// JSON object; everything else passes through unchanged.
	if r.Method == http.MethodGet {
		if decoded := decodeObject(respBody); decoded != nil {
			final, suppressed, changed := h.engine.ApplyResponse(registry.ResponseTransformers(), req, decoded, claims)
			if suppressed {
				if h.opts.Metrics != nil {
					h.opts.Metrics.ObserveSuppression(fhir.ResourceType(final))
				}
				if fhir.IsBundle(decoded) {
					// Defensive: the shipped transformers empty Bundles
					// themselves rather than suppressing them.
					writeJSON(w, resp.StatusCode, fhir.EmptyBundle(decoded))
					return "filtered", resp.StatusCode
				}
				writeJSON(w, http.StatusUnauthorized, map[string]any{"description": suppressedMessage})
				return "suppressed", http.StatusUnauthorized
			}
			if changed {
				encoded, err := json.Marshal(final)
				if err != nil {
					h.logger.Error("response body encode failed", slog.Any("error", err))
					writeJSON(w, http.StatusBadGateway, map[string]any{"message": "response transform failed"})
					return "error", http.StatusBadGateway
				}
				writeRaw(w, resp.StatusCode, contentType, encoded)
				return "transformed", resp.StatusCode
			}
		}
	}

	writeRaw(w, resp.StatusCode, contentType, respBody)
	return "forwarded", resp.StatusCode
}

// forwardVerbatim serves whitelisted paths: the upstream response is returned
// untouched. Mutating methods are still audited, with no user identity.
func (h *Handler) forwardVerbatim(w http.ResponseWriter, r *http.Request, body []byte) (string, int) {
	resp, upstreamURL, err := h.forward(r, body)
	if err != nil {
		h.logger.Error("upstream request failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream unreachable"})
		return "upstream_error", http.StatusBadGateway
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Error("upstream response read failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream unreachable"})
		return "upstream_error", http.StatusBadGateway
	}

	h.auditChange(r, policy.NewRequest(r, body), nil, nil, upstreamURL)

	writeRaw(w, resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
	return "whitelisted", resp.StatusCode
}

// forward builds and executes the upstream request, propagating method,
// headers, query, and body. The Authorization header is dropped unless the
// upstream is trusted with it.
func (h *Handler) forward(r *http.Request, body []byte) (*http.Response, string, error) {
	upstreamURL := h.upstream + r.URL.Path
	if raw := r.URL.RawQuery; raw != "" {
		upstreamURL += "?" + raw
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, upstreamURL, err
	}
	for name, values := range r.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization":
			if !h.opts.ForwardAuthorization {
				continue
			}
		case "Host", "Content-Length":
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := h.client.Do(req)
	return resp, upstreamURL, err
}

// auditChange records mutating forwards. Never fails the request.
func (h *Handler) auditChange(r *http.Request, req *policy.Request, claims policy.Claims, resource map[string]any, upstreamURL string) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return
	}
	if h.opts.Auditor == nil {
		return
	}
	h.opts.Auditor.RecordChange(r.Context(), audit.Change{
		User:     claims.UserIdentifier(),
		Method:   r.Method,
		Params:   req.Query,
		Resource: resource,
		URL:      upstreamURL,
	})
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	reader := r.Body
	if h.opts.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(nil, r.Body, h.opts.MaxBodyBytes)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// bearerToken strips the single Bearer prefix from the Authorization header.
func bearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, "Bearer "))
}

// decodeObject parses the payload and returns it only when it is a JSON
// object.
func decodeObject(payload []byte) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil
	}
	return decoded
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
