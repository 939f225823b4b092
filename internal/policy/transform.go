package policy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/uwcirg/fhirgate/internal/fhir"
)

// TransformEngine applies request transformers to outbound bodies and
// response transformers to inbound bodies, in registry order.
type TransformEngine struct {
	logger *slog.Logger
}

// NewTransformEngine builds the engine with the given logger.
func NewTransformEngine(logger *slog.Logger) *TransformEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransformEngine{logger: logger.With(slog.String("agent", "transform_engine"))}
}

// ApplyRequest runs the request transformer chain over a parsed POST/PUT
// body. The chain starts from a deep copy, so the caller's parsed body is
// never visibly mutated even if a transformer misbehaves. A nil transformer
// result keeps the current body; errors and panics are logged and treated
// the same way. The second return reports whether any transformer replaced
// the body, letting the caller keep the original raw bytes otherwise.
func (e *TransformEngine) ApplyRequest(transformers []NamedRequestTransformer, req *Request, body map[string]any, claims Claims) (map[string]any, bool) {
	if body == nil {
		return nil, false
	}
	changed := false
	current := fhir.CloneResource(body)
	for _, entry := range transformers {
		e.logger.Debug("applying request transformer",
			slog.String("policy", entry.Name),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
		)
		result, err := e.applyRequestTransformer(entry, req, current, claims)
		if err != nil {
			e.logger.Error("request transformer failed",
				slog.String("policy", entry.Name),
				slog.Any("error", err),
			)
			continue
		}
		if result != nil {
			current = result
			changed = true
		}
	}
	return current, changed
}

// ApplyResponse runs the response transformer chain over a decoded GET
// response object. The suppressed return reports that a transformer signaled
// ErrSuppressed while the current body was a FHIR resource, halting the
// chain. A non-nil result replaces the body and resets any earlier filtered
// state, so a later transformer sees the replacement. A nil result with no
// error means "no change". The changed return lets the caller keep the
// original raw bytes when the chain made no modification.
func (e *TransformEngine) ApplyResponse(transformers []NamedResponseTransformer, req *Request, body map[string]any, claims Claims) (result map[string]any, suppressed, changed bool) {
	if body == nil {
		return nil, false, false
	}
	current := body
	for _, entry := range transformers {
		e.logger.Debug("applying response transformer",
			slog.String("policy", entry.Name),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
		)
		out, err := e.applyResponseTransformer(entry, req, current, claims)
		if errors.Is(err, ErrSuppressed) {
			// Suppression only applies to FHIR resources; for anything else
			// the signal is meaningless and the chain continues.
			if fhir.IsResource(current) {
				e.logger.Info("response transformer filtered out resource",
					slog.String("policy", entry.Name),
					slog.String("resource_type", fhir.ResourceType(current)),
				)
				return current, true, changed
			}
			continue
		}
		if err != nil {
			e.logger.Error("response transformer failed",
				slog.String("policy", entry.Name),
				slog.Any("error", err),
			)
			continue
		}
		if out != nil {
			current = out
			changed = true
		}
	}
	return current, false, changed
}

func (e *TransformEngine) applyRequestTransformer(entry NamedRequestTransformer, req *Request, body map[string]any, claims Claims) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("policy: transformer %s panicked: %v", entry.Name, r)
		}
	}()
	return entry.Transform.TransformRequest(req, body, claims)
}

func (e *TransformEngine) applyResponseTransformer(entry NamedResponseTransformer, req *Request, body map[string]any, claims Claims) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("policy: transformer %s panicked: %v", entry.Name, r)
		}
	}()
	return entry.Transform.TransformResponse(req, body, claims)
}
