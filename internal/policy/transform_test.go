package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mutatingTransformer struct{ name string }

func (m *mutatingTransformer) Name() string { return m.name }

// TransformRequest misbehaves on purpose: it mutates the handed body and
// returns nil.
func (m *mutatingTransformer) TransformRequest(_ *Request, body map[string]any, _ Claims) (map[string]any, error) {
	body["tampered"] = true
	return nil, nil
}

type errorTransformer struct{ name string }

func (e *errorTransformer) Name() string { return e.name }

func (e *errorTransformer) TransformRequest(_ *Request, _ map[string]any, _ Claims) (map[string]any, error) {
	return nil, errors.New("broken")
}

func (e *errorTransformer) TransformResponse(_ *Request, _ map[string]any, _ Claims) (map[string]any, error) {
	return nil, errors.New("broken")
}

func TestApplyRequestChainsReplacements(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{
		&fakeTransformer{name: "10_add", request: func(body map[string]any) map[string]any {
			out := map[string]any{}
			for k, v := range body {
				out[k] = v
			}
			out["first"] = true
			return out
		}},
		&fakeTransformer{name: "20_add", request: func(body map[string]any) map[string]any {
			out := map[string]any{}
			for k, v := range body {
				out[k] = v
			}
			out["second"] = true
			return out
		}},
	})

	body := map[string]any{"resourceType": "Observation"}
	result, changed := engine.ApplyRequest(reg.RequestTransformers(), testRequest("POST", "/fhir/Observation"), body, nil)
	require.True(t, changed)
	assert.Equal(t, true, result["first"])
	assert.Equal(t, true, result["second"])
}

func TestApplyRequestNilKeepsCurrent(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{
		&fakeTransformer{name: "10_noop"},
	})

	body := map[string]any{"resourceType": "Observation"}
	result, changed := engine.ApplyRequest(reg.RequestTransformers(), testRequest("POST", "/fhir/Observation"), body, nil)
	assert.False(t, changed)
	assert.Equal(t, body, result)
}

func TestApplyRequestShieldsOriginalFromMutation(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{&mutatingTransformer{name: "10_bad"}})

	body := map[string]any{"resourceType": "Observation"}
	_, _ = engine.ApplyRequest(reg.RequestTransformers(), testRequest("POST", "/fhir/Observation"), body, nil)
	_, tampered := body["tampered"]
	assert.False(t, tampered, "original parsed body must not be visibly mutated")
}

func TestApplyRequestErrorTreatedAsNoChange(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{&errorTransformer{name: "10_broken"}})

	body := map[string]any{"resourceType": "Observation"}
	result, changed := engine.ApplyRequest(reg.RequestTransformers(), testRequest("POST", "/fhir/Observation"), body, nil)
	assert.False(t, changed)
	assert.Equal(t, body, result)
}

type suppressingTransformer struct{ name string }

func (s *suppressingTransformer) Name() string { return s.name }

func (s *suppressingTransformer) TransformResponse(_ *Request, _ map[string]any, _ Claims) (map[string]any, error) {
	return nil, ErrSuppressed
}

func TestApplyResponseSuppressesFilteredResource(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{
		&suppressingTransformer{name: "10_filter"},
		&fakeTransformer{name: "20_never", response: func(map[string]any) map[string]any {
			t.Fatal("chain must halt on suppression")
			return nil
		}},
	})

	body := map[string]any{"resourceType": "Patient"}
	_, suppressed, _ := engine.ApplyResponse(reg.ResponseTransformers(), testRequest("GET", "/fhir/Patient/1"), body, nil)
	assert.True(t, suppressed)
}

func TestApplyResponseSuppressionIgnoredForNonFHIR(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{&suppressingTransformer{name: "10_filter"}})

	body := map[string]any{"status": "ok"}
	result, suppressed, changed := engine.ApplyResponse(reg.ResponseTransformers(), testRequest("GET", "/status"), body, nil)
	assert.False(t, suppressed)
	assert.False(t, changed)
	assert.Equal(t, body, result)
}

func TestApplyResponseNilOnNonFHIRKeeps(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{
		&fakeTransformer{name: "10_noop", response: func(map[string]any) map[string]any { return nil }},
	})

	body := map[string]any{"status": "ok"}
	result, suppressed, changed := engine.ApplyResponse(reg.ResponseTransformers(), testRequest("GET", "/status"), body, nil)
	assert.False(t, suppressed)
	assert.False(t, changed)
	assert.Equal(t, body, result)
}

func TestApplyResponseReplacementResetsSuppression(t *testing.T) {
	engine := NewTransformEngine(nil)
	replacement := map[string]any{"resourceType": "Bundle", "type": "searchset", "entry": []any{}}
	reg := NewRegistry(nil, []Module{
		&fakeTransformer{name: "10_replace", response: func(map[string]any) map[string]any { return replacement }},
		&fakeTransformer{name: "20_noop", response: func(body map[string]any) map[string]any {
			// Sees the replacement, not the original.
			assert.Equal(t, replacement, body)
			return body
		}},
	})

	body := map[string]any{"resourceType": "Patient"}
	result, suppressed, changed := engine.ApplyResponse(reg.ResponseTransformers(), testRequest("GET", "/fhir/Patient"), body, nil)
	assert.False(t, suppressed)
	assert.True(t, changed)
	assert.Equal(t, replacement, result)
}

func TestApplyResponseErrorContinuesChain(t *testing.T) {
	engine := NewTransformEngine(nil)
	reg := NewRegistry(nil, []Module{
		&errorTransformer{name: "10_broken"},
		&fakeTransformer{name: "20_pass", response: func(body map[string]any) map[string]any { return body }},
	})

	body := map[string]any{"resourceType": "Patient"}
	result, suppressed, _ := engine.ApplyResponse(reg.ResponseTransformers(), testRequest("GET", "/fhir/Patient/1"), body, nil)
	assert.False(t, suppressed)
	assert.Equal(t, body, result)
}
