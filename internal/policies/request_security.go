package policies

import (
	"github.com/uwcirg/fhirgate/internal/fhir"
	"github.com/uwcirg/fhirgate/internal/policy"
)

// RequestSecurity stamps outbound FHIR writes with the caller's ownership
// label so later reads can be filtered back to the same user.
type RequestSecurity struct {
	cfg Config
}

// Name orders the module between the gates and the response filter.
func (*RequestSecurity) Name() string { return "50_fhir_request_security" }

// Evaluate leaves the decision to other rules; this module only transforms.
func (*RequestSecurity) Evaluate(_ *policy.Request, _ policy.Claims) policy.Decision {
	return policy.NoDecision()
}

// TransformRequest labels single FHIR resources on POST/PUT with a security
// label whose system is the configured ownership system and whose code is the
// caller's sub. Any prior label in that system is replaced, labels in other
// systems are preserved. For transaction Bundles, only entries whose
// request.method is POST or PUT and whose nested resource is a FHIR resource
// are labeled. The input body is never mutated; a fresh copy is returned.
func (m *RequestSecurity) TransformRequest(req *policy.Request, body map[string]any, claims policy.Claims) (map[string]any, error) {
	if req.Method != "POST" && req.Method != "PUT" {
		return nil, nil
	}
	sub := claims.Sub()
	if sub == "" {
		return nil, nil
	}
	if !fhir.IsResource(body) {
		return nil, nil
	}

	if fhir.IsBundle(body) && body["type"] == "transaction" {
		modified := fhir.CloneResource(body)
		for _, entry := range fhir.Entries(modified) {
			method := fhir.EntryRequestMethod(entry)
			if method != "POST" && method != "PUT" {
				continue
			}
			resource := fhir.EntryResource(entry)
			if !fhir.IsResource(resource) {
				continue
			}
			fhir.ApplyOwnerLabel(resource, m.cfg.SecuritySystem, sub)
		}
		return modified, nil
	}

	modified := fhir.CloneResource(body)
	fhir.ApplyOwnerLabel(modified, m.cfg.SecuritySystem, sub)
	return modified, nil
}
