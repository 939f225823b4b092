package policies

import (
	"github.com/uwcirg/fhirgate/internal/fhir"
	"github.com/uwcirg/fhirgate/internal/policy"
)

// ResponseSecurity filters inbound GET responses down to the resources that
// carry the caller's ownership label.
type ResponseSecurity struct {
	cfg Config
}

// Name orders the module after the summary relaxer.
func (*ResponseSecurity) Name() string { return "51_fhir_response_security" }

// Evaluate leaves the decision to other rules; this module only transforms.
func (*ResponseSecurity) Evaluate(_ *policy.Request, _ policy.Claims) policy.Decision {
	return policy.NoDecision()
}

// TransformResponse retains exactly the Bundle entries labeled for the
// caller's sub, updating total and preserving the Bundle type. A non-Bundle
// FHIR resource passes through iff it carries a matching label; otherwise
// the module signals suppression. Without a sub claim, Bundles become empty
// and single resources suppress. Bundles on the Patient $summary and
// $everything paths are left as the summary relaxer filtered them.
func (m *ResponseSecurity) TransformResponse(req *policy.Request, body map[string]any, claims policy.Claims) (map[string]any, error) {
	if req.Method != "GET" {
		return nil, nil
	}
	if fhir.IsBundle(body) && patientOperationPath.MatchString(req.Path) {
		return nil, nil
	}
	sub := claims.Sub()

	if sub == "" {
		if fhir.IsBundle(body) {
			modified := fhir.CloneResource(body)
			modified["entry"] = []any{}
			if _, ok := modified["total"]; ok {
				modified["total"] = 0
			}
			return modified, nil
		}
		if fhir.IsResource(body) {
			return nil, policy.ErrSuppressed
		}
		return nil, nil
	}

	if fhir.IsBundle(body) {
		return m.filterBundle(body, sub), nil
	}
	if fhir.IsResource(body) {
		if fhir.HasLabel(body, m.cfg.SecuritySystem, sub) {
			return fhir.CloneResource(body), nil
		}
		return nil, policy.ErrSuppressed
	}
	return nil, nil
}

func (m *ResponseSecurity) filterBundle(bundle map[string]any, sub string) map[string]any {
	modified := fhir.CloneResource(bundle)
	kept := make([]any, 0)
	for _, entry := range fhir.Entries(modified) {
		resource := fhir.EntryResource(entry)
		if fhir.HasLabel(resource, m.cfg.SecuritySystem, sub) {
			kept = append(kept, entry)
		}
	}
	modified["entry"] = kept
	if _, ok := modified["total"]; ok {
		modified["total"] = len(kept)
	}
	return modified
}
