package policies

import (
	"regexp"

	"github.com/uwcirg/fhirgate/internal/fhir"
	"github.com/uwcirg/fhirgate/internal/policy"
)

var patientOperationPath = regexp.MustCompile(`^/fhir/Patient/[^/]+/\$(summary|everything)$`)

// PatientSummary relaxes response filtering for the Patient $summary and
// $everything operations. Those Bundles legitimately mix the patient's own
// resources with document scaffolding, so entries are retained when the
// resource is a Composition, carries the caller's ownership label, or is
// explicitly coded absent/unknown. The numeric prefix places it before the
// strict security filter.
type PatientSummary struct {
	cfg Config
}

// Name orders the module ahead of the security transformers.
func (*PatientSummary) Name() string { return "05_allow_patient_summary" }

// Evaluate leaves the decision to other rules; this module only transforms.
func (*PatientSummary) Evaluate(_ *policy.Request, _ policy.Claims) policy.Decision {
	return policy.NoDecision()
}

// TransformResponse filters $summary/$everything Bundles with the relaxed
// rule and updates total. All other paths and body shapes return nil so the
// chain proceeds unchanged.
func (m *PatientSummary) TransformResponse(req *policy.Request, body map[string]any, claims policy.Claims) (map[string]any, error) {
	if req.Method != "GET" {
		return nil, nil
	}
	if !patientOperationPath.MatchString(req.Path) {
		return nil, nil
	}
	if !fhir.IsBundle(body) {
		return nil, nil
	}

	sub := claims.Sub()
	if sub == "" {
		modified := fhir.CloneResource(body)
		modified["entry"] = []any{}
		modified["total"] = 0
		return modified, nil
	}

	modified := fhir.CloneResource(body)
	entries := fhir.Entries(modified)
	kept := make([]any, 0, len(entries))
	for _, entry := range entries {
		if _, ok := entry.(map[string]any); !ok {
			kept = append(kept, entry)
			continue
		}
		if m.allowed(fhir.EntryResource(entry), sub) {
			kept = append(kept, entry)
		}
	}
	modified["entry"] = kept
	modified["total"] = len(kept)
	return modified, nil
}

func (m *PatientSummary) allowed(resource map[string]any, sub string) bool {
	if fhir.ResourceType(resource) == "Composition" {
		return true
	}
	if fhir.HasLabel(resource, m.cfg.SecuritySystem, sub) {
		return true
	}
	return fhir.HasCoding(resource, m.cfg.AbsentUnknownSystem)
}
