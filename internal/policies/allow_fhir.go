package policies

import (
	"strings"

	"github.com/uwcirg/fhirgate/internal/policy"
)

// AllowFHIR opens the gate for /fhir/ paths. Access control for those paths
// is delegated to the security transformers; this rule only lets them do
// their work.
type AllowFHIR struct{}

// Name places the module after the well-known gate.
func (*AllowFHIR) Name() string { return "10_allow_fhir" }

// Evaluate allows requests whose path starts with /fhir/.
func (*AllowFHIR) Evaluate(req *policy.Request, _ policy.Claims) policy.Decision {
	if strings.HasPrefix(req.Path, "/fhir/") {
		return policy.Allowed()
	}
	return policy.NoDecision()
}
