package policies

import (
	"strings"

	"github.com/uwcirg/fhirgate/internal/policy"
)

// WellKnown allows requests to /.well-known paths at any depth so discovery
// documents stay reachable.
type WellKnown struct{}

// Name orders the module first in the chain.
func (*WellKnown) Name() string { return "00_allow_well_known" }

// Evaluate allows the request when the path starts with /.well-known or
// contains a /.well-known/ segment; everything else stays undecided.
func (*WellKnown) Evaluate(req *policy.Request, _ policy.Claims) policy.Decision {
	path := req.Path
	if strings.HasPrefix(path, "/.well-known") || strings.Contains(path, "/.well-known/") {
		return policy.Allowed()
	}
	return policy.NoDecision()
}
