package policies

import "github.com/uwcirg/fhirgate/internal/policy"

// DefaultDeny rejects every request that reached it without a terminal
// decision. Its name sorts last so it acts as the catch-all.
type DefaultDeny struct{}

// Name sorts the module to the end of the chain.
func (*DefaultDeny) Name() string { return "99_default_deny" }

// Evaluate always denies.
func (*DefaultDeny) Evaluate(_ *policy.Request, _ policy.Claims) policy.Decision {
	return policy.Denied("Request denied by default policy - no matching rule found")
}
