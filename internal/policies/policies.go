// Package policies ships the built-in policy modules. Their names carry
// numeric prefixes because registry ordering is lexicographic and the set
// depends on that precedence: the well-known and FHIR gates run first, the
// summary relaxer runs before the security filter, and default-deny runs
// last.
package policies

import "github.com/uwcirg/fhirgate/internal/policy"

// DefaultSecuritySystem is the ownership label system stamped on resources.
const DefaultSecuritySystem = "http://keycloak.cirg.uw.edu/fhir/security-labels"

// AbsentUnknownSystem marks resources explicitly recorded as absent or
// unknown (e.g. "no known allergies") in IPS documents.
const AbsentUnknownSystem = "http://hl7.org/fhir/uv/ips/CodeSystem/absent-unknown-uv-ips"

// Config carries the wire-visible constants the security modules depend on.
type Config struct {
	// SecuritySystem is the label system whose codes are user sub claims.
	SecuritySystem string
	// AbsentUnknownSystem is the coding system recognized by the summary
	// relaxer.
	AbsentUnknownSystem string
}

func (c Config) withDefaults() Config {
	if c.SecuritySystem == "" {
		c.SecuritySystem = DefaultSecuritySystem
	}
	if c.AbsentUnknownSystem == "" {
		c.AbsentUnknownSystem = AbsentUnknownSystem
	}
	return c
}

// All returns the shipped policy module set.
func All(cfg Config) []policy.Module {
	cfg = cfg.withDefaults()
	return []policy.Module{
		&WellKnown{},
		&PatientSummary{cfg: cfg},
		&AllowFHIR{},
		&RequestSecurity{cfg: cfg},
		&ResponseSecurity{cfg: cfg},
		&DefaultDeny{},
	}
}
