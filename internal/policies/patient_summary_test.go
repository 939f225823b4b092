package policies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uwcirg/fhirgate/internal/fhir"
	"github.com/uwcirg/fhirgate/internal/policy"
)

func patientSummary() *PatientSummary {
	return &PatientSummary{cfg: Config{SecuritySystem: testSystem}.withDefaults()}
}

func summaryBundle() map[string]any {
	return map[string]any{
		"resourceType": "Bundle",
		"type":         "document",
		"total":        4,
		"entry": []any{
			map[string]any{"resource": map[string]any{"resourceType": "Composition"}},
			map[string]any{"resource": labeled("Observation", "u1")},
			map[string]any{"resource": labeled("Observation", "u2")},
			map[string]any{"resource": map[string]any{
				"resourceType": "AllergyIntolerance",
				"code": map[string]any{
					"coding": []any{
						map[string]any{"system": AbsentUnknownSystem, "code": "no-known-allergies"},
					},
				},
			}},
		},
	}
}

func TestPatientSummaryRelaxedFilter(t *testing.T) {
	mod := patientSummary()

	for _, path := range []string{"/fhir/Patient/123/$summary", "/fhir/Patient/123/$everything"} {
		result, err := mod.TransformResponse(policyRequest("GET", path), summaryBundle(), policy.Claims{"sub": "u1"})
		require.NoError(t, err)
		require.NotNil(t, result, path)

		entries := fhir.Entries(result)
		require.Len(t, entries, 3, path)
		assert.Equal(t, 3, result["total"])
		assert.Equal(t, "document", result["type"])
		assert.Equal(t, "Composition", fhir.ResourceType(fhir.EntryResource(entries[0])))
		assert.True(t, fhir.HasLabel(fhir.EntryResource(entries[1]), testSystem, "u1"))
		assert.Equal(t, "AllergyIntolerance", fhir.ResourceType(fhir.EntryResource(entries[2])))
	}
}

func TestPatientSummaryIgnoresOtherPaths(t *testing.T) {
	mod := patientSummary()
	cases := []string{
		"/fhir/Patient",
		"/fhir/Patient/123",
		"/fhir/Patient/123/$summary/extra",
		"/fhir/Observation/1/$summary",
	}
	for _, path := range cases {
		result, err := mod.TransformResponse(policyRequest("GET", path), summaryBundle(), policy.Claims{"sub": "u1"})
		require.NoError(t, err)
		assert.Nil(t, result, path)
	}
}

func TestPatientSummaryIgnoresNonBundles(t *testing.T) {
	mod := patientSummary()
	result, err := mod.TransformResponse(policyRequest("GET", "/fhir/Patient/123/$summary"), labeled("Patient", "u1"), policy.Claims{"sub": "u1"})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestPatientSummaryWithoutSubEmptiesBundle(t *testing.T) {
	mod := patientSummary()
	result, err := mod.TransformResponse(policyRequest("GET", "/fhir/Patient/123/$summary"), summaryBundle(), nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result["total"])
	assert.Empty(t, fhir.Entries(result))
}
