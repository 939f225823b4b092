package policy

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMediaTypeDetection(t *testing.T) {
	cases := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/fhir+json", true},
		{"application/json+fhir", true},
		{"application/xml+fhir", true},
		{"application/vnd.api+json", true},
		{"text/plain", false},
		{"application/xml", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isJSONMediaType(tc.contentType), tc.contentType)
	}
}

func TestJSONBodyLazyParse(t *testing.T) {
	r := httptest.NewRequest("POST", "/fhir/Observation", strings.NewReader(`{"resourceType":"Observation"}`))
	r.Header.Set("Content-Type", "application/fhir+json")
	req := NewRequest(r, []byte(`{"resourceType":"Observation"}`))

	require.True(t, req.IsJSON())
	body, ok := req.JSONBody()
	require.True(t, ok)
	assert.Equal(t, "Observation", body["resourceType"])

	// Cached: same map on second call.
	again, ok := req.JSONBody()
	require.True(t, ok)
	assert.Equal(t, body, again)
}

func TestJSONBodyRejectsNonJSONMediaType(t *testing.T) {
	r := httptest.NewRequest("POST", "/fhir/Observation", strings.NewReader(`{"resourceType":"Observation"}`))
	r.Header.Set("Content-Type", "text/plain")
	req := NewRequest(r, []byte(`{"resourceType":"Observation"}`))

	assert.False(t, req.IsJSON())
	_, ok := req.JSONBody()
	assert.False(t, ok)
}

func TestJSONBodyMalformed(t *testing.T) {
	r := httptest.NewRequest("POST", "/fhir/Observation", strings.NewReader("{"))
	r.Header.Set("Content-Type", "application/json")
	req := NewRequest(r, []byte("{"))

	_, ok := req.JSONBody()
	assert.False(t, ok)
}

func TestClaimsUserIdentifier(t *testing.T) {
	assert.Equal(t, "user@example.org", Claims{"email": "user@example.org", "sub": "u1"}.UserIdentifier())
	assert.Equal(t, "user1", Claims{"preferred_username": "user1", "sub": "u1"}.UserIdentifier())
	assert.Equal(t, "u1", Claims{"sub": "u1"}.UserIdentifier())
	assert.Equal(t, "", Claims(nil).UserIdentifier())
	assert.Equal(t, "", Claims{}.UserIdentifier())
}

func TestClaimsSub(t *testing.T) {
	assert.Equal(t, "u1", Claims{"sub": "u1"}.Sub())
	assert.Equal(t, "", Claims(nil).Sub())
	assert.Equal(t, "", Claims{"sub": 42}.Sub())
}
