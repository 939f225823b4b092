package proxy

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uwcirg/fhirgate/internal/config"
)

func settingsConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Proxy.UpstreamServer = "http://hapi:8080"
	cfg.Auth.JWKSURL = "http://keycloak/certs"
	cfg.OIDC.AuthorizeURL = "http://keycloak/authorize"
	cfg.OIDC.TokenURI = "http://keycloak/token"
	cfg.OIDC.IntrospectionURI = "http://keycloak/introspect"
	return cfg
}

func TestSmartConfiguration(t *testing.T) {
	handler := NewSettingsHandler(settingsConfig())

	rec := httptest.NewRecorder()
	handler.SmartConfiguration(rec, httptest.NewRequest("GET", "/fhir/.well-known/smart-configuration", nil))
	require.Equal(t, 200, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "http://keycloak/authorize", payload["authorization_endpoint"])
	assert.Equal(t, "http://keycloak/token", payload["token_endpoint"])
	assert.Equal(t, "http://keycloak/introspect", payload["introspection_endpoint"])
}

func TestSettingsListing(t *testing.T) {
	handler := NewSettingsHandler(settingsConfig())

	rec := httptest.NewRecorder()
	handler.Settings(rec, httptest.NewRequest("GET", "/settings", nil))
	require.Equal(t, 200, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "http://hapi:8080", payload["UPSTREAM_SERVER"])
	assert.Contains(t, payload, "JWKS_URL")
}

func TestSettingsSingleKey(t *testing.T) {
	handler := NewSettingsHandler(settingsConfig())

	rec := httptest.NewRecorder()
	handler.Settings(rec, httptest.NewRequest("GET", "/settings/upstream_server", nil))
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"UPSTREAM_SERVER":"http://hapi:8080"}`, rec.Body.String())
}

func TestSettingsBlacklistedKeyRejected(t *testing.T) {
	handler := NewSettingsHandler(settingsConfig())

	for _, key := range []string{"SECRET_KEY", "api_key", "some_secret"} {
		rec := httptest.NewRecorder()
		handler.Settings(rec, httptest.NewRequest("GET", "/settings/"+key, nil))
		assert.Equal(t, 400, rec.Code, key)
	}
}

func TestSettingsUnknownKeyReturnsNull(t *testing.T) {
	handler := NewSettingsHandler(settingsConfig())

	rec := httptest.NewRecorder()
	handler.Settings(rec, httptest.NewRequest("GET", "/settings/NO_SUCH", nil))
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"NO_SUCH":null}`, rec.Body.String())
}

func TestSettingsRejectsNonGET(t *testing.T) {
	handler := NewSettingsHandler(settingsConfig())

	rec := httptest.NewRecorder()
	handler.Settings(rec, httptest.NewRequest("POST", "/settings", nil))
	assert.Equal(t, 405, rec.Code)
}
