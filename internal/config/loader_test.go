package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("UPSTREAM_SERVER", "http://hapi:8080")
	t.Setenv("JWKS_URL", "http://keycloak/auth/realms/test/protocol/openid-connect/certs")
	t.Setenv("PATH_WHITELIST", "/hapi-fhir-jpaserver/fhir/metadata, /fhir/metadata")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("POLICIES_DIR", "/etc/fhirgate/policies")
	t.Setenv("OIDC_AUTHORIZE_URL", "http://keycloak/authorize")
	t.Setenv("LOGSERVER_URL", "http://logs")
	t.Setenv("LOGSERVER_TOKEN", "tok")

	cfg, err := NewLoader().Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "http://hapi:8080", cfg.Proxy.UpstreamServer)
	assert.Equal(t, []string{"/hapi-fhir-jpaserver/fhir/metadata", "/fhir/metadata"}, cfg.Proxy.PathWhitelist)
	assert.Equal(t, "debug", cfg.Server.Logging.Level)
	assert.Equal(t, "/etc/fhirgate/policies", cfg.Policies.Dir)
	assert.Equal(t, "http://keycloak/authorize", cfg.OIDC.AuthorizeURL)
	assert.Equal(t, "http://logs", cfg.Audit.LogserverURL)

	// Defaults survive.
	assert.Equal(t, 8080, cfg.Server.Listen.Port)
	assert.Equal(t, "account", cfg.Auth.Audience)
	assert.Equal(t, "RS256", cfg.Auth.Algorithm)
	assert.Equal(t, "memory", cfg.Auth.KeyCache.Backend)
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
proxy:
  upstreamServer: http://from-file:8080
auth:
  jwksUrl: http://from-file/jwks
server:
  logging:
    level: warn
`), 0o644))

	t.Setenv("UPSTREAM_SERVER", "http://from-env:8080")

	cfg, err := NewLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:8080", cfg.Proxy.UpstreamServer)
	assert.Equal(t, "http://from-file/jwks", cfg.Auth.JWKSURL)
	assert.Equal(t, "warn", cfg.Server.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("UPSTREAM_SERVER", "http://hapi:8080")
	t.Setenv("JWKS_URL", "http://keycloak/certs")

	_, err := NewLoader("/no/such/config.yaml").Load(context.Background())
	assert.Error(t, err)
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "upstream required")

	cfg.Proxy.UpstreamServer = "http://hapi:8080"
	assert.Error(t, cfg.Validate(), "jwks required")

	cfg.Auth.JWKSURL = "http://keycloak/certs"
	assert.NoError(t, cfg.Validate())

	cfg.Server.Listen.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestWhitelistSetNormalizesPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.PathWhitelist = []string{"/fhir/metadata", "health", " ", ""}

	set := cfg.WhitelistSet()
	assert.Contains(t, set, "/fhir/metadata")
	assert.Contains(t, set, "/health")
	assert.Len(t, set, 2)
}

func TestSettingsViewRedaction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.UpstreamServer = "http://hapi:8080"
	cfg.Auth.JWKSURL = "http://keycloak/certs"

	view := cfg.SettingsView()
	assert.Contains(t, view, "UPSTREAM_SERVER")
	assert.Contains(t, view, "JWKS_URL")
	assert.NotContains(t, view, "SECRET")

	assert.True(t, SettingsKeyRedacted("SECRET_KEY"))
	assert.True(t, SettingsKeyRedacted("api_key"))
	assert.False(t, SettingsKeyRedacted("UPSTREAM_SERVER"))

	value, ok := cfg.SettingsValue("upstream_server")
	require.True(t, ok)
	assert.Equal(t, "http://hapi:8080", value)

	_, ok = cfg.SettingsValue("NO_SUCH_SETTING")
	assert.False(t, ok)
}
