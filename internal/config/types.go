// Package config defines the process configuration and the koanf-based
// loader that hydrates it from defaults, an optional file, and environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config is the immutable configuration snapshot built once at startup.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Proxy    ProxyConfig    `koanf:"proxy"`
	Auth     AuthConfig     `koanf:"auth"`
	OIDC     OIDCConfig     `koanf:"oidc"`
	Audit    AuditConfig    `koanf:"audit"`
	Policies PoliciesConfig `koanf:"policies"`
	Security SecurityConfig `koanf:"security"`
}

// ServerConfig groups listener and logging settings.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ProxyConfig controls upstream forwarding.
type ProxyConfig struct {
	// UpstreamServer is the base URL requests are forwarded to.
	UpstreamServer string `koanf:"upstreamServer"`
	// PathWhitelist lists exact paths that bypass authentication, policy
	// evaluation, and transformation.
	PathWhitelist []string `koanf:"pathWhitelist"`
	// ForwardAuthorization re-adds the bearer token on upstream calls when
	// the upstream is trusted with it.
	ForwardAuthorization bool `koanf:"forwardAuthorization"`
	// MaxBodyBytes bounds inbound request bodies.
	MaxBodyBytes int64 `koanf:"maxBodyBytes"`
	// TimeoutSeconds bounds the upstream round trip.
	TimeoutSeconds int `koanf:"timeoutSeconds"`
}

// AuthConfig controls token verification.
type AuthConfig struct {
	JWKSURL             string         `koanf:"jwksUrl"`
	Audience            string         `koanf:"audience"`
	Algorithm           string         `koanf:"algorithm"`
	FetchTimeoutSeconds int            `koanf:"fetchTimeoutSeconds"`
	KeyCache            KeyCacheConfig `koanf:"keyCache"`
}

// KeyCacheConfig selects and tunes the JWKS key cache backend.
type KeyCacheConfig struct {
	Backend    string       `koanf:"backend"`
	TTLSeconds int          `koanf:"ttlSeconds"`
	Valkey     ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig identifies a valkey/redis server.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

// ValkeyTLSConfig controls TLS for the valkey connection.
type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// OIDCConfig feeds the smart-configuration discovery document.
type OIDCConfig struct {
	AuthorizeURL     string `koanf:"authorizeUrl"`
	TokenURI         string `koanf:"tokenUri"`
	IntrospectionURI string `koanf:"introspectionUri"`
}

// AuditConfig locates the remote audit log server.
type AuditConfig struct {
	LogserverURL   string `koanf:"logserverUrl"`
	LogserverToken string `koanf:"logserverToken"`
}

// PoliciesConfig locates operator-authored policy rules.
type PoliciesConfig struct {
	// Dir is scanned for rule files at startup.
	Dir string `koanf:"dir"`
	// Watch rebuilds the registry snapshot when rule files change. Off by
	// default so the registry stays a build-once structure.
	Watch bool `koanf:"watch"`
}

// SecurityConfig carries the wire-visible label system URIs.
type SecurityConfig struct {
	LabelSystem         string `koanf:"labelSystem"`
	AbsentUnknownSystem string `koanf:"absentUnknownSystem"`
}

// DefaultConfig returns the baseline configuration before file and
// environment overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Proxy: ProxyConfig{
			MaxBodyBytes:   16 << 20,
			TimeoutSeconds: 30,
		},
		Auth: AuthConfig{
			Audience:            "account",
			Algorithm:           "RS256",
			FetchTimeoutSeconds: 5,
			KeyCache: KeyCacheConfig{
				Backend:    "memory",
				TTLSeconds: 900,
			},
		},
	}
}

// Validate rejects snapshots that cannot serve requests.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: invalid listen port %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Proxy.UpstreamServer) == "" {
		return errors.New("config: upstream server required")
	}
	if _, err := url.Parse(c.Proxy.UpstreamServer); err != nil {
		return fmt.Errorf("config: invalid upstream server: %w", err)
	}
	if strings.TrimSpace(c.Auth.JWKSURL) == "" {
		return errors.New("config: jwks url required")
	}
	return nil
}

// WhitelistSet normalizes the configured whitelist into an exact-match set,
// preserving the leading slash.
func (c Config) WhitelistSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Proxy.PathWhitelist))
	for _, path := range c.Proxy.PathWhitelist {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		set[trimmed] = struct{}{}
	}
	return set
}

// settingsEntries renders the configuration under its canonical environment
// names for the read-only settings endpoints.
func (c Config) settingsEntries() map[string]any {
	return map[string]any{
		"UPSTREAM_SERVER":              c.Proxy.UpstreamServer,
		"PATH_WHITELIST":               strings.Join(c.Proxy.PathWhitelist, ","),
		"JWKS_URL":                     c.Auth.JWKSURL,
		"OIDC_AUTHORIZE_URL":           c.OIDC.AuthorizeURL,
		"OIDC_TOKEN_URI":               c.OIDC.TokenURI,
		"OIDC_TOKEN_INTROSPECTION_URI": c.OIDC.IntrospectionURI,
		"LOGSERVER_URL":                c.Audit.LogserverURL,
		"LOGSERVER_TOKEN":              c.Audit.LogserverToken,
		"LOG_LEVEL":                    c.Server.Logging.Level,
		"POLICIES_DIR":                 c.Policies.Dir,
		"SECURITY_LABEL_SYSTEM":        c.Security.LabelSystem,
	}
}

// SettingsView returns the settings map with blacklisted keys removed.
func (c Config) SettingsView() map[string]any {
	view := c.settingsEntries()
	for key := range view {
		if SettingsKeyRedacted(key) {
			delete(view, key)
		}
	}
	return view
}

// SettingsValue returns the value for one canonical settings key. The second
// return reports whether the key is known; redacted keys still report true so
// callers can reject them explicitly.
func (c Config) SettingsValue(key string) (any, bool) {
	value, ok := c.settingsEntries()[strings.ToUpper(key)]
	return value, ok
}

// SettingsKeyRedacted reports whether the key is blacklisted from the
// settings view.
func SettingsKeyRedacted(key string) bool {
	upper := strings.ToUpper(key)
	return strings.Contains(upper, "SECRET") || strings.Contains(upper, "KEY")
}
