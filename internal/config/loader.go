package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envKeys maps the canonical environment variable names onto nested config
// keys. These names are part of the deployment contract.
var envKeys = map[string]string{
	"JWKS_URL":                     "auth.jwksUrl",
	"UPSTREAM_SERVER":              "proxy.upstreamServer",
	"PATH_WHITELIST":               "proxy.pathWhitelist",
	"OIDC_AUTHORIZE_URL":           "oidc.authorizeUrl",
	"OIDC_TOKEN_URI":               "oidc.tokenUri",
	"OIDC_TOKEN_INTROSPECTION_URI": "oidc.introspectionUri",
	"LOGSERVER_URL":                "audit.logserverUrl",
	"LOGSERVER_TOKEN":              "audit.logserverToken",
	"LOG_LEVEL":                    "server.logging.level",
	"POLICIES_DIR":                 "policies.dir",
}

// Loader hydrates the runtime configuration while respecting
// env > file > default precedence.
type Loader struct {
	files []string
}

// NewLoader prepares a config hydrator for the given optional files.
func NewLoader(files ...string) *Loader {
	return &Loader{files: files}
}

// Load assembles the effective snapshot: built-in defaults, then each
// configured file (YAML or JSON by extension), then the canonical
// environment variables.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envProvider := env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		mapped, ok := envKeys[key]
		if !ok {
			// Unmapped variables are ignored.
			return "", nil
		}
		if key == "PATH_WHITELIST" {
			return mapped, splitCommaList(value)
		}
		return mapped, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return kjson.Parser()
	}
	return yaml.Parser()
}

func splitCommaList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"proxy": map[string]any{
			"upstreamServer":       cfg.Proxy.UpstreamServer,
			"pathWhitelist":        cfg.Proxy.PathWhitelist,
			"forwardAuthorization": cfg.Proxy.ForwardAuthorization,
			"maxBodyBytes":         cfg.Proxy.MaxBodyBytes,
			"timeoutSeconds":       cfg.Proxy.TimeoutSeconds,
		},
		"auth": map[string]any{
			"jwksUrl":             cfg.Auth.JWKSURL,
			"audience":            cfg.Auth.Audience,
			"algorithm":           cfg.Auth.Algorithm,
			"fetchTimeoutSeconds": cfg.Auth.FetchTimeoutSeconds,
			"keyCache": map[string]any{
				"backend":    cfg.Auth.KeyCache.Backend,
				"ttlSeconds": cfg.Auth.KeyCache.TTLSeconds,
				"valkey": map[string]any{
					"address":  cfg.Auth.KeyCache.Valkey.Address,
					"username": cfg.Auth.KeyCache.Valkey.Username,
					"password": cfg.Auth.KeyCache.Valkey.Password,
					"db":       cfg.Auth.KeyCache.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Auth.KeyCache.Valkey.TLS.Enabled,
						"caFile":  cfg.Auth.KeyCache.Valkey.TLS.CAFile,
					},
				},
			},
		},
		"oidc": map[string]any{
			"authorizeUrl":     cfg.OIDC.AuthorizeURL,
			"tokenUri":         cfg.OIDC.TokenURI,
			"introspectionUri": cfg.OIDC.IntrospectionURI,
		},
		"audit": map[string]any{
			"logserverUrl":   cfg.Audit.LogserverURL,
			"logserverToken": cfg.Audit.LogserverToken,
		},
		"policies": map[string]any{
			"dir":   cfg.Policies.Dir,
			"watch": cfg.Policies.Watch,
		},
		"security": map[string]any{
			"labelSystem":         cfg.Security.LabelSystem,
			"absentUnknownSystem": cfg.Security.AbsentUnknownSystem,
		},
	}
}
