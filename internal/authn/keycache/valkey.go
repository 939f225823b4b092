package keycache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const valkeyNamespace = "fhirgate:jwks:"

// ValkeyTLSConfig controls TLS for the valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig identifies the valkey/redis server backing the key cache.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyCache struct {
	client valkey.Client
}

// NewValkey connects to the configured server and verifies it with a ping.
func NewValkey(cfg ValkeyConfig) (KeyCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("keycache: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("keycache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("keycache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("keycache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("keycache: valkey ping: %w", err)
	}

	return &valkeyCache{client: client}, nil
}

func (c *valkeyCache) Lookup(ctx context.Context, kid string) ([]byte, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(valkeyNamespace+kid).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("keycache: valkey get: %w", err)
	}
	encoded, err := resp.ToString()
	if err != nil {
		return nil, false, fmt.Errorf("keycache: valkey get string: %w", err)
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("keycache: valkey decode: %w", err)
	}
	return der, true, nil
}

func (c *valkeyCache) Store(ctx context.Context, kid string, der []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	encoded := base64.StdEncoding.EncodeToString(der)
	cmd := c.client.B().Set().Key(valkeyNamespace + kid).Value(encoded).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("keycache: valkey set: %w", err)
	}
	return nil
}

func (c *valkeyCache) Close(context.Context) error {
	c.client.Close()
	return nil
}
