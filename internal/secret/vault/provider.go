// Package vault implements a secret provider backed by HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Config holds Vault client settings. Token auth is used when Token is set;
// otherwise AuthMethod selects approle or cert login.
type Config struct {
	Address    string
	Token      string
	AuthMethod string // "approle", "cert"
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

func (c Config) tls() *vault.TLSConfig {
	if c.CACert == "" && c.ClientCert == "" && c.ClientKey == "" {
		return nil
	}
	return &vault.TLSConfig{
		CACert:     c.CACert,
		ClientCert: c.ClientCert,
		ClientKey:  c.ClientKey,
	}
}

// Provider reads secrets from Vault KV (v1 or v2).
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Vault provider and authenticates. Non-token logins start a
// background renewer following the issued token's lease.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	if tls := cfg.tls(); tls != nil {
		if err := vcfg.ConfigureTLS(tls); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	p := &Provider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
		return p, nil
	}

	auth, err := login(client, cfg)
	if err != nil {
		return nil, err
	}
	client.SetToken(auth.ClientToken)

	p.wg.Add(1)
	go p.renewToken(auth)

	return p, nil
}

func login(client *vault.Client, cfg Config) (*vault.SecretAuth, error) {
	var (
		secret *vault.Secret
		err    error
	)
	switch cfg.AuthMethod {
	case "cert":
		secret, err = client.Logical().Write("auth/cert/login", nil)
	case "approle", "":
		if cfg.RoleID == "" {
			return nil, fmt.Errorf("vault: token or approle credentials required")
		}
		secret, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("unknown vault auth method: %s", cfg.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", cfg.AuthMethod, err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault login returned no auth info")
	}
	return secret.Auth, nil
}

// Get retrieves one field of a KV secret. The field rides after a "#"
// separator and defaults to "value": "secret/zgate/keys#key1".
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, field := splitField(path)

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	val, ok := kvData(secret)[field]
	if !ok {
		return "", fmt.Errorf("field %q not found in secret %q", field, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

func splitField(path string) (string, string) {
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		return path[:idx], path[idx+1:]
	}
	return path, "value"
}

// kvData unwraps the extra "data" level that KV v2 responses carry.
func kvData(secret *vault.Secret) map[string]interface{} {
	if v, ok := secret.Data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			return nested
		}
	}
	return secret.Data
}

// Close stops the token renewer and releases resources.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("create vault lifetime watcher failed", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal failed", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
