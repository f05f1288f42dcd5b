package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
)

const serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// Secret keys read from the KV path.
const (
	KeyBridgePrivateKey = "BRIDGE_PRIVATE_KEY"
	KeyRailAPISecret    = "RAIL_API_SECRET"
	KeyJWTSecret        = "JWT_SECRET"
)

// VaultClient represents the Vault interaction client
type VaultClient struct {
	client       *resty.Client
	kvSecretPath string
	role         string
	tokenPath    string
}

type Option func(*VaultClient)

// WithTokenPath overrides the Kubernetes service account token location.
func WithTokenPath(path string) Option {
	return func(vc *VaultClient) { vc.tokenPath = path }
}

// New logs in with the pod's service account and returns an authenticated client.
func New(ctx context.Context, cfg config.VaultConfig, opts ...Option) (*VaultClient, error) {
	vc := &VaultClient{
		client:       resty.New().SetBaseURL(strings.TrimRight(cfg.Addr, "/")),
		kvSecretPath: strings.Trim(cfg.KVPath, "/"),
		role:         cfg.Role,
		tokenPath:    serviceAccountTokenPath,
	}
	for _, opt := range opts {
		opt(vc)
	}

	token, err := vc.login(ctx)
	if err != nil {
		return nil, err
	}
	vc.client.SetHeader("X-Vault-Token", token)
	return vc, nil
}

type vaultErrors struct {
	Errors []string `json:"errors"`
}

func (v *vaultErrors) err(status int, op string) error {
	if len(v.Errors) > 0 {
		return fmt.Errorf("vault %s failed with status %d: %s", op, status, strings.Join(v.Errors, "; "))
	}
	return fmt.Errorf("vault %s failed with status %d", op, status)
}

func (vc *VaultClient) login(ctx context.Context) (string, error) {
	k8sToken, err := os.ReadFile(vc.tokenPath)
	if err != nil {
		return "", fmt.Errorf("failed to read service account token: %w", err)
	}

	var result struct {
		Auth *struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	var failed vaultErrors
	resp, err := vc.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"jwt":  strings.TrimSpace(string(k8sToken)),
			"role": vc.role,
		}).
		SetResult(&result).
		SetError(&failed).
		Post("/v1/auth/kubernetes/login")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", failed.err(resp.StatusCode(), "authentication")
	}
	if result.Auth == nil || result.Auth.ClientToken == "" {
		return "", errors.New("vault returned empty client_token")
	}

	return result.Auth.ClientToken, nil
}

// GetKV retrieves a secret from a KV v2 mount.
func (vc *VaultClient) GetKV(ctx context.Context, secretKey string) (string, error) {
	var result struct {
		Data *struct {
			Data map[string]interface{} `json:"data"`
		} `json:"data"`
	}
	var failed vaultErrors
	resp, err := vc.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&failed).
		Get("/v1/" + vc.kvSecretPath)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", failed.err(resp.StatusCode(), "KV get")
	}
	if result.Data == nil || result.Data.Data == nil {
		return "", errors.New("vault response missing nested 'data' field")
	}

	raw, ok := result.Data.Data[secretKey]
	if !ok {
		return "", fmt.Errorf("secret key '%s' not found", secretKey)
	}
	secret, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key '%s' is not a string", secretKey)
	}
	return secret, nil
}

// ResolveSecrets overwrites the signing key and API secrets in cfg with the
// values stored in Vault. Keys absent from Vault keep their env value.
func (vc *VaultClient) ResolveSecrets(ctx context.Context, cfg *config.AppConfig) error {
	targets := map[string]*string{
		KeyBridgePrivateKey: &cfg.Blockchain.BridgePrivateKey,
		KeyRailAPISecret:    &cfg.Rail.APISecret,
		KeyJWTSecret:        &cfg.ApiServer.JWTSecret,
	}
	for key, dst := range targets {
		secret, err := vc.GetKV(ctx, key)
		if err != nil {
			if strings.Contains(err.Error(), "not found") && *dst != "" {
				continue
			}
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		*dst = secret
	}
	return nil
}
