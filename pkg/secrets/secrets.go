// Package secrets resolves startup secrets (JWT signing key, token hash key,
// password pepper) from Vault KV, AWS Secrets Manager or the process
// environment, in that order of preference.
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrNotFound            = errors.New("secret not found")
)

type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
}

type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

// NewAdapter picks Vault when VAULT_ADDR is set, AWS Secrets Manager when
// AWS_REGION is set, and always keeps the environment as fallback unless
// SECRETS_REQUIRE_PRIMARY=true.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "vault provider")
		}
		primary = vp
	} else if os.Getenv("AWS_REGION") != "" {
		ap, err := newAWSProvider(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "aws secrets manager provider")
		}
		primary = ap
	}
	if primary == nil && requirePrimary {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but neither VAULT_ADDR nor AWS_REGION is set")
	}
	a := &Adapter{
		primary:    primary,
		failClosed: os.Getenv("SECRETS_FAIL_CLOSED") == "true",
	}
	if !requirePrimary {
		a.fallback = envProvider{}
	}
	return a, nil
}

func NewAdapterWith(primary, fallback Provider, failClosed bool) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, failClosed: failClosed}
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrNotFound
		}
		if a.failClosed || a.fallback == nil {
			return "", errors.Wrapf(err, "%s: %s", a.primary.Name(), key)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

// GetSecretBytes returns the secret decoded from base64 when it carries a
// "base64:" prefix, or its raw bytes otherwise.
func (a *Adapter) GetSecretBytes(ctx context.Context, key string) ([]byte, error) {
	val, err := a.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	if rest, ok := strings.CutPrefix(val, "base64:"); ok {
		b, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("secret %s: invalid base64: %w", key, err)
		}
		return b, nil
	}
	return []byte(val), nil
}

func (a *Adapter) Describe() string {
	parts := make([]string, 0, 2)
	if a.primary != nil {
		parts = append(parts, a.primary.Name())
	}
	if a.fallback != nil {
		parts = append(parts, a.fallback.Name())
	}
	return strings.Join(parts, ",")
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = os.Getenv("VAULT_ADDR")
	vcfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/ciphertoken"),
	}, nil
}
func (v *vaultProvider) Name() string { return "vault" }
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		client: secretsmanager.NewFromConfig(awsCfg),
		prefix: getEnvOrDefault("AWS_SECRET_PREFIX", "ciphertoken/"),
	}, nil
}
func (a *awsProvider) Name() string { return "aws-secretsmanager" }
func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct{}

func (envProvider) Name() string { return "env" }
func (envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", errors.Wrap(ErrNotFound, key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
