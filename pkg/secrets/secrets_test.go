package secrets

import (
	"context"
	"errors"
	"testing"
)

type mockProvider struct {
	values map[string]string
	err    error
	calls  int
}

func (m *mockProvider) Name() string { return "mock" }
func (m *mockProvider) GetSecret(ctx context.Context, key string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.values[key], nil
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("SECRETS_REQUIRE_PRIMARY", "")
	t.Setenv("JWT_SECRET", "from-env")
	a, err := NewAdapter(context.Background())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	got, err := a.GetSecret(context.Background(), "JWT_SECRET")
	if err != nil || got != "from-env" {
		t.Fatalf("GetSecret = %q, %v", got, err)
	}
	if _, err := a.GetSecret(context.Background(), "DOES_NOT_EXIST_ANYWHERE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing secret err = %v, want ErrNotFound", err)
	}
	if a.Describe() != "env" {
		t.Errorf("Describe() = %q", a.Describe())
	}
}

func TestRequirePrimaryWithoutProvider(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("SECRETS_REQUIRE_PRIMARY", "true")
	if _, err := NewAdapter(context.Background()); err == nil {
		t.Fatal("expected error when primary is required but not configured")
	}
}

func TestPrimaryPreferred(t *testing.T) {
	primary := &mockProvider{values: map[string]string{"K": "primary"}}
	fallback := &mockProvider{values: map[string]string{"K": "fallback"}}
	a := NewAdapterWith(primary, fallback, false)
	got, err := a.GetSecret(context.Background(), "K")
	if err != nil || got != "primary" {
		t.Fatalf("GetSecret = %q, %v", got, err)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not be consulted")
	}
}

func TestFailOpenUsesFallback(t *testing.T) {
	primary := &mockProvider{err: errors.New("vault sealed")}
	fallback := &mockProvider{values: map[string]string{"K": "fallback"}}
	a := NewAdapterWith(primary, fallback, false)
	got, err := a.GetSecret(context.Background(), "K")
	if err != nil || got != "fallback" {
		t.Fatalf("GetSecret = %q, %v", got, err)
	}
}

func TestFailClosed(t *testing.T) {
	primary := &mockProvider{err: errors.New("vault sealed")}
	fallback := &mockProvider{values: map[string]string{"K": "fallback"}}
	a := NewAdapterWith(primary, fallback, true)
	if _, err := a.GetSecret(context.Background(), "K"); err == nil {
		t.Fatal("fail-closed adapter must not fall back")
	}
}

func TestGetSecretBytes(t *testing.T) {
	p := &mockProvider{values: map[string]string{
		"RAW": "plain-value",
		"B64": "base64:aGVsbG8=",
		"BAD": "base64:***",
	}}
	a := NewAdapterWith(p, nil, false)
	raw, err := a.GetSecretBytes(context.Background(), "RAW")
	if err != nil || string(raw) != "plain-value" {
		t.Fatalf("RAW = %q, %v", raw, err)
	}
	dec, err := a.GetSecretBytes(context.Background(), "B64")
	if err != nil || string(dec) != "hello" {
		t.Fatalf("B64 = %q, %v", dec, err)
	}
	if _, err := a.GetSecretBytes(context.Background(), "BAD"); err == nil {
		t.Error("expected decode error")
	}
}
