package credential

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	xerrors "OpenLLM-Relay/internal/errors"
)

type fakeSecrets struct {
	value *string
	err   error
	names []string
}

func (f *fakeSecrets) GetSecret(_ context.Context, name, _ string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.names = append(f.names, name)
	if f.err != nil {
		return azsecrets.GetSecretResponse{}, f.err
	}
	return azsecrets.GetSecretResponse{Secret: azsecrets.Secret{Value: f.value}}, nil
}

func strptr(s string) *string { return &s }

func TestStatic(t *testing.T) {
	cred, err := Static(" key ").Resolve(context.Background())
	if err != nil || cred.APIKey != "key" || cred.Source != "static" {
		t.Fatalf("unexpected credential: %+v %v", cred, err)
	}
	if _, err := Static("").Resolve(context.Background()); xerrors.CodeOf(err) != xerrors.CodeCredentialFailure {
		t.Fatalf("expected credential failure, got %v", err)
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "from-env")
	cred, err := NewEnv("RELAY_TEST_KEY").Resolve(context.Background())
	if err != nil || cred.APIKey != "from-env" || cred.Source != "env:RELAY_TEST_KEY" {
		t.Fatalf("unexpected credential: %+v %v", cred, err)
	}

	missing := &Env{Name: "X", lookup: func(string) (string, bool) { return "", false }}
	if _, err := missing.Resolve(context.Background()); xerrors.CodeOf(err) != xerrors.CodeCredentialFailure {
		t.Fatalf("expected credential failure, got %v", err)
	}
}

func TestKeyVault(t *testing.T) {
	fake := &fakeSecrets{value: strptr("vault-key")}
	kv := newKeyVault(fake, "https://relay.vault.azure.net", "")

	cred, err := kv.Resolve(context.Background())
	if err != nil || cred.APIKey != "vault-key" {
		t.Fatalf("unexpected credential: %+v %v", cred, err)
	}
	if len(fake.names) != 1 || fake.names[0] != DefaultSecretName {
		t.Fatalf("unexpected secret lookup: %v", fake.names)
	}

	failing := newKeyVault(&fakeSecrets{err: stdErrors.New("403 forbidden")}, "https://relay.vault.azure.net", "custom")
	_, err = failing.Resolve(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeCredentialFailure || xerrors.MetadataOf(err)["secret"] != "custom" {
		t.Fatalf("unexpected error: %v", err)
	}

	empty := newKeyVault(&fakeSecrets{}, "https://relay.vault.azure.net", "")
	if _, err := empty.Resolve(context.Background()); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestNewKeyVaultValidation(t *testing.T) {
	if _, err := NewKeyVault(KeyVaultConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewKeyVault(KeyVaultConfig{VaultURL: "https://relay.vault.azure.net", Identity: "kerberos"}); err == nil {
		t.Fatalf("expected error for unknown identity")
	}
}

func TestChainFirstSuccessWins(t *testing.T) {
	chain := NewChain(Static(""), nil, Static("second"), Static("third"))
	cred, err := chain.Resolve(context.Background())
	if err != nil || cred.APIKey != "second" {
		t.Fatalf("unexpected credential: %+v %v", cred, err)
	}

	_, err = NewChain(Static(""), &Env{Name: "NOPE", lookup: func(string) (string, bool) { return "", false }}).Resolve(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeCredentialFailure {
		t.Fatalf("expected credential failure, got %v", err)
	}
	if _, err := NewChain().Resolve(context.Background()); err == nil {
		t.Fatalf("empty chain should fail")
	}
}
