package credential

import (
	"context"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	xerrors "OpenLLM-Relay/internal/errors"
)

// DefaultSecretName 是 Key Vault 中保存补全服务密钥的默认名称。
const DefaultSecretName = "AzureOpenAIKey"

// Identity 选择访问 Key Vault 的身份来源。
const (
	IdentityDefault = "default"
	IdentityManaged = "managed"
)

// KeyVaultConfig 描述 Key Vault 访问参数。
type KeyVaultConfig struct {
	VaultURL   string
	SecretName string
	// Identity 取 default（DefaultAzureCredential）或 managed（ManagedIdentityCredential）。
	Identity string
	// ClientID 在 managed 模式下指定用户分配的托管身份。
	ClientID string
}

type secretGetter interface {
	GetSecret(ctx context.Context, name, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// KeyVault 从 Azure Key Vault 读取密钥。
type KeyVault struct {
	client     secretGetter
	vaultURL   string
	secretName string
}

// NewKeyVault 根据配置构建 Key Vault 提供者，身份凭据在此创建但直到 Resolve 才会请求令牌。
func NewKeyVault(cfg KeyVaultConfig) (*KeyVault, error) {
	vaultURL := strings.TrimSpace(cfg.VaultURL)
	if vaultURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "key vault url is required")
	}

	cred, err := newTokenCredential(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "create azure identity credential")
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "create key vault client")
	}
	return newKeyVault(client, vaultURL, cfg.SecretName), nil
}

func newKeyVault(client secretGetter, vaultURL, secretName string) *KeyVault {
	if strings.TrimSpace(secretName) == "" {
		secretName = DefaultSecretName
	}
	return &KeyVault{client: client, vaultURL: vaultURL, secretName: secretName}
}

func newTokenCredential(cfg KeyVaultConfig) (azcore.TokenCredential, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Identity)) {
	case IdentityManaged:
		opts := &azidentity.ManagedIdentityCredentialOptions{}
		if id := strings.TrimSpace(cfg.ClientID); id != "" {
			opts.ID = azidentity.ClientID(id)
		}
		return azidentity.NewManagedIdentityCredential(opts)
	case "", IdentityDefault:
		return azidentity.NewDefaultAzureCredential(nil)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown identity "+cfg.Identity)
	}
}

// Resolve 实现 Provider。
func (k *KeyVault) Resolve(ctx context.Context) (Credential, error) {
	resp, err := k.client.GetSecret(ctx, k.secretName, "", nil)
	if err != nil {
		return Credential{}, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "read secret from key vault",
			xerrors.WithMetadata("vault", k.vaultURL),
			xerrors.WithMetadata("secret", k.secretName))
	}
	if resp.Value == nil || strings.TrimSpace(*resp.Value) == "" {
		return Credential{}, xerrors.New(xerrors.CodeCredentialFailure, "key vault secret is empty",
			xerrors.WithMetadata("secret", k.secretName))
	}
	return Credential{APIKey: strings.TrimSpace(*resp.Value), Source: "keyvault:" + k.secretName}, nil
}
