// Package vault stores deploy credentials outside of profile documents.
//
// Two backends implement Vault: SecretStore (an encrypted SQLite file) and
// EnvVault (persistent OS environment variables). Callers pick one at
// startup with New and never learn which is active. Every method reports
// failure as false rather than an error; the backend logs the cause.
package vault

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/pubdeploy/internal/config"
)

// KeyPrefix starts every generated vault key
const KeyPrefix = "PUBDEPLOY"

// Vault is the credential backend contract
type Vault interface {
	Store(ctx context.Context, key, value string) bool
	// Retrieve returns ok=false when the key is absent or unreadable
	Retrieve(ctx context.Context, key string) (string, bool)
	Delete(ctx context.Context, key string) bool
	Name() string
}

// GenerateKey derives the vault key for a profile. Both parts are upper-cased,
// every run of characters outside [A-Z0-9] becomes one underscore, and
// leading/trailing underscores are trimmed:
//
//	GenerateKey("My.Proj", "uat-api") == "PUBDEPLOY_MY_PROJ_UAT_API"
//
// The mapping is lossy: "My.Proj" and "My_Proj" share a key. Keys must be
// valid environment variable names for EnvVault, so the collision is kept.
func GenerateKey(projectName, profileName string) string {
	parts := []string{KeyPrefix}
	for _, s := range []string{projectName, profileName} {
		if v := sanitize(s); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "_")
}

func sanitize(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// New selects the backend named by cfg.CredentialBackend
func New(cfg config.Config, logger *zap.Logger) (Vault, error) {
	switch cfg.CredentialBackend {
	case config.BackendSecretStore:
		return NewSecretStore(SecretStoreConfig{
			Path:       cfg.SecretStorePath,
			Passphrase: cfg.SecretKey,
			Logger:     logger,
		})
	case config.BackendEnvironment:
		return NewEnvVault(EnvVaultConfig{Logger: logger})
	default:
		return nil, fmt.Errorf("unknown credential backend: %q", cfg.CredentialBackend)
	}
}
