package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/steveyegge/pubdeploy/internal/logging"
)

const secretSchema = `
CREATE TABLE IF NOT EXISTS secrets (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SecretStoreConfig configures the encrypted SQLite backend
type SecretStoreConfig struct {
	Path string
	// Passphrase seals stored values. When empty, a random key is kept in
	// secret.key next to the database (mode 0600).
	Passphrase string
	Logger     *zap.Logger
}

// SecretStore keeps AES-256-GCM sealed credentials in a SQLite database
type SecretStore struct {
	db  *sql.DB
	key []byte
	log *zap.Logger
}

// NewSecretStore opens (creating if needed) the secret database
func NewSecretStore(cfg SecretStoreConfig) (*SecretStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("secret store path is required")
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	key, err := loadKey(dir, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping secret store: %w", err)
	}
	if _, err := db.Exec(secretSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SecretStore{db: db, key: key, log: logging.OrNop(cfg.Logger)}, nil
}

// loadKey normalizes the passphrase (or the generated key file) to 32 bytes
func loadKey(dir, passphrase string) ([]byte, error) {
	if passphrase == "" {
		var err error
		passphrase, err = loadOrCreateKeyFile(filepath.Join(dir, "secret.key"))
		if err != nil {
			return nil, err
		}
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:], nil
}

// loadOrCreateKeyFile returns the key stored at path, generating it on first
// use. The key is written to a temp file and hard-linked into place, so a
// concurrent reader either sees no file or the complete key.
func loadOrCreateKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("key file %s is empty", path)
		}
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	secret := hex.EncodeToString(raw)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".secret.key.tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to chmod key file: %w", err)
	}
	if _, err := tmp.WriteString(secret + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close key file: %w", err)
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// another process published its key first
			return loadOrCreateKeyFile(path)
		}
		return "", fmt.Errorf("failed to install key file: %w", err)
	}
	return secret, nil
}

// Name identifies the backend in CLI output
func (s *SecretStore) Name() string {
	return "secret-store"
}

// Close closes the database
func (s *SecretStore) Close() error {
	return s.db.Close()
}

// Store seals and upserts value under key
func (s *SecretStore) Store(ctx context.Context, key, value string) bool {
	sealed, err := s.seal(value)
	if err != nil {
		s.log.Error("failed to encrypt credential", zap.String("key", key), zap.Error(err))
		return false
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, sealed, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.log.Error("failed to store credential", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Retrieve opens the value stored under key
func (s *SecretStore) Retrieve(ctx context.Context, key string) (string, bool) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM secrets WHERE key = ?", key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		s.log.Error("failed to read credential", zap.String("key", key), zap.Error(err))
		return "", false
	}

	value, err := s.open(sealed)
	if err != nil {
		// wrong passphrase or a tampered row
		s.log.Error("failed to decrypt credential", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return value, true
}

// Delete removes key; deleting a missing key succeeds
func (s *SecretStore) Delete(ctx context.Context, key string) bool {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE key = ?", key); err != nil {
		s.log.Error("failed to delete credential", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *SecretStore) seal(plaintext string) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *SecretStore) open(payload []byte) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", io.ErrUnexpectedEOF
	}
	plain, err := gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
