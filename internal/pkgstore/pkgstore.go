// Package pkgstore persists the install cache (which packages are already
// on disk, at which digest and path) across daemon restarts, and encrypts
// registry credentials with a persisted master key. Grounded on
// internal/registry/db.go's modernc.org/sqlite wrapper and
// internal/secrets/store.go's AES-256-GCM Store.
package pkgstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one installed package's on-disk location.
type Record struct {
	Name      string
	Version   string
	Digest    string
	Path      string
	InstalledAt time.Time
}

// DB is the sqlite-backed install cache.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the install-cache database at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS packages (
			name         TEXT NOT NULL,
			version      TEXT NOT NULL DEFAULT '',
			digest       TEXT NOT NULL,
			path         TEXT NOT NULL,
			installed_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (name, version)
		)
	`)
	return err
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Lookup returns the cached install record for name@version, if any.
func (d *DB) Lookup(name, version string) (Record, bool, error) {
	row := d.db.QueryRow(`SELECT name, version, digest, path, installed_at FROM packages WHERE name = ? AND version = ?`, name, version)
	var rec Record
	var installedAt string
	if err := row.Scan(&rec.Name, &rec.Version, &rec.Digest, &rec.Path, &installedAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec.InstalledAt, _ = time.Parse("2006-01-02 15:04:05", installedAt)
	return rec, true, nil
}

// Put records (or updates) an installed package's location.
func (d *DB) Put(rec Record) error {
	_, err := d.db.Exec(`
		INSERT INTO packages (name, version, digest, path, installed_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(name, version) DO UPDATE SET digest = excluded.digest, path = excluded.path, installed_at = excluded.installed_at
	`, rec.Name, rec.Version, rec.Digest, rec.Path)
	return err
}

const masterKeyLen = 32 // AES-256

// SecretStore encrypts registry auth credentials with a master key
// persisted on disk, generated on first use.
type SecretStore struct {
	masterKey []byte
}

// NewSecretStore loads the master key at keyPath, generating one if absent.
func NewSecretStore(keyPath string) (*SecretStore, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != masterKeyLen {
			return nil, fmt.Errorf("master key at %s has invalid length %d (want %d)", keyPath, len(data), masterKeyLen)
		}
		return &SecretStore{masterKey: data}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return &SecretStore{masterKey: key}, nil
}

// Encrypt returns nonce||ciphertext for plaintext.
func (s *SecretStore) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (s *SecretStore) Decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// LoadRegistryAuth reads and decrypts the registry credential blob at path,
// returning "" if the file doesn't exist (anonymous registry access).
func (s *SecretStore) LoadRegistryAuth(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	plain, err := s.Decrypt(data)
	if err != nil {
		return "", fmt.Errorf("decrypt registry auth: %w", err)
	}
	return string(plain), nil
}

// SaveRegistryAuth encrypts and writes a registry credential to path.
func (s *SecretStore) SaveRegistryAuth(path, credential string) error {
	ct, err := s.Encrypt([]byte(credential))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, ct, 0600)
}
