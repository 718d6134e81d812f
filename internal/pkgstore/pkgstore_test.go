package pkgstore

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLookupMissesOnUnknownPackage(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.Lookup("eth-tools", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected a miss for a package never Put")
	}
}

func TestPutThenLookupRoundTrips(t *testing.T) {
	db := openTestDB(t)
	rec := Record{Name: "eth-tools", Version: "1.0.0", Digest: "sha256:abc", Path: "/var/cache/eth-tools"}
	if err := db.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.Lookup("eth-tools", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a hit after Put")
	}
	if got.Digest != rec.Digest || got.Path != rec.Path {
		t.Errorf("got = %+v, want digest/path from %+v", got, rec)
	}
}

func TestPutOverwritesOnConflict(t *testing.T) {
	db := openTestDB(t)
	if err := db.Put(Record{Name: "eth-tools", Version: "1.0.0", Digest: "sha256:old", Path: "/old"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(Record{Name: "eth-tools", Version: "1.0.0", Digest: "sha256:new", Path: "/new"}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.Lookup("eth-tools", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Digest != "sha256:new" || got.Path != "/new" {
		t.Errorf("got = %+v, want the updated record", got)
	}
}

func TestSecretStoreGeneratesKeyOnFirstUse(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")
	s1, err := NewSecretStore(keyPath)
	if err != nil {
		t.Fatal(err)
	}

	s2, err := NewSecretStore(keyPath)
	if err != nil {
		t.Fatal(err)
	}

	ct, err := s1.Encrypt([]byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := s2.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hunter2" {
		t.Errorf("pt = %q, want hunter2 (key must be persisted, not regenerated)", pt)
	}
}

func TestSecretStoreRejectsWrongLengthKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(keyPath, []byte("too-short"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSecretStore(keyPath); err == nil {
		t.Fatal("expected error for a key of the wrong length")
	}
}

func TestSaveAndLoadRegistryAuthRoundTrips(t *testing.T) {
	s, err := NewSecretStore(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "auth.bin")

	if err := s.SaveRegistryAuth(path, "Bearer abc123"); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadRegistryAuth(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Bearer abc123" {
		t.Errorf("got = %q", got)
	}
}

func TestLoadRegistryAuthMissingFileReturnsEmptyString(t *testing.T) {
	s, err := NewSecretStore(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadRegistryAuth(filepath.Join(t.TempDir(), "nope.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("got = %q, want empty string for anonymous access", got)
	}
}

func TestLoadRegistryAuthEmptyPathIsAnonymous(t *testing.T) {
	s, err := NewSecretStore(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadRegistryAuth("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("got = %q", got)
	}
}
