package keystore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "keys"), nil)
}

func TestLoadOrCreatePersists(t *testing.T) {
	s := newTestStore(t)

	kp, err := s.LoadOrCreate("us-east")
	if err != nil {
		t.Fatal(err)
	}
	if kp.Public != kp.Private.PublicKey() {
		t.Error("public key does not match private key")
	}

	// A second call returns the same key.
	again, err := s.LoadOrCreate("us-east")
	if err != nil {
		t.Fatal(err)
	}
	if again.Private != kp.Private {
		t.Error("LoadOrCreate regenerated an existing key")
	}

	// A different region gets a different key.
	other, err := s.LoadOrCreate("de-berlin")
	if err != nil {
		t.Fatal(err)
	}
	if other.Private == kp.Private {
		t.Error("regions share a keypair")
	}
}

func TestFileModes(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadOrCreate("us-east"); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o700 {
		t.Errorf("key dir mode = %o, want 0700", fi.Mode().Perm())
	}

	fi, err = os.Stat(filepath.Join(s.Dir(), "us-east.key"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %o, want 0600", fi.Mode().Perm())
	}

	fi, err = os.Stat(filepath.Join(s.Dir(), "us-east.pub"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o644 {
		t.Errorf("public key mode = %o, want 0644", fi.Mode().Perm())
	}
}

func TestRotateReplacesKey(t *testing.T) {
	s := newTestStore(t)
	before, err := s.LoadOrCreate("us-east")
	if err != nil {
		t.Fatal(err)
	}
	after, err := s.Rotate("us-east")
	if err != nil {
		t.Fatal(err)
	}
	if after.Private == before.Private {
		t.Fatal("rotation kept the old key")
	}

	loaded, err := s.LoadOrCreate("us-east")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Private != after.Private {
		t.Error("rotated key was not persisted")
	}

	// The public-key file tracks the rotation.
	pub, err := os.ReadFile(filepath.Join(s.Dir(), "us-east.pub"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(pub)) != after.Public.String() {
		t.Error("public key file is stale after rotation")
	}
}

func TestAge(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Age("us-east"); err == nil {
		t.Error("Age of a missing key should fail")
	}
	if _, err := s.LoadOrCreate("us-east"); err != nil {
		t.Fatal(err)
	}
	age, err := s.Age("us-east")
	if err != nil {
		t.Fatal(err)
	}
	if age < 0 || age > time.Minute {
		t.Errorf("age = %s, want recent", age)
	}
}

func TestInjectedGenerator(t *testing.T) {
	fixed, err := wgtypes.ParseKey("YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=") // test-only bytes
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	s := New(filepath.Join(t.TempDir(), "keys"), func() (wgtypes.Key, error) {
		calls++
		return fixed, nil
	})

	kp, err := s.LoadOrCreate("r")
	if err != nil {
		t.Fatal(err)
	}
	if kp.Private != fixed || calls != 1 {
		t.Errorf("generator not used (calls=%d)", calls)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadOrCreate("us-east"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("us-east"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "us-east.key")); !os.IsNotExist(err) {
		t.Error("private key file still present after Remove")
	}
	// Removing again is not an error.
	if err := s.Remove("us-east"); err != nil {
		t.Fatal(err)
	}
}
