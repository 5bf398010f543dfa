package creds

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSourceRoundTrip(t *testing.T) {
	f := &FileSource{Path: filepath.Join(t.TempDir(), "credentials")}

	if _, _, err := f.Get(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("missing file: err = %v, want ErrNotConfigured", err)
	}

	if err := f.Set("p1234567", "hunter2"); err != nil {
		t.Fatal(err)
	}
	u, p, err := f.Get()
	if err != nil {
		t.Fatal(err)
	}
	if u != "p1234567" || p != "hunter2" {
		t.Errorf("got %q/%q", u, p)
	}

	fi, err := os.Stat(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("credentials file mode = %o, want 0600", fi.Mode().Perm())
	}
}

func TestFileSourceRefusesLooseModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	if err := os.WriteFile(path, []byte("user\npass\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := &FileSource{Path: path}
	if _, _, err := f.Get(); err == nil {
		t.Fatal("expected refusal for world-readable credentials")
	}
}

func TestChainFallsThrough(t *testing.T) {
	empty := &FileSource{Path: filepath.Join(t.TempDir(), "missing")}
	full := &FileSource{Path: filepath.Join(t.TempDir(), "credentials")}
	if err := full.Set("user", "pass"); err != nil {
		t.Fatal(err)
	}

	u, _, err := Chain{empty, full}.Get()
	if err != nil {
		t.Fatal(err)
	}
	if u != "user" {
		t.Errorf("username = %q", u)
	}

	if _, _, err := (Chain{empty}).Get(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("all-empty chain: err = %v", err)
	}
}
