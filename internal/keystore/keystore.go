package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Keypair is a WireGuard keypair owned by the store.
type Keypair struct {
	Private   wgtypes.Key
	Public    wgtypes.Key
	CreatedAt time.Time
}

// Generator produces new private keys. Injected so callers can substitute a
// deterministic generator in tests or shell out to an external key tool.
type Generator func() (wgtypes.Key, error)

// NativeGenerator generates keys in-process.
func NativeGenerator() (wgtypes.Key, error) {
	return wgtypes.GeneratePrivateKey()
}

// Store holds one keypair per region under dir. The directory is created with
// mode 0700; private key files are 0600, public key files 0644.
type Store struct {
	dir string
	gen Generator

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-region write lock
}

// New creates a Store rooted at dir. gen may be nil to use NativeGenerator.
func New(dir string, gen Generator) *Store {
	if gen == nil {
		gen = NativeGenerator
	}
	return &Store{
		dir:   dir,
		gen:   gen,
		locks: make(map[string]*sync.Mutex),
	}
}

// Dir returns the directory holding key files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) regionLock(region string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[region]
	if !ok {
		l = &sync.Mutex{}
		s.locks[region] = l
	}
	return l
}

func (s *Store) privatePath(region string) string {
	return filepath.Join(s.dir, region+".key")
}

func (s *Store) publicPath(region string) string {
	return filepath.Join(s.dir, region+".pub")
}

// LoadOrCreate returns the persisted keypair for region, generating and
// persisting a new one if none exists.
func (s *Store) LoadOrCreate(region string) (Keypair, error) {
	l := s.regionLock(region)
	l.Lock()
	defer l.Unlock()

	kp, err := s.load(region)
	if err == nil {
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return Keypair{}, err
	}
	return s.create(region)
}

// Rotate unconditionally replaces the keypair for region.
func (s *Store) Rotate(region string) (Keypair, error) {
	l := s.regionLock(region)
	l.Lock()
	defer l.Unlock()
	return s.create(region)
}

// Age returns how long ago the region's keypair was created.
// Returns an error if no keypair exists.
func (s *Store) Age(region string) (time.Duration, error) {
	fi, err := os.Stat(s.privatePath(region))
	if err != nil {
		return 0, fmt.Errorf("stat key for %s: %w", region, err)
	}
	return time.Since(fi.ModTime()), nil
}

// Remove deletes the keypair files for region. Missing files are not an error.
func (s *Store) Remove(region string) error {
	l := s.regionLock(region)
	l.Lock()
	defer l.Unlock()

	for _, p := range []string{s.privatePath(region), s.publicPath(region)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove key file for %s: %w", region, err)
		}
	}
	return nil
}

func (s *Store) load(region string) (Keypair, error) {
	path := s.privatePath(region)
	fi, err := os.Stat(path)
	if err != nil {
		return Keypair{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, err
	}
	priv, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		return Keypair{}, fmt.Errorf("parse key for %s: %w", region, err)
	}
	return Keypair{
		Private:   priv,
		Public:    priv.PublicKey(),
		CreatedAt: fi.ModTime(),
	}, nil
}

func (s *Store) create(region string) (Keypair, error) {
	// Key material must never be group/world readable, not even transiently.
	old := unix.Umask(0o077)
	defer unix.Umask(old)

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return Keypair{}, fmt.Errorf("create key dir %s: %w", s.dir, err)
	}
	// The directory may pre-exist with looser permissions (e.g. restored from
	// a backup); tighten it.
	if err := os.Chmod(s.dir, 0o700); err != nil {
		return Keypair{}, fmt.Errorf("chmod key dir %s: %w", s.dir, err)
	}

	priv, err := s.gen()
	if err != nil {
		return Keypair{}, fmt.Errorf("generate key for %s: %w", region, err)
	}

	if err := writeAtomic(s.privatePath(region), []byte(priv.String()+"\n"), 0o600); err != nil {
		return Keypair{}, fmt.Errorf("write private key for %s: %w", region, err)
	}
	pub := priv.PublicKey()
	if err := writeAtomic(s.publicPath(region), []byte(pub.String()+"\n"), 0o644); err != nil {
		return Keypair{}, fmt.Errorf("write public key for %s: %w", region, err)
	}

	return Keypair{Private: priv, Public: pub, CreatedAt: time.Now()}, nil
}

// writeAtomic writes data to a sibling temp file with the final mode and
// renames it into place, so the target is either fully written or absent.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
