package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists tokens encrypted with AES-256-GCM. The key is derived
// from the host machine identity, a random seed persisted next to the
// token file, and the upstream user principal, so a copied token file is
// useless on another host or for another account.
type Store struct {
	path string
	user string
}

// NewStore creates a Store writing to path on behalf of the given
// upstream user principal.
func NewStore(path, user string) *Store {
	return &Store{path: path, user: user}
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and decrypts the stored token. It returns ErrNoToken when no
// token file exists and ErrCorruptToken when the file cannot be decrypted.
func (s *Store) Load() (*Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("reading token store: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, ErrCorruptToken
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCorruptToken
	}

	var tok Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, ErrCorruptToken
	}
	return &tok, nil
}

// Save encrypts and atomically writes the token with owner-only
// permissions.
func (s *Store) Save(tok *Token) error {
	plain, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting token file permissions: %w", err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

// Clear removes the stored token. The key seed is kept so that a later
// login on the same host reuses the same binding.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token store: %w", err)
	}
	return nil
}

func (s *Store) aead() (cipher.AEAD, error) {
	key, err := s.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return gcm, nil
}

// key derives the 32-byte encryption key from machine identity, the
// persisted random seed, and the user principal.
func (s *Store) key() ([]byte, error) {
	seed, err := s.loadOrCreateSeed()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(machineID()))
	h.Write(seed)
	h.Write([]byte(strings.ToLower(s.user)))
	return h.Sum(nil), nil
}

// loadOrCreateSeed returns the random seed stored next to the token file,
// creating it on first use.
func (s *Store) loadOrCreateSeed() ([]byte, error) {
	seedPath := s.path + ".seed"

	seed, err := os.ReadFile(seedPath)
	if err == nil && len(seed) >= 16 {
		return seed, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key seed: %w", err)
	}

	seed = make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating key seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(seedPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(seedPath, seed, 0o600); err != nil {
		return nil, fmt.Errorf("writing key seed: %w", err)
	}
	return seed, nil
}

// machineID returns a stable host identifier.
func machineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "m365gw"
	}
	return host
}
