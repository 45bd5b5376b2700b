// Package securefile provides encrypted JSON envelopes and atomic file writes.
// Keys are derived with Argon2id and payloads sealed with XChaCha20-Poly1305.
package securefile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidPasswordOrCorrupt is returned when decryption fails.
	// Keep this generic to avoid leaking details.
	ErrInvalidPasswordOrCorrupt = errors.New("invalid password or corrupted file")

	ErrEmptyPassword = errors.New("securefile: empty password")
)

const envelopeVersion = 1

// KDFParams are the Argon2id settings stored next to every password envelope.
type KDFParams struct {
	ArgonTime    uint32 `json:"argon_time" mapstructure:"ArgonTime"`
	ArgonMemory  uint32 `json:"argon_memory_kib" mapstructure:"ArgonMemoryKiB"`
	ArgonThreads uint8  `json:"argon_threads" mapstructure:"ArgonThreads"`
	ArgonKeyLen  uint32 `json:"argon_key_len" mapstructure:"ArgonKeyLen"`
}

// DefaultKDF is tuned for a desktop agent.
var DefaultKDF = KDFParams{
	ArgonTime:    2,
	ArgonMemory:  64 * 1024, // 64 MiB in KiB
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

// Envelope is what gets marshaled to disk for a password-protected document.
type Envelope struct {
	Version int `json:"version"`
	KDFParams
	SaltB64 string `json:"salt_b64"`
	Sealed
}

// Options controls encryption behavior.
type Options struct {
	KDF KDFParams

	FilePerm      os.FileMode
	DirectoryPerm os.FileMode

	// AAD must be identical on read and write.
	AAD []byte
}

func defaultOptions() Options {
	return Options{
		KDF:           DefaultKDF,
		FilePerm:      0o600,
		DirectoryPerm: 0o700,
	}
}

func mergeOptions(opt ...Options) Options {
	o := defaultOptions()
	if len(opt) == 0 {
		return o
	}
	in := opt[0]
	if in.KDF.ArgonKeyLen != 0 {
		o.KDF = in.KDF
	}
	if in.FilePerm != 0 {
		o.FilePerm = in.FilePerm
	}
	if in.DirectoryPerm != 0 {
		o.DirectoryPerm = in.DirectoryPerm
	}
	if in.AAD != nil {
		o.AAD = in.AAD
	}
	return o
}

// NewSalt returns 16 random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs Argon2id over password and salt.
func DeriveKey(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if isAllZero(password) {
		return nil, errors.New("securefile: zeroed password buffer")
	}
	if p.ArgonKeyLen != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("unsupported key length: %d", p.ArgonKeyLen)
	}
	return argon2.IDKey(password, salt, p.ArgonTime, p.ArgonMemory, p.ArgonThreads, p.ArgonKeyLen), nil
}

// EncryptJSON marshals v and seals it under a key derived from password.
func EncryptJSON[T any](v T, password []byte, opt ...Options) (*Envelope, error) {
	o := mergeOptions(opt...)

	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	defer zeroBytes(plain)

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(password, salt, o.KDF)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	sealed, err := SealWithKey(key, plain, o.AAD)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Version:   envelopeVersion,
		KDFParams: o.KDF,
		SaltB64:   base64.StdEncoding.EncodeToString(salt),
		Sealed:    *sealed,
	}, nil
}

// DecryptJSON opens env with password and unmarshals the payload into T.
func DecryptJSON[T any](env *Envelope, password []byte, opt ...Options) (T, error) {
	var zero T
	o := mergeOptions(opt...)

	if env == nil {
		return zero, ErrInvalidPasswordOrCorrupt
	}
	if env.Version != envelopeVersion {
		return zero, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return zero, fmt.Errorf("decode salt: %w", err)
	}

	key, err := DeriveKey(password, salt, env.KDFParams)
	if err != nil {
		return zero, err
	}
	defer zeroBytes(key)

	plain, err := OpenWithKey(key, &env.Sealed, o.AAD)
	if err != nil {
		return zero, err
	}
	defer zeroBytes(plain)

	var out T
	if err := json.Unmarshal(plain, &out); err != nil {
		return zero, fmt.Errorf("unmarshal json: %w", err)
	}
	return out, nil
}

// WriteEncryptedJSON encrypts v and writes the envelope atomically to path.
func WriteEncryptedJSON[T any](path string, v T, password []byte, opt ...Options) error {
	o := mergeOptions(opt...)

	env, err := EncryptJSON(v, password, o)
	if err != nil {
		return err
	}
	return WriteJSON(path, env, o.FilePerm, o.DirectoryPerm)
}

// ReadEncryptedJSON reads path, decrypts it using password, and unmarshals JSON into T.
// A missing file surfaces as an error wrapping os.ErrNotExist.
func ReadEncryptedJSON[T any](path string, password []byte, opt ...Options) (T, error) {
	var zero T

	env, err := ReadJSON[Envelope](path)
	if err != nil {
		return zero, err
	}
	return DecryptJSON[T](&env, password, opt...)
}

// WriteJSON writes v as indented JSON using an atomic rename.
func WriteJSON[T any](path string, v T, permFile, permDir os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), permDir); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return AtomicWriteFile(path, b, permFile)
}

// ReadJSON reads and unmarshals path.
func ReadJSON[T any](path string) (T, error) {
	var out T
	b, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return out, nil
}

// AtomicWriteFile writes data to a temp file next to path and renames it into place.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	// Best effort cleanup if something already exists.
	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Wipe zeroes b in place.
func Wipe(b []byte) { zeroBytes(b) }
