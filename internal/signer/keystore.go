package signer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
)

var ErrKeystoreExists = errors.New("keystore already exists")

const (
	keystoreVersion = 1
	schemeSecp256k1 = "secp256k1"
)

type keyMaterial struct {
	PrivKeyHex string `json:"priv_key_hex"`
}

// keystoreFile keeps the address readable while the key stays sealed.
type keystoreFile struct {
	Version   int                 `json:"version"`
	Scheme    string              `json:"scheme"`
	Address   string              `json:"address"`
	CreatedAt string              `json:"created_at,omitempty"` // RFC3339
	Key       securefile.Envelope `json:"key"`
}

// Keystore is the encrypted on-disk home of the account key.
type Keystore struct {
	Path string
	Opt  securefile.Options
}

func NewKeystore(path string, kdf securefile.KDFParams) *Keystore {
	return &Keystore{
		Path: path,
		Opt: securefile.Options{
			KDF:           kdf,
			FilePerm:      constants.FilePerm,
			DirectoryPerm: constants.DirectoryPerm,
			// keep identical for read + write
			AAD: []byte(constants.KeystoreAAD),
		},
	}
}

func (s *Keystore) Exists() bool {
	_, err := os.Stat(s.Path)
	return err == nil
}

// Address reads the account address without the password.
func (s *Keystore) Address() (string, error) {
	f, err := securefile.ReadJSON[keystoreFile](s.Path)
	if err != nil {
		return "", err
	}
	return f.Address, nil
}

// Create generates a new key and persists it. It refuses to overwrite.
func (s *Keystore) Create(password []byte) (*Keypair, error) {
	if s.Exists() {
		return nil, fmt.Errorf("%s: %w", s.Path, ErrKeystoreExists)
	}
	kp, err := NewRandomKeypair()
	if err != nil {
		return nil, err
	}
	if err := s.write(kp, password); err != nil {
		return nil, err
	}
	return kp, nil
}

// Import persists an existing private key.
func (s *Keystore) Import(privHex string, password []byte) (*Keypair, error) {
	if s.Exists() {
		return nil, fmt.Errorf("%s: %w", s.Path, ErrKeystoreExists)
	}
	kp, err := KeypairFromHex(privHex)
	if err != nil {
		return nil, err
	}
	if err := s.write(kp, password); err != nil {
		return nil, err
	}
	return kp, nil
}

// Unlock decrypts the key. Wrong passwords surface as
// securefile.ErrInvalidPasswordOrCorrupt.
func (s *Keystore) Unlock(password []byte) (*Keypair, error) {
	f, err := securefile.ReadJSON[keystoreFile](s.Path)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", s.Path, err)
	}
	if f.Version != keystoreVersion || f.Scheme != schemeSecp256k1 {
		return nil, fmt.Errorf("unsupported keystore version %d scheme %q", f.Version, f.Scheme)
	}

	km, err := securefile.DecryptJSON[keyMaterial](&f.Key, password, s.Opt)
	if err != nil {
		return nil, err
	}
	kp, err := KeypairFromHex(km.PrivKeyHex)
	if err != nil {
		return nil, err
	}
	if kp.Address() != f.Address {
		kp.Wipe()
		return nil, fmt.Errorf("keystore address mismatch")
	}
	return kp, nil
}

func (s *Keystore) write(kp *Keypair, password []byte) error {
	env, err := securefile.EncryptJSON(keyMaterial{PrivKeyHex: kp.privateHex()}, password, s.Opt)
	if err != nil {
		return err
	}
	f := keystoreFile{
		Version:   keystoreVersion,
		Scheme:    schemeSecp256k1,
		Address:   kp.Address(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Key:       *env,
	}
	return securefile.WriteJSON(s.Path, f, s.Opt.FilePerm, s.Opt.DirectoryPerm)
}
