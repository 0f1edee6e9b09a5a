package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

// Scrypt cost for new keystore files. Tests lower these.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

// SaveToKeystore encrypts key into a v3 keystore file at path. Only the
// primary identity is written this way; session keys stay in the
// session-scoped credential store.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	blob, err := encryptKey(key, passphrase, scryptN, scryptP)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SealKey encrypts key into a v3 keystore blob with the light scrypt cost.
// It protects keys that are re-derived on every start, where the standard
// cost would stall the client.
func SealKey(key *PrivateKey, passphrase string) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return encryptKey(key, passphrase, keystore.LightScryptN, keystore.LightScryptP)
}

// OpenKey decrypts a blob produced by SealKey.
func OpenKey(blob []byte, passphrase string) (*PrivateKey, error) {
	decrypted, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: open sealed key: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

func encryptKey(key *PrivateKey, passphrase string, n, p int) ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, n, p)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt keystore: %w", err)
	}
	return blob, nil
}

// LoadFromKeystore decrypts a v3 keystore file.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: unlock %s: %w", filepath.Base(path), err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
