package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyKey is returned when no key material was supplied.
var ErrEmptyKey = errors.New("crypto: empty private key")

// PrivateKey wraps a secp256k1 key usable as a ledger signing identity.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh random secp256k1 key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Hex returns the private scalar hex encoded without a 0x prefix.
func (k *PrivateKey) Hex() string {
	return common.Bytes2Hex(k.Bytes())
}

// Address derives the checksummed account address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

// PrivateKeyFromBytes decodes a raw 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) == 0 {
		return nil, ErrEmptyKey
	}
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex decodes a hex scalar, with or without a 0x prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, ErrEmptyKey
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode hex key: %w", err)
	}
	return &PrivateKey{key}, nil
}
