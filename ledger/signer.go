package ledger

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignerKind names which identity signs a write.
type SignerKind string

const (
	// SignerPrimary is the user's interactive identity (owns stake, funds the session).
	SignerPrimary SignerKind = "primary"
	// SignerSession is the disposable delegated identity.
	SignerSession SignerKind = "session"
)

// Signer is the signing context passed explicitly to every write.
type Signer struct {
	Kind    SignerKind
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps key as a signer of the given kind.
func NewSigner(kind SignerKind, key *ecdsa.PrivateKey) *Signer {
	if key == nil {
		return nil
	}
	return &Signer{Kind: kind, key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the account the signer controls.
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}
