// Package credential persists the single disposable signing key of a browsing
// session. Keys are scoped by session id: a new session id never sees the key
// of a previous one, so nothing outlives the session that created it.
package credential

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"pixelwar/crypto"
	"pixelwar/storage"
)

// ErrNotFound indicates no credential has been stored for the session yet.
var ErrNotFound = errors.New("credential: not found")

const (
	keyPrefix = "session-key/"
	sealLabel = "pixelwar 2024-06 session credential seal"
)

// ErrSealed is returned when an encrypted entry is read without a seal secret.
var ErrSealed = errors.New("credential: entry is sealed")

// Store loads and saves the session credential in a storage.Database.
type Store struct {
	db   storage.Database
	key  []byte
	seal string
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithSealSecret encrypts the stored key with a passphrase derived from
// secret. The primary identity's key bytes are the usual secret, so the
// database alone does not reveal the session key.
func WithSealSecret(secret []byte) StoreOption {
	return func(s *Store) {
		if len(secret) == 0 {
			return
		}
		var derived [32]byte
		blake3.DeriveKey(derived[:], sealLabel, secret)
		s.seal = hex.EncodeToString(derived[:])
	}
}

// NewSessionID returns a fresh browsing-session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewStore scopes the credential to sessionID inside db.
func NewStore(db storage.Database, sessionID string, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("credential: database required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("credential: session id required")
	}
	digest := blake3.Sum256([]byte(sessionID))
	s := &Store{
		db:  db,
		key: []byte(keyPrefix + hex.EncodeToString(digest[:16])),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sealed reports whether entries are written encrypted.
func (s *Store) Sealed() bool { return s.seal != "" }

// Load returns the stored credential or ErrNotFound. A plaintext entry left
// by an unsealed store is re-written sealed when a seal secret is set.
func (s *Store) Load() (*crypto.PrivateKey, error) {
	raw, err := s.db.Get(s.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credential: load: %w", err)
	}
	if isSealed(raw) {
		if s.seal == "" {
			return nil, ErrSealed
		}
		key, err := crypto.OpenKey(raw, s.seal)
		if err != nil {
			return nil, fmt.Errorf("credential: corrupt entry: %w", err)
		}
		return key, nil
	}
	key, err := crypto.PrivateKeyFromHex(string(raw))
	if err != nil {
		return nil, fmt.Errorf("credential: corrupt entry: %w", err)
	}
	if s.seal != "" {
		if err := s.Save(key); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// Save persists key, replacing any previous credential of the session.
func (s *Store) Save(key *crypto.PrivateKey) error {
	if key == nil {
		return errors.New("credential: nil key")
	}
	value := []byte(key.Hex())
	if s.seal != "" {
		sealed, err := crypto.SealKey(key, s.seal)
		if err != nil {
			return fmt.Errorf("credential: seal: %w", err)
		}
		value = sealed
	}
	if err := s.db.Put(s.key, value); err != nil {
		return fmt.Errorf("credential: save: %w", err)
	}
	return nil
}

func isSealed(raw []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}

// Clear removes the credential. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	if err := s.db.Delete(s.key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("credential: clear: %w", err)
	}
	return nil
}
