package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/99designs/keyring"
	"github.com/jonboulle/clockwork"
)

const serviceName = "notifsync"

// envelope wraps a stored value with its absolute expiry, since OS keyrings
// have no native TTL.
type envelope struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// KeyringStore persists credentials in the OS keychain (macOS Keychain,
// Secret Service, Windows Credential Manager, with an encrypted file
// fallback). Expiry is enforced on read.
type KeyringStore struct {
	ring  keyring.Keyring
	clock clockwork.Clock
}

// NewKeyringStore opens the system keyring for this application.
func NewKeyringStore(clock clockwork.Clock) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/notifsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("notifsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring, clock: clock}, nil
}

// NewKeyringStoreWithRing wraps an existing keyring, used by tests.
func NewKeyringStoreWithRing(ring keyring.Keyring, clock clockwork.Clock) *KeyringStore {
	return &KeyringStore{ring: ring, clock: clock}
}

func (s *KeyringStore) Get(_ context.Context, key string) (string, bool, error) {
	item, err := s.ring.Get(key)
	if err == keyring.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting credential %q: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(item.Data, &env); err != nil {
		return "", false, fmt.Errorf("decoding credential %q: %w", key, err)
	}

	if !env.ExpiresAt.IsZero() && !s.clock.Now().Before(env.ExpiresAt) {
		// Expired: treat as absent and drop the stale entry.
		_ = s.ring.Remove(key)
		return "", false, nil
	}
	return env.Value, true, nil
}

func (s *KeyringStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = s.clock.Now().Add(ttl)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", key, err)
	}

	if err := s.ring.Set(keyring.Item{Key: key, Data: data}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (s *KeyringStore) Remove(_ context.Context, key string) error {
	err := s.ring.Remove(key)
	if err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
