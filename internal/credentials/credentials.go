// Package credentials stores ntfy server Basic Auth credentials in the
// host OS keyring rather than in plaintext config.
package credentials

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/ntfyerr"
)

const serviceName = "ntfyd"

// itemType tags every keyring entry this store writes, so load() can tell
// a credential entry apart from any other attribute a future keyring
// consumer might store under the same service name.
const itemType = "password"

// item is what actually gets marshalled into the keyring entry's Data.
// The server is encoded in the keyring key, not here, but it's carried
// too so a Store.load() can rebuild the index from Keys() alone.
type item struct {
	Type     string `json:"type"`
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func keyFor(server string) string {
	return "server:" + server
}

// Keyring is the subset of github.com/99designs/keyring.Keyring the store
// needs, narrowed so tests can supply an in-memory double instead of an OS
// secret service.
type Keyring interface {
	Get(key string) (keyring.Item, error)
	Set(item keyring.Item) error
	Remove(key string) error
	Keys() ([]string, error)
}

// Store is an in-memory index over a Keyring, loaded once at startup and
// kept consistent on every insert/delete so reads never hit the OS
// keyring on the hot path.
type Store struct {
	mu    sync.RWMutex
	ring  Keyring
	creds map[string]model.Credential // keyed by server
}

// Open opens the OS-backed keyring (falling back across the backends
// 99designs/keyring supports: Secret Service, macOS Keychain, Windows
// Credential Manager, or an encrypted file vault) and loads existing
// entries.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    serviceName,
		FileDir:                        "~/.local/share/ntfyd/keyring",
		FilePasswordFunc:               keyring.FixedStringPrompt(""),
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return NewWithKeyring(ring)
}

// NewWithKeyring builds a Store over an arbitrary Keyring implementation
// (an OS-backed one, or a test double) and loads its current contents.
func NewWithKeyring(ring Keyring) (*Store, error) {
	s := &Store{ring: ring, creds: make(map[string]model.Credential)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	keys, err := s.ring.Keys()
	if err != nil {
		return fmt.Errorf("list keyring keys: %w", err)
	}

	creds := make(map[string]model.Credential, len(keys))
	for _, key := range keys {
		kit, err := s.ring.Get(key)
		if err != nil {
			continue
		}
		var it item
		if err := json.Unmarshal(kit.Data, &it); err != nil {
			continue
		}
		if it.Type != itemType {
			continue
		}
		creds[it.Server] = model.Credential{Username: it.Username, Password: it.Password}
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// Get returns the credential stored for server, if any.
func (s *Store) Get(server string) (model.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[server]
	return c, ok
}

// ListAll returns a snapshot of every stored credential, keyed by server.
func (s *Store) ListAll() map[string]model.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Credential, len(s.creds))
	for k, v := range s.creds {
		out[k] = v
	}
	return out
}

// Insert stores username/password for server. Only one account per server
// is ever held: inserting the same username again is an idempotent
// upsert (refreshes the password), but inserting a different username for
// a server that already has one returns ErrSingleAccountPerServer.
func (s *Store) Insert(server, username, password string) error {
	s.mu.Lock()
	if existing, ok := s.creds[server]; ok && existing.Username != username {
		s.mu.Unlock()
		return ntfyerr.ErrSingleAccountPerServer
	}
	s.mu.Unlock()

	data, err := json.Marshal(item{Type: itemType, Server: server, Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	if err := s.ring.Set(keyring.Item{
		Key:         keyFor(server),
		Data:        data,
		Label:       "ntfyd: " + server,
		Description: "ntfy server credential",
	}); err != nil {
		return fmt.Errorf("store credential for %s: %w", server, err)
	}

	s.mu.Lock()
	s.creds[server] = model.Credential{Username: username, Password: password}
	s.mu.Unlock()
	return nil
}

// Delete removes the stored credential for server, if any.
func (s *Store) Delete(server string) error {
	s.mu.Lock()
	_, ok := s.creds[server]
	s.mu.Unlock()
	if !ok {
		return &ntfyerr.ErrSubscriptionNotFound{Context: "credentials for " + server}
	}

	if err := s.ring.Remove(keyFor(server)); err != nil {
		return fmt.Errorf("remove credential for %s: %w", server, err)
	}

	s.mu.Lock()
	delete(s.creds, server)
	s.mu.Unlock()
	return nil
}
