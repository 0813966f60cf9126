// Package vault holds per-environment credentials for the lifetime of the
// process. Passwords live in memory only, unless a master password is
// configured, in which case they are persisted encrypted and reloaded on
// startup. Bearer tokens go through a pluggable TokenCache.
package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"imigrate/internal/secrets"

	"github.com/rs/zerolog"
)

// SecretStore persists encrypted password blobs. Implemented by database.DB.
type SecretStore interface {
	SaveEnvironmentSecret(ctx context.Context, envID int64, blob string) error
	LoadEnvironmentSecrets(ctx context.Context) (map[int64]string, error)
}

type entry struct {
	mu       sync.Mutex
	password string
	has      bool
}

type Vault struct {
	mu      sync.Mutex
	entries map[int64]*entry
	authMu  map[int64]*sync.Mutex

	cache  TokenCache
	master []byte
	store  SecretStore
	logger *zerolog.Logger
}

// Option configures optional vault behavior.
type Option func(*Vault)

// WithTokenCache replaces the default in-memory token cache.
func WithTokenCache(cache TokenCache) Option {
	return func(v *Vault) { v.cache = cache }
}

// WithPersistence enables encrypted password persistence under a master
// password. The salt must stay stable across restarts.
func WithPersistence(store SecretStore, masterPassword, keySalt string) Option {
	return func(v *Vault) {
		v.store = store
		v.master = secrets.DeriveKey(masterPassword, []byte(keySalt))
	}
}

func New(logger *zerolog.Logger, opts ...Option) *Vault {
	v := &Vault{
		entries: make(map[int64]*entry),
		authMu:  make(map[int64]*sync.Mutex),
		cache:   NewMemoryTokenCache(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) entryFor(envID int64) *entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[envID]
	if !ok {
		e = &entry{}
		v.entries[envID] = e
	}
	return e
}

// AuthLock returns the mutex serializing token acquisition for one
// environment. Holding it across a reauthentication coalesces concurrent
// refreshes; it is distinct from the entry lock so password reads stay cheap.
func (v *Vault) AuthLock(envID int64) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	mu, ok := v.authMu[envID]
	if !ok {
		mu = &sync.Mutex{}
		v.authMu[envID] = mu
	}
	return mu
}

// GetPassword reports the resident password for an environment.
func (v *Vault) GetPassword(envID int64) (string, bool) {
	e := v.entryFor(envID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.password, e.has
}

// SetPassword stores a password in memory and, when persistence is enabled,
// saves it encrypted under the master key.
func (v *Vault) SetPassword(ctx context.Context, envID int64, password string) error {
	e := v.entryFor(envID)
	e.mu.Lock()
	e.password = password
	e.has = true
	e.mu.Unlock()

	if v.store == nil || v.master == nil {
		return nil
	}

	blob, err := secrets.EncryptWithKey([]byte(password), v.master)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	if err := v.store.SaveEnvironmentSecret(ctx, envID, blob); err != nil {
		return fmt.Errorf("persist password: %w", err)
	}
	return nil
}

// LoadPersisted decrypts stored passwords into memory. Blobs that fail to
// decrypt (master password changed) are skipped with a warning, not fatal.
func (v *Vault) LoadPersisted(ctx context.Context) error {
	if v.store == nil || v.master == nil {
		return nil
	}

	blobs, err := v.store.LoadEnvironmentSecrets(ctx)
	if err != nil {
		return fmt.Errorf("load persisted passwords: %w", err)
	}

	for envID, blob := range blobs {
		password, err := secrets.DecryptWithKey(blob, v.master)
		if err != nil {
			v.logger.Warn().Int64("env_id", envID).Msg("stored password does not decrypt under current master password, skipping")
			continue
		}
		e := v.entryFor(envID)
		e.mu.Lock()
		e.password = string(password)
		e.has = true
		e.mu.Unlock()
	}
	return nil
}

// GetToken returns a cached, unexpired bearer token for an environment.
func (v *Vault) GetToken(ctx context.Context, envID int64) (string, bool) {
	session, err := v.cache.GetToken(ctx, envID)
	if err != nil {
		v.logger.Warn().Err(err).Int64("env_id", envID).Msg("token cache read failed")
		return "", false
	}
	if session == nil || session.Token == "" {
		return "", false
	}
	// 30s skew so a token never expires mid-request.
	if !session.Expiry.IsZero() && time.Until(session.Expiry) < 30*time.Second {
		return "", false
	}
	return session.Token, true
}

// SetToken caches a freshly acquired token.
func (v *Vault) SetToken(ctx context.Context, envID int64, token string, expiry time.Time) error {
	return v.cache.SetToken(ctx, envID, &Session{Token: token, Expiry: expiry})
}

// ClearSession discards the cached token for an environment. The password
// stays resident so the next request can reauthenticate.
func (v *Vault) ClearSession(ctx context.Context, envID int64) error {
	return v.cache.ClearToken(ctx, envID)
}
