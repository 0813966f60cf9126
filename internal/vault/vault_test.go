package vault

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	blobs map[int64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[int64]string)}
}

func (s *fakeStore) SaveEnvironmentSecret(ctx context.Context, envID int64, blob string) error {
	s.blobs[envID] = blob
	return nil
}

func (s *fakeStore) LoadEnvironmentSecrets(ctx context.Context) (map[int64]string, error) {
	out := make(map[int64]string, len(s.blobs))
	for k, v := range s.blobs {
		out[k] = v
	}
	return out, nil
}

func testVault(t *testing.T, opts ...Option) *Vault {
	t.Helper()
	logger := zerolog.Nop()
	return New(&logger, opts...)
}

func TestVault_Passwords(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	_, ok := v.GetPassword(1)
	assert.False(t, ok)

	require.NoError(t, v.SetPassword(ctx, 1, "hunter2"))

	got, ok := v.GetPassword(1)
	assert.True(t, ok)
	assert.Equal(t, "hunter2", got)

	// Last writer wins.
	require.NoError(t, v.SetPassword(ctx, 1, "rotated"))
	got, _ = v.GetPassword(1)
	assert.Equal(t, "rotated", got)
}

func TestVault_Tokens(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	_, ok := v.GetToken(ctx, 1)
	assert.False(t, ok)

	require.NoError(t, v.SetToken(ctx, 1, "tok-abc", time.Now().Add(time.Hour)))

	token, ok := v.GetToken(ctx, 1)
	assert.True(t, ok)
	assert.Equal(t, "tok-abc", token)

	require.NoError(t, v.ClearSession(ctx, 1))
	_, ok = v.GetToken(ctx, 1)
	assert.False(t, ok)

	// Password survives a cleared session.
	require.NoError(t, v.SetPassword(ctx, 1, "pw"))
	require.NoError(t, v.SetToken(ctx, 1, "tok", time.Now().Add(time.Hour)))
	require.NoError(t, v.ClearSession(ctx, 1))
	_, ok = v.GetPassword(1)
	assert.True(t, ok)
}

func TestVault_TokenExpirySkew(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	// Expires within the 30s skew window, so it must not be served.
	require.NoError(t, v.SetToken(ctx, 1, "nearly-dead", time.Now().Add(10*time.Second)))
	_, ok := v.GetToken(ctx, 1)
	assert.False(t, ok)

	require.NoError(t, v.SetToken(ctx, 2, "fresh", time.Now().Add(time.Hour)))
	_, ok = v.GetToken(ctx, 2)
	assert.True(t, ok)
}

func TestVault_Persistence(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	v := testVault(t, WithPersistence(store, "master", "salt"))
	require.NoError(t, v.SetPassword(ctx, 1, "hunter2"))
	require.NoError(t, v.SetPassword(ctx, 2, "other"))

	require.Len(t, store.blobs, 2)
	assert.NotContains(t, store.blobs[1], "hunter2", "stored blob must not contain plaintext")

	// A fresh vault with the same master password reloads everything.
	fresh := testVault(t, WithPersistence(store, "master", "salt"))
	require.NoError(t, fresh.LoadPersisted(ctx))

	got, ok := fresh.GetPassword(1)
	assert.True(t, ok)
	assert.Equal(t, "hunter2", got)
	got, ok = fresh.GetPassword(2)
	assert.True(t, ok)
	assert.Equal(t, "other", got)
}

func TestVault_LoadPersistedSkipsUndecryptable(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	v := testVault(t, WithPersistence(store, "old-master", "salt"))
	require.NoError(t, v.SetPassword(ctx, 1, "hunter2"))

	// Master password changed: the blob no longer decrypts, but loading
	// must not fail the whole startup.
	rotated := testVault(t, WithPersistence(store, "new-master", "salt"))
	require.NoError(t, rotated.LoadPersisted(ctx))

	_, ok := rotated.GetPassword(1)
	assert.False(t, ok)
}

func TestVault_NoPersistenceWithoutMaster(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.SetPassword(context.Background(), 1, "memory only"))
	require.NoError(t, v.LoadPersisted(context.Background()))
}

func TestVault_AuthLockPerEnvironment(t *testing.T) {
	v := testVault(t)

	a := v.AuthLock(1)
	b := v.AuthLock(1)
	c := v.AuthLock(2)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
