package tokencache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rickgao/iot-stream/internal/tokencache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testToken struct {
	AccessKeyID  string `json:"access_key_id"`
	SessionToken string `json:"session_token"`
}

func TestEntry_Valid(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e, err := tokencache.NewEntry(testToken{AccessKeyID: "AKID"}, now, tokencache.DefaultLifetime)
	require.NoError(t, err)

	assert.Equal(t, now.Add(3500*time.Second).UnixMilli(), e.ExpirationTime)
	assert.True(t, e.Valid(now))
	assert.True(t, e.Valid(now.Add(3499*time.Second)))
	assert.False(t, e.Valid(now.Add(3500*time.Second)), "valid only strictly before expirationTime")
	assert.False(t, e.Valid(now.Add(time.Hour)))
}

func TestEntry_WireFormat(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	e, err := tokencache.NewEntry(testToken{AccessKeyID: "AKID", SessionToken: "tok"}, now, time.Second)
	require.NoError(t, err)

	store := tokencache.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), tokencache.DefaultKey, e))

	path := filepath.Join(t.TempDir(), "tokens.json")
	fs, err := tokencache.NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, fs.Set(context.Background(), tokencache.DefaultKey, e))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"stsAuthToken":{"token":{"access_key_id":"AKID","session_token":"tok"},"expirationTime":1700000001000}}`,
		string(data),
	)
}

func TestEntry_Decode(t *testing.T) {
	e, err := tokencache.NewEntry(testToken{AccessKeyID: "AKID", SessionToken: "tok"}, time.Now(), time.Minute)
	require.NoError(t, err)

	var got testToken
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, testToken{AccessKeyID: "AKID", SessionToken: "tok"}, got)

	bad := tokencache.Entry{Token: []byte("{")}
	assert.Error(t, bad.Decode(&got))
}

func newStores(t *testing.T) map[string]tokencache.Store {
	t.Helper()
	fs, err := tokencache.NewFileStore(filepath.Join(t.TempDir(), "nested", "tokens.json"))
	require.NoError(t, err)
	return map[string]tokencache.Store{
		"memory": tokencache.NewMemoryStore(),
		"file":   fs,
	}
}

func TestStore_GetSetClear(t *testing.T) {
	ctx := context.Background()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Cleanup(func() { store.Close() })

			_, ok, err := store.Get(ctx, tokencache.DefaultKey)
			require.NoError(t, err)
			assert.False(t, ok, "empty store should miss")

			e, err := tokencache.NewEntry(testToken{AccessKeyID: "AKID"}, time.Now(), time.Minute)
			require.NoError(t, err)
			require.NoError(t, store.Set(ctx, tokencache.DefaultKey, e))

			got, ok, err := store.Get(ctx, tokencache.DefaultKey)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, e.ExpirationTime, got.ExpirationTime)
			assert.JSONEq(t, string(e.Token), string(got.Token))

			require.NoError(t, store.Clear(ctx, tokencache.DefaultKey))
			_, ok, err = store.Get(ctx, tokencache.DefaultKey)
			require.NoError(t, err)
			assert.False(t, ok, "cleared key should miss")

			assert.NoError(t, store.Clear(ctx, "missing"), "clearing a missing key is not an error")
		})
	}
}

func TestStore_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := tokencache.NewEntry("a", time.Now(), time.Minute)
			b, _ := tokencache.NewEntry("b", time.Now(), time.Minute)
			require.NoError(t, store.Set(ctx, "a", a))
			require.NoError(t, store.Set(ctx, "b", b))
			require.NoError(t, store.Clear(ctx, "a"))

			_, ok, err := store.Get(ctx, "b")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	first, err := tokencache.NewFileStore(path)
	require.NoError(t, err)
	e, err := tokencache.NewEntry("tok", time.Now(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, tokencache.DefaultKey, e))

	second, err := tokencache.NewFileStore(path)
	require.NoError(t, err)
	got, ok, err := second.Get(ctx, tokencache.DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.ExpirationTime, got.ExpirationTime)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	store, err := tokencache.NewFileStore(path)
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), tokencache.DefaultKey)
	assert.Error(t, err)
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	_, err := tokencache.NewFileStore("")
	assert.Error(t, err)
}

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := tokencache.New(ctx, tokencache.Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &tokencache.MemoryStore{}, s)

	s, err = tokencache.New(ctx, tokencache.Config{Backend: tokencache.BackendFile, Path: filepath.Join(t.TempDir(), "t.json")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &tokencache.FileStore{}, s)

	_, err = tokencache.New(ctx, tokencache.Config{Backend: "etcd"}, nil)
	assert.ErrorContains(t, err, "unknown token cache backend")
}
