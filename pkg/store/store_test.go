package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func runStoreConformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "catalogue")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "catalogue", []byte(`{"version":1}`)))
	v, ok, err := s.Get(ctx, "catalogue")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"version":1}`, string(v))

	require.NoError(t, s.Set(ctx, "catalogue", []byte(`{"version":2}`)))
	v, ok, err = s.Get(ctx, "catalogue")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"version":2}`, string(v))

	require.NoError(t, s.Set(ctx, "other", []byte("x")))
	require.NoError(t, s.Remove(ctx, "catalogue"))
	_, ok, err = s.Get(ctx, "catalogue")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err = s.Get(ctx, "other")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))

	// removing an absent key is not an error
	require.NoError(t, s.Remove(ctx, "missing"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	runStoreConformance(t, s)

	require.NoError(t, s.Close())
	_, _, err := s.Get(context.Background(), "other")
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'z'

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(v))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	runStoreConformance(t, s)

	// a second instance over the same directory sees the data
	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	v, ok, err := s2.Get(context.Background(), "other")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Set(context.Background(), "k", nil), ErrClosed)
}

func TestSQLiteStore(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "murmur.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	runStoreConformance(t, s)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, _, err = s.Get(context.Background(), "other")
	require.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteDSNForFileRejectsEmptyPath(t *testing.T) {
	_, err := SQLiteDSNForFile("")
	require.Error(t, err)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "murmur.bolt")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	runStoreConformance(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	v, ok, err := reopened.Get(context.Background(), "other")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	runStoreConformance(t, s)
	require.NoError(t, s.Close())
}

func TestRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "")
	require.Error(t, err)
	_, err = NewRedisStore(context.Background(), "not a url")
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, cfg := range []Config{
		{Backend: BackendMemory},
		{Backend: BackendFile, Path: filepath.Join(dir, "files")},
		{Backend: BackendSQLite, Path: filepath.Join(dir, "murmur.db")},
		{Backend: BackendBolt, Path: filepath.Join(dir, "murmur.bolt")},
	} {
		t.Run(string(cfg.Backend), func(t *testing.T) {
			s, err := Open(ctx, cfg)
			require.NoError(t, err)
			require.NoError(t, s.Set(ctx, "k", []byte("v")))
			require.NoError(t, s.Close())
		})
	}

	_, err := Open(ctx, Config{Backend: "tape"})
	require.Error(t, err)
}
