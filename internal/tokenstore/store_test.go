package tokenstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sessiondomain "github.com/tomojanga/Bematore-NSER-RG-sub002/internal/session/domain"
)

var pairA = sessiondomain.CredentialPair{AccessToken: "access-a", RefreshToken: "refresh-a"}
var pairB = sessiondomain.CredentialPair{AccessToken: "access-b", RefreshToken: "refresh-b"}

type failingBackend struct{ err error }

func (f failingBackend) Load(context.Context, []string) (map[string]string, error) { return nil, f.err }
func (f failingBackend) Save(context.Context, map[string]string) error             { return f.err }
func (f failingBackend) Delete(context.Context, []string) error                    { return f.err }

// stores runs fn against a memory store and a SQLite file store.
func stores(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, New(NewMemoryBackend()))
	})
	t.Run("sqlite", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "tokens.db")
		s, closer, err := Open(context.Background(), "sqlite", dsn, "default")
		require.NoError(t, err)
		t.Cleanup(func() { _ = closer.Close() })
		fn(t, s)
	})
}

func TestStore_ReadEmpty(t *testing.T) {
	stores(t, func(t *testing.T, s *Store) {
		pair, ok := s.Read()
		assert.False(t, ok)
		assert.Equal(t, sessiondomain.CredentialPair{}, pair)
		assert.Empty(t, s.ReadDeviceID())
	})
}

func TestStore_WriteRead(t *testing.T) {
	stores(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Write(pairA))
		got, ok := s.Read()
		require.True(t, ok)
		assert.Equal(t, pairA, got)

		require.NoError(t, s.Write(pairB))
		got, ok = s.Read()
		require.True(t, ok)
		assert.Equal(t, pairB, got)
	})
}

func TestStore_WriteRejectsPartialPair(t *testing.T) {
	stores(t, func(t *testing.T, s *Store) {
		err := s.Write(sessiondomain.CredentialPair{AccessToken: "only-access"})
		assert.ErrorIs(t, err, ErrPartialPair)
		_, ok := s.Read()
		assert.False(t, ok)
	})
}

func TestStore_PartialPairReadsAsAbsent(t *testing.T) {
	backend := NewMemoryBackend()
	require.NoError(t, backend.Save(context.Background(), map[string]string{KeyAccessToken: "orphan"}))
	s := New(backend)

	_, ok := s.Read()
	assert.False(t, ok)
}

func TestStore_ClearIdempotentKeepsDeviceID(t *testing.T) {
	stores(t, func(t *testing.T, s *Store) {
		id, err := s.EnsureDeviceID()
		require.NoError(t, err)
		require.NoError(t, s.Write(pairA))

		require.NoError(t, s.Clear())
		require.NoError(t, s.Clear())

		_, ok := s.Read()
		assert.False(t, ok)
		assert.Equal(t, id, s.ReadDeviceID())
	})
}

func TestStore_EnsureDeviceIDMintsOnce(t *testing.T) {
	stores(t, func(t *testing.T, s *Store) {
		first, err := s.EnsureDeviceID()
		require.NoError(t, err)
		assert.Len(t, first, 36)

		second, err := s.EnsureDeviceID()
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, first, s.ReadDeviceID())
	})
}

func TestStore_Replace(t *testing.T) {
	stores(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Write(pairA))

		ok, err := s.Replace("refresh-stale", pairB)
		require.NoError(t, err)
		assert.False(t, ok, "replace must not apply when the refresh token moved on")
		got, _ := s.Read()
		assert.Equal(t, pairA, got)

		ok, err = s.Replace(pairA.RefreshToken, pairB)
		require.NoError(t, err)
		assert.True(t, ok)
		got, _ = s.Read()
		assert.Equal(t, pairB, got)
	})
}

func TestStore_ReplaceAfterClear(t *testing.T) {
	s := New(NewMemoryBackend())
	require.NoError(t, s.Write(pairA))
	require.NoError(t, s.Clear())

	ok, err := s.Replace(pairA.RefreshToken, pairB)
	require.NoError(t, err)
	assert.False(t, ok, "a renewal finishing after logout must not resurrect credentials")
	_, present := s.Read()
	assert.False(t, present)
}

func TestStore_ClearIf(t *testing.T) {
	stores(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Write(pairB))

		ok, err := s.ClearIf(pairA.RefreshToken)
		require.NoError(t, err)
		assert.False(t, ok)
		_, present := s.Read()
		assert.True(t, present)

		ok, err = s.ClearIf(pairB.RefreshToken)
		require.NoError(t, err)
		assert.True(t, ok)
		_, present = s.Read()
		assert.False(t, present)
	})
}

func TestStore_BackendFailureReadsAsAbsent(t *testing.T) {
	s := New(failingBackend{err: errors.New("disk gone")})

	_, ok := s.Read()
	assert.False(t, ok)
	assert.Empty(t, s.ReadDeviceID())
	_, err := s.EnsureDeviceID()
	assert.Error(t, err)
	assert.Error(t, s.Write(pairA))
}

func TestStore_ConcurrentReplaceSingleWinner(t *testing.T) {
	s := New(NewMemoryBackend())
	require.NoError(t, s.Write(pairA))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Replace(pairA.RefreshToken, pairB)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	// Every call sees refresh-a replaced by refresh-b after the first, so only one applies.
	assert.Equal(t, 1, wins)
}

func TestSQLBackend_ProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "tokens.db")
	work, workCloser, err := Open(ctx, "sqlite", dsn, "work")
	require.NoError(t, err)
	defer workCloser.Close()
	home, homeCloser, err := Open(ctx, "sqlite", dsn, "home")
	require.NoError(t, err)
	defer homeCloser.Close()

	require.NoError(t, work.Write(pairA))
	_, ok := home.Read()
	assert.False(t, ok)
}

func TestSQLBackend_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "tokens.db")

	s, closer, err := Open(ctx, "sqlite", dsn, "default")
	require.NoError(t, err)
	id, err := s.EnsureDeviceID()
	require.NoError(t, err)
	require.NoError(t, s.Write(pairA))
	require.NoError(t, closer.Close())

	s, closer, err = Open(ctx, "sqlite", dsn, "default")
	require.NoError(t, err)
	defer closer.Close()
	got, ok := s.Read()
	require.True(t, ok)
	assert.Equal(t, pairA, got)
	assert.Equal(t, id, s.ReadDeviceID())
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	_, _, err := Open(ctx, "redis", "x", "default")
	assert.Error(t, err)

	_, _, err = Open(ctx, "sqlite", filepath.Join(t.TempDir(), "t.db"), " ")
	assert.Error(t, err)
}

func TestMigrate_Validation(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, Migrate(ctx, DialectSQLite, "", "up"))
	for _, dir := range []string{"", "UP", "sideways"} {
		assert.Error(t, Migrate(ctx, DialectSQLite, filepath.Join(t.TempDir(), "t.db"), dir), dir)
	}
}

func TestMigrate_UpTwiceThenDown(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "tokens.db")
	require.NoError(t, Migrate(ctx, DialectSQLite, dsn, "up"))
	require.NoError(t, Migrate(ctx, DialectSQLite, dsn, "up"))
	require.NoError(t, Migrate(ctx, DialectSQLite, dsn, "down"))
}
