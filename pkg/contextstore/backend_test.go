package contextstore

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend {
			return NewMemoryBackend()
		},
		"file": func(t *testing.T) Backend {
			b, err := NewFileBackend(t.TempDir())
			require.NoError(t, err)
			return b
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisBackendFromClient(client, "test:")
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "context.db"))
			require.NoError(t, err)
			return b
		},
		"firestore": func(t *testing.T) Backend {
			if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
				t.Skip("FIRESTORE_EMULATOR_HOST not set")
			}
			b, err := NewFirestoreBackend(context.Background(), FirestoreConfig{
				ProjectID: "conductor-test",
				Prefix:    "t" + strconv.FormatInt(time.Now().UnixNano(), 10) + "_",
			})
			require.NoError(t, err)
			return b
		},
	}
}

func TestBackends(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)
			t.Cleanup(func() { _ = b.Close() })

			key := Key{Owner: "analyst-1", Type: "notes"}

			t.Run("read missing", func(t *testing.T) {
				_, found, err := b.Read(ctx, Key{Owner: "nobody", Type: "notes"})
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("write then read", func(t *testing.T) {
				require.NoError(t, b.Write(ctx, key, []byte(`{"v":1}`)))
				data, found, err := b.Read(ctx, key)
				require.NoError(t, err)
				assert.True(t, found)
				assert.JSONEq(t, `{"v":1}`, string(data))
			})

			t.Run("overwrite replaces", func(t *testing.T) {
				require.NoError(t, b.Write(ctx, key, []byte(`{"v":2}`)))
				data, _, err := b.Read(ctx, key)
				require.NoError(t, err)
				assert.JSONEq(t, `{"v":2}`, string(data))
			})

			t.Run("shared", func(t *testing.T) {
				_, found, err := b.ReadShared(ctx, "missing-id")
				require.NoError(t, err)
				assert.False(t, found)

				require.NoError(t, b.WriteShared(ctx, "env-1", []byte(`{"id":"env-1"}`), 0))
				data, found, err := b.ReadShared(ctx, "env-1")
				require.NoError(t, err)
				assert.True(t, found)
				assert.JSONEq(t, `{"id":"env-1"}`, string(data))
			})
		})
	}
}

func TestFileBackend_Layout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Write(context.Background(), Key{Owner: "a1", Type: "state"}, []byte(`{}`)))

	_, err = os.Stat(filepath.Join(dir, "contexts", "a1", "state.json"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "contexts", "a1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileBackend_RejectsTraversal(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	err = b.Write(context.Background(), Key{Owner: "../etc", Type: "passwd"}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, _, err = b.ReadShared(context.Background(), "a/b")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFileBackend_Closed(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	err = b.Write(context.Background(), Key{Owner: "a", Type: "b"}, nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestRedisBackend_SharedTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackendFromClient(client, "")
	ctx := context.Background()

	require.NoError(t, b.WriteShared(ctx, "env-1", []byte(`{}`), time.Minute))
	assert.True(t, mr.Exists("conductor:shared:env-1"))

	mr.FastForward(2 * time.Minute)

	_, found, err := b.ReadShared(ctx, "env-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisBackend_Close(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, _, err := b.Read(context.Background(), Key{Owner: "a", Type: "b"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestSQLiteBackend_PurgeExpired(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "context.db"))
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.WriteShared(ctx, "short", []byte(`{}`), time.Second))
	require.NoError(t, b.WriteShared(ctx, "forever", []byte(`{}`), 0))

	n, err := b.PurgeExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, found, err := b.ReadShared(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, found)
}
