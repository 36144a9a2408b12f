package offline

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offpos/internal/state"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	out := map[string]Storage{
		"memory":       NewMemoryStorage(),
		"state-memory": NewStateStorage(state.NewInMemoryStore()),
	}
	ps, err := state.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	out["state-pebble"] = NewStateStorage(ps)

	if addr := os.Getenv("OFFPOS_TEST_REDIS_ADDR"); addr != "" {
		rs := NewRedisStorage(addr, "", 0, "offpos-test-"+uuid.NewString())
		require.NoError(t, rs.Ping(context.Background()))
		t.Cleanup(func() { _ = rs.Close() })
		out["redis"] = rs
	}
	return out
}

func TestStorage_Contract(t *testing.T) {
	for name, st := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := st.Open(ctx, "offpos-v1.0.0")
			require.NoError(t, err)
			b, err := st.Open(ctx, "offpos-v2.0.0")
			require.NoError(t, err)

			e := Entry{
				Status:   http.StatusOK,
				Header:   http.Header{"Content-Type": []string{"text/css"}},
				Body:     []byte("body{}"),
				StoredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			}
			key := Key(http.MethodGet, "http://pos.local/build/app.css")
			require.NoError(t, a.Put(ctx, key, e))

			got, ok, err := a.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, e.Status, got.Status)
			assert.Equal(t, e.Body, got.Body)
			assert.Equal(t, "text/css", got.Header.Get("Content-Type"))
			assert.True(t, e.StoredAt.Equal(got.StoredAt))

			_, ok, err = b.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "buckets are isolated")

			names, err := st.Names(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"offpos-v1.0.0", "offpos-v2.0.0"}, names)

			require.NoError(t, st.Delete(ctx, "offpos-v1.0.0"))
			names, err = st.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"offpos-v2.0.0"}, names)

			reopened, err := st.Open(ctx, "offpos-v1.0.0")
			require.NoError(t, err)
			_, ok, err = reopened.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "deleted bucket starts empty")

			require.NoError(t, st.Delete(ctx, "never-existed"))
		})
	}
}

func TestStateStorage_KeepsOtherKeys(t *testing.T) {
	ctx := context.Background()
	st := state.NewInMemoryStore()
	require.NoError(t, st.Put("pos_cart", []byte(`{"version":1}`)))
	s := NewStateStorage(st)

	b, err := s.Open(ctx, "offpos-v1.0.0")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "GET http://pos.local/", Entry{Status: 200}))
	require.NoError(t, s.Delete(ctx, "offpos-v1.0.0"))

	v, ok, err := st.Get("pos_cart")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"version":1}`, string(v))
}

func TestStateStorage_RejectsBadNames(t *testing.T) {
	s := NewStateStorage(state.NewInMemoryStore())
	_, err := s.Open(context.Background(), "")
	assert.Error(t, err)
	_, err = s.Open(context.Background(), "a/b")
	assert.Error(t, err)
}

func TestStateStorage_ClosedStore(t *testing.T) {
	st := state.NewInMemoryStore()
	s := NewStateStorage(st)
	b, err := s.Open(context.Background(), "offpos-v1.0.0")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	err = b.Put(context.Background(), "k", Entry{Status: 200})
	var se *state.StorageError
	assert.ErrorAs(t, err, &se)
}

func TestCleanHeader_DropsHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":        []string{"keep-alive"},
		"Transfer-Encoding": []string{"chunked"},
		"Content-Type":      []string{"text/html"},
	}
	out := cleanHeader(h)
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Equal(t, "text/html", out.Get("Content-Type"))
	assert.Equal(t, "keep-alive", h.Get("Connection"), "input untouched")
	assert.NotNil(t, cleanHeader(nil))
}
