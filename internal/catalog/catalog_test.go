package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"offpos/internal/manifest"
	"offpos/internal/metrics"
	"offpos/internal/mirror"
	"offpos/internal/model"
	"offpos/internal/state"
)

func products(n int) []model.CachedProduct {
	out := make([]model.CachedProduct, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.CachedProduct{
			ID:      fmt.Sprintf("%d", i),
			BatchID: "B1",
			Name:    fmt.Sprintf("product %d", i),
			Price:   decimal.NewFromInt(int64(i)),
		})
	}
	return out
}

func catalogServer(t *testing.T, body func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(body))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource_FetchShapesAndAuth(t *testing.T) {
	var (
		mu        sync.Mutex
		gotFilter model.Filter
		gotAuth   string
		wrapped   atomic.Bool
		numeric   atomic.Bool
	)
	wrapped.Store(true)
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotFilter)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if numeric.Load() {
			_, _ = w.Write([]byte(`{"data":[{"id":1,"batch_id":7,"name":"Milk","price":2.5,"stock_quantity":10}]}`))
			return
		}
		if wrapped.Load() {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": products(2)})
			return
		}
		_ = json.NewEncoder(w).Encode(products(3))
	})

	src := NewHTTPSource(srv.URL, "secret", time.Second)
	got, err := src.Fetch(context.Background(), model.DefaultFilter())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	mu.Lock()
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.True(t, gotFilter.AllProducts)
	mu.Unlock()

	wrapped.Store(false)
	got, err = src.Fetch(context.Background(), model.Filter{CategoryID: "7"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	mu.Lock()
	assert.Equal(t, "7", gotFilter.CategoryID)
	mu.Unlock()

	numeric.Store(true)
	got, err = src.Fetch(context.Background(), model.DefaultFilter())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "7", got[0].BatchID)
	assert.Equal(t, "1#7", got[0].Key())
}

func TestHTTPSource_Failures(t *testing.T) {
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/500":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/garbage":
			_, _ = w.Write([]byte(`<html>login</html>`))
		case "/nodata":
			_, _ = w.Write([]byte(`{"message":"ok"}`))
		}
	})

	cases := map[string]int{"/500": 500, "/garbage": 200, "/nodata": 200}
	for path, status := range cases {
		_, err := NewHTTPSource(srv.URL+path, "", time.Second).Fetch(context.Background(), model.DefaultFilter())
		var se *SyncError
		require.ErrorAs(t, err, &se, path)
		assert.Equal(t, status, se.Status, path)
	}

	_, err := NewHTTPSource("http://127.0.0.1:1/unreachable", "", 200*time.Millisecond).Fetch(context.Background(), model.DefaultFilter())
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, se.Status)
}

type stubSource struct {
	list  []model.CachedProduct
	err   error
	calls atomic.Int32
}

func (s *stubSource) Fetch(context.Context, model.Filter) ([]model.CachedProduct, error) {
	s.calls.Add(1)
	return s.list, s.err
}

func TestService_RefreshReplacesMirrorAndRecordsManifest(t *testing.T) {
	ctx := context.Background()
	st := state.NewInMemoryStore()
	m := mirror.NewKVMirror(st)
	man := manifest.NewStoreManifest(st, "")
	src := &stubSource{list: products(3)}
	now := time.Unix(1700000000, 0)
	svc := NewService(src, m,
		WithManifest(man, man),
		WithUsageContext(model.ContextPOS),
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(metrics.NewRegistry()),
		WithClock(func() time.Time { return now }),
	)

	got, err := svc.Refresh(ctx, model.Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	all, err := m.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, model.ContextPOS, all[0].Context)

	last, err := svc.LastSync()
	require.NoError(t, err)
	assert.Equal(t, 3, last.ProductCount)
	assert.True(t, last.Filter.AllProducts, "zero filter means the whole catalog")
	assert.NotEmpty(t, last.SyncID)
	assert.Equal(t, now.Unix(), last.SyncedAtEpochSecond)
}

func TestService_FailedRefreshKeepsMirror(t *testing.T) {
	ctx := context.Background()
	m := mirror.NewKVMirror(state.NewInMemoryStore())
	require.NoError(t, m.ReplaceAll(ctx, products(5)))

	// server gone: connection refused
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	svc := NewService(NewHTTPSource(url, "", time.Second), m, WithLogger(zaptest.NewLogger(t)))

	_, err := svc.Refresh(ctx, model.DefaultFilter())
	var se *SyncError
	require.ErrorAs(t, err, &se)

	all, err := m.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5, "mirror must be untouched after a failed refresh")
}

func TestService_NonSyncErrorsAreWrapped(t *testing.T) {
	svc := NewService(&stubSource{err: errors.New("dns")}, mirror.NewKVMirror(state.NewInMemoryStore()))
	_, err := svc.Refresh(context.Background(), model.DefaultFilter())
	var se *SyncError
	require.ErrorAs(t, err, &se)
}

type brokenStore struct{ *state.InMemoryStore }

func (brokenStore) ReplacePrefix(string, map[string][]byte) error { return errors.New("disk full") }

func TestService_MirrorFailureIsStorageError(t *testing.T) {
	svc := NewService(&stubSource{list: products(2)}, mirror.NewKVMirror(brokenStore{state.NewInMemoryStore()}))
	_, err := svc.Refresh(context.Background(), model.DefaultFilter())
	var se *state.StorageError
	require.ErrorAs(t, err, &se)
}

func TestService_NeedsRefreshAndRefreshIfStale(t *testing.T) {
	ctx := context.Background()
	st := state.NewInMemoryStore()
	man := manifest.NewStoreManifest(st, "")
	src := &stubSource{list: products(1)}
	now := time.Unix(1700000000, 0)
	svc := NewService(src, mirror.NewKVMirror(st),
		WithManifest(man, man),
		WithMaxAge(10*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	assert.True(t, svc.NeedsRefresh(now), "never synced")
	refreshed, err := svc.RefreshIfStale(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)

	assert.False(t, svc.NeedsRefresh(now.Add(5*time.Minute)))
	assert.True(t, svc.NeedsRefresh(now.Add(10*time.Minute)))

	refreshed, err = svc.RefreshIfStale(ctx)
	require.NoError(t, err)
	assert.False(t, refreshed, "fresh mirror is not refetched")
	assert.Equal(t, int32(1), src.calls.Load())

	noAge := NewService(src, mirror.NewKVMirror(st), WithManifest(man, man))
	assert.True(t, noAge.NeedsRefresh(now))
}

func TestScheduler_RunsRefresh(t *testing.T) {
	src := &stubSource{list: products(1)}
	svc := NewService(src, mirror.NewKVMirror(state.NewInMemoryStore()))
	sc, err := NewScheduler(svc, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	sc.Start()
	defer sc.Stop()

	assert.Eventually(t, func() bool { return src.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	_, err = NewScheduler(svc, 0, nil)
	assert.Error(t, err)
}
