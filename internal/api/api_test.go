package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"offpos/internal/cart"
	"offpos/internal/catalog"
	"offpos/internal/manifest"
	"offpos/internal/metrics"
	"offpos/internal/mirror"
	"offpos/internal/model"
	"offpos/internal/offline"
	"offpos/internal/snapshot"
	"offpos/internal/state"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	router  *gin.Engine
	store   *state.InMemoryStore
	engine  *cart.Engine
	mirror  *mirror.KVMirror
	catalog *catalog.Service
	origin  *httptest.Server
	down    *atomic.Bool
}

var seedProducts = []model.CachedProduct{
	{ID: "p1", BatchID: "B1", Name: "Milk", Price: decimal.NewFromInt(10), Cost: decimal.NewFromInt(7), Context: model.ContextPOS},
	{ID: "p1", BatchID: "B2", Name: "Milk", Price: decimal.NewFromInt(11), Cost: decimal.NewFromInt(7), Context: model.ContextPOS},
	{ID: "p2", BatchID: "B1", Name: "Bread", Price: decimal.NewFromInt(5), Cost: decimal.NewFromInt(3), Context: model.ContextCatalog},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	m := metrics.NewRegistry()

	st := state.NewInMemoryStore()
	mir := mirror.NewKVMirror(st)
	require.NoError(t, mir.ReplaceAll(ctx, seedProducts))

	engine := cart.NewEngine(
		cart.WithPersister(snapshot.NewStoreSnapshotter(st, "")),
		cart.WithLogger(logger),
		cart.WithMetrics(m),
	)

	var down atomic.Bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/products/list":
			if down.Load() {
				http.Error(w, "maintenance", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"data": seedProducts[:2]})
		default:
			_, _ = w.Write([]byte("page " + r.URL.Path))
		}
	}))
	t.Cleanup(origin.Close)

	svc := catalog.NewService(
		catalog.NewHTTPSource(origin.URL+"/api/products/list", "", time.Second),
		mir,
		catalog.WithManifest(manifest.NewStoreManifest(st, ""), manifest.NewStoreManifest(st, "")),
		catalog.WithMaxAge(time.Hour),
		catalog.WithLogger(logger),
		catalog.WithMetrics(m),
	)

	container, err := offline.NewContainer(offline.Config{
		Origin:      origin.URL,
		Family:      "offpos",
		APIPrefix:   "/api/",
		OfflinePath: "/offline",
		BuildDir:    "/build/",
		AllowPaths:  []string{"/offline", "/build/"},
		Precache:    []string{"/offline"},
	}, offline.NewMemoryStorage(), offline.WithLogger(logger), offline.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(container.Close)
	_, err = container.Register(ctx, "1.0.0")
	require.NoError(t, err)

	r := NewRouter(Deps{
		Cart:    engine,
		Mirror:  mir,
		Catalog: svc,
		Offline: container,
		Metrics: m,
		Logger:  logger,
	}, []string{"http://localhost:8000"})

	return &fixture{router: r, store: st, engine: engine, mirror: mir, catalog: svc, origin: origin, down: &down}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeCart(t *testing.T, rec *httptest.ResponseRecorder) cartView {
	t.Helper()
	var v cartView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestCart_AddUpdateRemoveClear(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/pos/cart/lines", map[string]any{"product_id": "p1", "batch": "B1", "quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decodeCart(t, rec)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, int64(1), v.Seq)
	assert.True(t, v.Total.Equal(decimal.NewFromInt(20)), v.Total.String())
	assert.True(t, v.TotalProfit.Equal(decimal.NewFromInt(6)), v.TotalProfit.String())

	// same batch again merges, a different batch is its own line
	f.do(t, http.MethodPost, "/pos/cart/lines", map[string]any{"product_id": "p1", "batch": "B1"})
	rec = f.do(t, http.MethodPost, "/pos/cart/lines", map[string]any{"product_id": "p1", "batch": "B2", "quantity": "1.5"})
	v = decodeCart(t, rec)
	require.Len(t, v.Lines, 2)
	assert.True(t, v.Lines[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, v.TotalQuantity.Equal(decimal.RequireFromString("4.5")))

	rec = f.do(t, http.MethodPut, "/pos/cart/lines/p1?batch=B1", map[string]any{"flat_discount": 2})
	v = decodeCart(t, rec)
	assert.True(t, v.Total.Equal(decimal.RequireFromString("44.5")), v.Total.String())

	rec = f.do(t, http.MethodDelete, "/pos/cart/lines/p1?batch=B2", nil)
	v = decodeCart(t, rec)
	require.Len(t, v.Lines, 1)

	rec = f.do(t, http.MethodDelete, "/pos/cart", nil)
	v = decodeCart(t, rec)
	assert.Empty(t, v.Lines)
	assert.NotNil(t, v.Lines)

	// every intent was written through
	persisted, err := snapshot.NewStoreSnapshotter(f.store, "").LoadCart()
	require.NoError(t, err)
	assert.Equal(t, f.engine.Seq(), persisted.Seq)
	assert.Empty(t, persisted.Lines)
}

func TestCart_AddErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/pos/cart/lines", map[string]any{"product_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/pos/cart/lines", map[string]any{"batch": "B1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/pos/cart/lines", map[string]any{"product_id": "p1", "batch": "B1", "quantity": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.engine.State().Len())
}

func TestCart_UpdateCreatesFromMirror(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/pos/cart/lines/p2?batch=B1", map[string]any{"quantity": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decodeCart(t, rec)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, "Bread", v.Lines[0].Name)
	assert.True(t, v.Total.Equal(decimal.NewFromInt(20)))
}

type failingPersister struct{}

func (failingPersister) SaveCart(cart.Snapshot) error {
	return &state.StorageError{Op: "put", Key: "pos_cart", Err: errors.New("disk full")}
}

func TestCart_PersistFailureReturnsCart(t *testing.T) {
	st := state.NewInMemoryStore()
	mir := mirror.NewKVMirror(st)
	require.NoError(t, mir.ReplaceAll(context.Background(), seedProducts))
	r := NewRouter(Deps{
		Cart:   cart.NewEngine(cart.WithPersister(failingPersister{})),
		Mirror: mir,
	}, nil)

	body := strings.NewReader(`{"product_id":"p1","batch":"B1"}`)
	req := httptest.NewRequest(http.MethodPost, "/pos/cart/lines", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var out struct {
		Error string   `json:"error"`
		Cart  cartView `json:"cart"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out.Error, "disk full")
	assert.Len(t, out.Cart.Lines, 1)
}

func TestProducts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/pos/products", nil)
	var list struct {
		Data  []model.CachedProduct `json:"data"`
		Count int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 3, list.Count)

	rec = f.do(t, http.MethodGet, "/pos/products?context=catalog", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "p2", list.Data[0].ID)

	rec = f.do(t, http.MethodGet, "/pos/products/p1?batch=B2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p model.CachedProduct
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.True(t, p.Price.Equal(decimal.NewFromInt(11)))

	rec = f.do(t, http.MethodGet, "/pos/products/p1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "B1", p.BatchID)

	rec = f.do(t, http.MethodGet, "/pos/products/p9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSync_RefreshAndStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/pos/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st syncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Synced)
	assert.True(t, st.NeedsRefresh)

	req := httptest.NewRequest(http.MethodPost, "/pos/sync/refresh", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/pos/sync/status", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Synced)
	assert.Equal(t, 2, st.ProductCount)
	assert.False(t, st.NeedsRefresh)

	// upstream failure keeps the mirror as it was
	f.down.Store(true)
	rec = f.do(t, http.MethodPost, "/pos/sync/refresh", map[string]any{"all_products": true})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"upstream_status":503`)
	all, err := f.mirror.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWorkerMessage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/pos/worker/message", map[string]any{"type": "SKIP_WAITING"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"active":"1.0.0"}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/pos/worker/message", map[string]any{"type": "NOPE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNoRoute_GoesThroughOfflineCache(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/build/app.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page /build/app.js", rec.Body.String())
	assert.Equal(t, "network", rec.Header().Get(offline.SourceHeader))

	f.origin.CloseClientConnections()
	f.origin.Close()
	rec = f.do(t, http.MethodGet, "/build/app.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get(offline.SourceHeader))

	rec = f.do(t, http.MethodGet, "/build/other.js", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get(offline.SourceHeader))
	assert.Equal(t, "page /offline", rec.Body.String())
}

func TestNoRoute_WithoutOfflineCache(t *testing.T) {
	r := NewRouter(Deps{Cart: cart.NewEngine(), Mirror: mirror.NewKVMirror(state.NewInMemoryStore())}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
