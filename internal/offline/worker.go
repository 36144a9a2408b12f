package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offpos/internal/metrics"
)

var (
	// ErrNetwork marks a fetch that got no response at all.
	ErrNetwork = errors.New("offline: network failure")
	// ErrTooLarge marks a response body over the entry limit. Such responses
	// are never stored.
	ErrTooLarge = errors.New("offline: response too large to cache")
)

const defaultMaxEntryBytes = 32 << 20

type Config struct {
	Origin              string
	Family              string
	APIPrefix           string
	DevPattern          string
	ScriptPath          string
	OfflinePath         string
	BuildDir            string
	NavHeader           string
	AllowPaths          []string
	Precache            []string
	StaticExts          []string
	NetworkTimeout      time.Duration
	PrecacheConcurrency int
	MaxEntryBytes       int64
}

func (c Config) routerConfig() (RouterConfig, error) {
	origin, err := url.Parse(c.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return RouterConfig{}, fmt.Errorf("offline: origin must be an absolute URL, got %q", c.Origin)
	}
	rc := RouterConfig{
		Origin:     origin,
		APIPrefix:  c.APIPrefix,
		ScriptPath: c.ScriptPath,
		BuildDir:   c.BuildDir,
		AllowPaths: c.AllowPaths,
		StaticExts: c.StaticExts,
		NavHeader:  c.NavHeader,
	}
	if c.DevPattern != "" {
		re, err := regexp.Compile(c.DevPattern)
		if err != nil {
			return RouterConfig{}, fmt.Errorf("offline: dev pattern: %w", err)
		}
		rc.DevPattern = re
	}
	return rc, nil
}

// BucketName is the cache bucket owned by one version of a family.
func BucketName(family string, v *semver.Version) string {
	return family + "-v" + v.String()
}

type WorkerState string

const (
	StateInstalling WorkerState = "installing"
	StateWaiting    WorkerState = "waiting"
	StateActive     WorkerState = "active"
	StateRedundant  WorkerState = "redundant"
)

// Worker is one installed version of the request cache.
type Worker struct {
	version    *semver.Version
	bucketName string
	bucket     Bucket
	storage    Storage
	cfg        Config
	origin     *url.URL
	router     *Router
	client     *http.Client
	proxy      *httputil.ReverseProxy
	logger     *zap.Logger
	metrics    *metrics.Registry
	now        func() time.Time

	mu      sync.RWMutex // held for reading by cache writes
	state   WorkerState
	retired bool

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func (w *Worker) Version() *semver.Version { return w.version }

func (w *Worker) BucketName() string { return w.bucketName }

func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Wait blocks until background revalidations have finished.
func (w *Worker) Wait() { w.bg.Wait() }

// install opens the bucket and precaches the fixed list. Individual precache
// failures are logged and do not fail the install.
func (w *Worker) install(ctx context.Context) error {
	b, err := w.storage.Open(ctx, w.bucketName)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", w.bucketName, err)
	}
	w.bucket = b

	g, gctx := errgroup.WithContext(ctx)
	limit := w.cfg.PrecacheConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, p := range w.cfg.Precache {
		g.Go(func() error {
			u := w.origin.ResolveReference(&url.URL{Path: p})
			e, err := w.fetch(gctx, http.MethodGet, u.String(), nil)
			if err == nil && !e.OK() {
				err = fmt.Errorf("status %d", e.Status)
			}
			if err == nil {
				err = w.put(gctx, Key(http.MethodGet, u.String()), e)
			}
			if err != nil {
				if w.metrics != nil {
					w.metrics.PrecacheFailures.Inc()
				}
				w.logger.Warn("offline: precache failed", zap.String("url", u.String()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	w.setState(StateWaiting)
	w.logger.Info("offline: worker installed", zap.String("bucket", w.bucketName))
	return nil
}

// activate deletes every other bucket of the family.
func (w *Worker) activate(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	prefix := w.cfg.Family + "-v"
	for _, n := range names {
		if n == w.bucketName || len(n) < len(prefix) || n[:len(prefix)] != prefix {
			continue
		}
		if err := w.storage.Delete(ctx, n); err != nil {
			return fmt.Errorf("delete bucket %s: %w", n, err)
		}
		if w.metrics != nil {
			w.metrics.BucketsPurged.Inc()
		}
		w.logger.Info("offline: purged old bucket", zap.String("bucket", n))
	}
	w.setState(StateActive)
	return nil
}

// retire stops background work and blocks further cache writes.
func (w *Worker) retire() {
	w.mu.Lock()
	w.retired = true
	w.state = StateRedundant
	w.mu.Unlock()
	w.bgCancel()
	w.bg.Wait()
}

func (w *Worker) put(ctx context.Context, key string, e Entry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.retired {
		return nil
	}
	return w.bucket.Put(ctx, key, e)
}

func (w *Worker) lookup(ctx context.Context, key string) (Entry, bool) {
	e, ok, err := w.bucket.Get(ctx, key)
	if err != nil {
		w.logger.Warn("offline: cache read failed", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	return e, ok
}

// spawn runs fn in the background unless the worker is retired.
func (w *Worker) spawn(fn func(ctx context.Context)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.retired {
		return
	}
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		fn(w.bgCtx)
	}()
}

// fetch performs a GET against the network and buffers the response.
func (w *Worker) fetch(ctx context.Context, method, target string, header http.Header) (Entry, error) {
	timeout := w.cfg.NetworkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("build request: %w", err)
	}
	if header != nil {
		req.Header = cleanHeader(header)
		req.Header.Del("Content-Length")
	}
	resp, err := w.client.Do(req)
	if err != nil {
		if w.metrics != nil {
			w.metrics.NetworkFailures.Inc()
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	limit := w.cfg.MaxEntryBytes
	if limit <= 0 {
		limit = defaultMaxEntryBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		if w.metrics != nil {
			w.metrics.NetworkFailures.Inc()
		}
		return Entry{}, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if int64(len(body)) > limit {
		return Entry{}, fmt.Errorf("%w: %s over %d bytes", ErrTooLarge, target, limit)
	}
	return Entry{
		Status:   resp.StatusCode,
		Header:   cleanHeader(resp.Header),
		Body:     body,
		StoredAt: w.now().UTC(),
	}, nil
}

// absolute resolves the request URL against the origin. Requests in proxy
// form already carry their own scheme and host.
func (w *Worker) absolute(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	u := *w.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	abs := w.absolute(r)
	rule := w.router.Decide(Request{Method: r.Method, URL: abs, Header: r.Header})
	switch rule.Strategy {
	case NavigationNetworkFirst:
		w.navigation(rw, r, abs)
	case CacheFirst:
		w.cacheFirst(rw, r, abs)
	case NetworkFirst:
		w.networkFirst(rw, r, abs, rule.Strategy)
	default:
		if w.metrics != nil {
			w.metrics.Passthrough.WithLabelValues(rule.Name).Inc()
		}
		w.proxy.ServeHTTP(rw, r)
	}
}

// navigation is network-first. Redirects go back to the browser untouched.
// A failed navigation with nothing cached reloads the offline page.
func (w *Worker) navigation(rw http.ResponseWriter, r *http.Request, abs *url.URL) {
	key := Key(http.MethodGet, abs.String())
	e, err := w.fetch(r.Context(), http.MethodGet, abs.String(), r.Header)
	if errors.Is(err, ErrTooLarge) {
		w.passLarge(rw, r)
		return
	}
	switch {
	case err == nil && e.OK():
		if perr := w.put(r.Context(), key, e); perr != nil {
			w.logger.Warn("offline: cache write failed", zap.String("key", key), zap.Error(perr))
		}
		e.write(rw, sourceNetwork)
		return
	case err == nil && e.Status < http.StatusBadRequest:
		e.write(rw, sourceNetwork)
		return
	}

	if cached, ok := w.lookup(r.Context(), key); ok {
		if w.metrics != nil {
			w.metrics.CacheHits.WithLabelValues(NavigationNetworkFirst.String()).Inc()
		}
		cached.write(rw, sourceCache)
		return
	}
	if w.metrics != nil {
		w.metrics.CacheMisses.WithLabelValues(NavigationNetworkFirst.String()).Inc()
	}
	if err == nil {
		e.write(rw, sourceNetwork)
		return
	}
	if w.metrics != nil {
		w.metrics.OfflineFallbacks.WithLabelValues("redirect").Inc()
	}
	w.logger.Debug("offline: navigation failed, redirecting", zap.String("url", abs.String()), zap.Error(err))
	http.Redirect(rw, r, w.cfg.OfflinePath, http.StatusFound)
}

// passLarge serves a response too large to buffer straight from the network.
func (w *Worker) passLarge(rw http.ResponseWriter, r *http.Request) {
	if w.metrics != nil {
		w.metrics.Passthrough.WithLabelValues("too_large").Inc()
	}
	w.proxy.ServeHTTP(rw, r)
}

func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request, abs *url.URL) {
	key := Key(http.MethodGet, abs.String())
	if e, ok := w.lookup(r.Context(), key); ok {
		if w.metrics != nil {
			w.metrics.CacheHits.WithLabelValues(CacheFirst.String()).Inc()
		}
		target, header := abs.String(), cleanHeader(r.Header)
		w.spawn(func(ctx context.Context) { w.revalidate(ctx, key, target, header) })
		e.write(rw, sourceCache)
		return
	}
	if w.metrics != nil {
		w.metrics.CacheMisses.WithLabelValues(CacheFirst.String()).Inc()
	}
	w.networkFirst(rw, r, abs, CacheFirst)
}

func (w *Worker) revalidate(ctx context.Context, key, target string, header http.Header) {
	e, err := w.fetch(ctx, http.MethodGet, target, header)
	if err == nil && e.OK() {
		err = w.put(ctx, key, e)
	} else if err == nil {
		err = fmt.Errorf("status %d", e.Status)
	}
	result := "ok"
	if err != nil {
		result = "failed"
		w.logger.Debug("offline: revalidation failed", zap.String("url", target), zap.Error(err))
	}
	if w.metrics != nil {
		w.metrics.Revalidations.WithLabelValues(result).Inc()
	}
}

func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, abs *url.URL, s Strategy) {
	key := Key(http.MethodGet, abs.String())
	e, err := w.fetch(r.Context(), http.MethodGet, abs.String(), r.Header)
	if errors.Is(err, ErrTooLarge) {
		w.passLarge(rw, r)
		return
	}
	if err == nil && e.OK() {
		if perr := w.put(r.Context(), key, e); perr != nil {
			w.logger.Warn("offline: cache write failed", zap.String("key", key), zap.Error(perr))
		}
		e.write(rw, sourceNetwork)
		return
	}

	if cached, ok := w.lookup(r.Context(), key); ok {
		if w.metrics != nil {
			w.metrics.CacheHits.WithLabelValues(s.String()).Inc()
		}
		cached.write(rw, sourceCache)
		return
	}
	if err == nil {
		// error status with nothing cached: the server's answer stands
		e.write(rw, sourceNetwork)
		return
	}

	if w.metrics != nil {
		w.metrics.CacheMisses.WithLabelValues(s.String()).Inc()
	}
	offlineURL := w.origin.ResolveReference(&url.URL{Path: w.cfg.OfflinePath})
	if page, ok := w.lookup(r.Context(), Key(http.MethodGet, offlineURL.String())); ok {
		if w.metrics != nil {
			w.metrics.OfflineFallbacks.WithLabelValues("page").Inc()
		}
		page.write(rw, sourceOffline)
		return
	}
	if w.metrics != nil {
		w.metrics.OfflineFallbacks.WithLabelValues("unavailable").Inc()
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set(SourceHeader, sourceOffline)
	rw.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(rw, "Offline\n")
}
