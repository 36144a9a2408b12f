package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"offpos/internal/metrics"
)

var (
	ErrDowngrade      = errors.New("offline: version older than the active worker")
	ErrUnknownMessage = errors.New("offline: unknown message type")
	ErrInvalidVersion = errors.New("offline: invalid version")
)

// MessageSkipWaiting activates the waiting worker immediately.
const MessageSkipWaiting = "SKIP_WAITING"

type Message struct {
	Type string `json:"type"`
}

// Container holds at most one active and one waiting worker and routes every
// request to the active one.
type Container struct {
	cfg     Config
	rc      RouterConfig
	storage Storage
	client  *http.Client
	proxy   *httputil.ReverseProxy
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

type Option func(*Container)

func WithLogger(l *zap.Logger) Option { return func(c *Container) { c.logger = l } }

func WithMetrics(m *metrics.Registry) Option { return func(c *Container) { c.metrics = m } }

// WithHTTPClient sets the client used for cached strategies.
func WithHTTPClient(hc *http.Client) Option { return func(c *Container) { c.client = hc } }

func WithClock(now func() time.Time) Option { return func(c *Container) { c.now = now } }

func NewContainer(cfg Config, storage Storage, opts ...Option) (*Container, error) {
	rc, err := cfg.routerConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Family == "" {
		return nil, fmt.Errorf("offline: family required")
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 5 * time.Second
	}
	c := &Container{
		cfg:     cfg,
		rc:      rc,
		storage: storage,
		client:  &http.Client{CheckRedirect: noFollow},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.proxy = newPassthroughProxy(rc.Origin, c.logger)
	return c, nil
}

// noFollow hands redirects back to the browser instead of caching the target
// under the original URL.
func noFollow(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

func newPassthroughProxy(origin *url.URL, logger *zap.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				u := *pr.In.URL
				pr.Out.URL = &u
				pr.Out.Host = u.Host
				return
			}
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			logger.Debug("offline: passthrough failed", zap.String("url", r.URL.String()), zap.Error(err))
			rw.WriteHeader(http.StatusBadGateway)
		},
	}
}

// Register installs version as a new worker. The first worker activates at
// once; later ones wait for SKIP_WAITING. Registering the running version
// again is a no-op, an older one is rejected. The active worker keeps
// serving while the new one installs.
func (c *Container) Register(ctx context.Context, version string) (*Worker, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}

	c.mu.RLock()
	existing, err := c.registeredLocked(v)
	c.mu.RUnlock()
	if existing != nil || err != nil {
		return existing, err
	}

	w := c.newWorker(v)
	if err := w.install(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another registration may have won while installing
	if existing, err := c.registeredLocked(v); existing != nil || err != nil {
		w.retire()
		return existing, err
	}
	if c.active == nil {
		if err := c.activateLocked(ctx, w); err != nil {
			return nil, err
		}
		return w, nil
	}
	if c.waiting != nil {
		c.waiting.retire()
	}
	c.waiting = w
	c.logger.Info("offline: worker waiting", zap.String("version", v.String()))
	return w, nil
}

// registeredLocked returns the worker already running v, or ErrDowngrade
// when v is older than the active worker.
func (c *Container) registeredLocked(v *semver.Version) (*Worker, error) {
	if c.active != nil {
		switch {
		case v.LessThan(c.active.version):
			return nil, fmt.Errorf("%w: %s < %s", ErrDowngrade, v, c.active.version)
		case v.Equal(c.active.version):
			return c.active, nil
		}
	}
	if c.waiting != nil && v.Equal(c.waiting.version) {
		return c.waiting, nil
	}
	return nil, nil
}

func (c *Container) newWorker(v *semver.Version) *Worker {
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Worker{
		version:    v,
		bucketName: BucketName(c.cfg.Family, v),
		storage:    c.storage,
		cfg:        c.cfg,
		origin:     c.rc.Origin,
		router:     NewRouter(DefaultRules(c.rc)),
		client:     c.client,
		proxy:      c.proxy,
		logger:     c.logger.With(zap.String("worker", v.String())),
		metrics:    c.metrics,
		now:        c.now,
		state:      StateInstalling,
		bgCtx:      bgCtx,
		bgCancel:   cancel,
	}
}

// activateLocked retires the previous worker, purges the family's other
// buckets and claims all clients for w.
func (c *Container) activateLocked(ctx context.Context, w *Worker) error {
	prev := c.active
	if prev != nil {
		prev.retire()
	}
	if err := w.activate(ctx); err != nil {
		return err
	}
	c.active = w
	if c.waiting == w {
		c.waiting = nil
	}
	c.logger.Info("offline: worker activated",
		zap.String("version", w.version.String()),
		zap.String("bucket", w.bucketName),
	)
	return nil
}

// PostMessage delivers a client message to the container.
func (c *Container) PostMessage(ctx context.Context, m Message) error {
	switch m.Type {
	case MessageSkipWaiting:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.waiting == nil {
			return nil
		}
		return c.activateLocked(ctx, c.waiting)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}

func (c *Container) Active() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *Container) Waiting() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waiting
}

func (c *Container) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w := c.Active()
	if w == nil {
		if c.metrics != nil {
			c.metrics.Passthrough.WithLabelValues("no_worker").Inc()
		}
		c.proxy.ServeHTTP(rw, r)
		return
	}
	w.ServeHTTP(rw, r)
}

// Close drains background revalidations of every worker.
func (c *Container) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range []*Worker{c.active, c.waiting} {
		if w != nil {
			w.retire()
		}
	}
}
