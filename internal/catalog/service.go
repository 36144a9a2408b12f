package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offpos/internal/manifest"
	"offpos/internal/metrics"
	"offpos/internal/mirror"
	"offpos/internal/model"
)

// Service refreshes the local mirror from the server catalog.
type Service struct {
	src       Source
	mirror    mirror.Mirror
	publisher manifest.Publisher
	reader    manifest.Reader
	filter    model.Filter
	usage     model.UsageContext
	maxAge    time.Duration
	logger    *zap.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	mu sync.Mutex // one refresh at a time
}

type Option func(*Service)

// WithManifest records each successful sync with p and reads the last one
// back through r to decide staleness.
func WithManifest(p manifest.Publisher, r manifest.Reader) Option {
	return func(s *Service) { s.publisher, s.reader = p, r }
}

func WithFilter(f model.Filter) Option { return func(s *Service) { s.filter = f } }

// WithUsageContext tags fetched rows that carry no context of their own.
func WithUsageContext(c model.UsageContext) Option { return func(s *Service) { s.usage = c } }

func WithMaxAge(d time.Duration) Option { return func(s *Service) { s.maxAge = d } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *metrics.Registry) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(src Source, m mirror.Mirror, opts ...Option) *Service {
	s := &Service{
		src:    src,
		mirror: m,
		filter: model.DefaultFilter(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Refresh fetches the product list and replaces the mirror with it. A fetch
// failure returns a *SyncError and leaves the mirror untouched.
func (s *Service) Refresh(ctx context.Context, f model.Filter) ([]model.CachedProduct, error) {
	if f.IsZero() {
		f = s.filter
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	products, err := s.src.Fetch(ctx, f)
	if err != nil {
		var se *SyncError
		if !errors.As(err, &se) {
			err = &SyncError{Err: err}
		}
		s.observe("fetch_error", start)
		s.logger.Warn("catalog: refresh failed, keeping local mirror", zap.Error(err))
		return nil, err
	}
	if s.usage != "" {
		for i := range products {
			if products[i].Context == "" {
				products[i].Context = s.usage
			}
		}
	}

	if err := s.mirror.ReplaceAll(ctx, products); err != nil {
		s.observe("mirror_error", start)
		s.logger.Error("catalog: mirror replace failed", zap.Error(err))
		return nil, err
	}
	s.observe("ok", start)
	if s.metrics != nil {
		s.metrics.MirrorProducts.Set(float64(len(products)))
		s.metrics.LastSyncTimestamp.Set(float64(s.now().Unix()))
	}

	syncID := uuid.NewString()
	if s.publisher != nil {
		m := manifest.Manifest{
			SyncID:              syncID,
			ProductCount:        len(products),
			Filter:              f,
			Context:             s.usage,
			SyncedAtEpochSecond: s.now().UTC().Unix(),
		}
		if err := s.publisher.PublishLatest(m); err != nil {
			s.logger.Warn("catalog: publish manifest failed", zap.String("sync_id", syncID), zap.Error(err))
		}
	}
	s.logger.Info("catalog: mirror refreshed",
		zap.String("sync_id", syncID),
		zap.Int("products", len(products)),
		zap.Duration("took", s.now().Sub(start)),
	)
	return products, nil
}

func (s *Service) observe(result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SyncTotal.WithLabelValues(result).Inc()
	s.metrics.SyncLatencySec.Observe(s.now().Sub(start).Seconds())
}

// LastSync returns the manifest of the last successful refresh.
func (s *Service) LastSync() (manifest.Manifest, error) {
	if s.reader == nil {
		return manifest.Manifest{}, manifest.ErrNoManifest
	}
	return s.reader.ReadLatest()
}

// NeedsRefresh reports whether the mirror has never been synced or is older
// than the configured max age. Without a manifest reader or max age every
// call needs a refresh.
func (s *Service) NeedsRefresh(now time.Time) bool {
	if s.maxAge <= 0 || s.reader == nil {
		return true
	}
	m, err := s.reader.ReadLatest()
	if err != nil {
		if !errors.Is(err, manifest.ErrNoManifest) {
			s.logger.Warn("catalog: read manifest failed", zap.Error(err))
		}
		return true
	}
	return now.Sub(m.SyncedAt()) >= s.maxAge
}

// RefreshIfStale refreshes with the default filter when NeedsRefresh says so.
func (s *Service) RefreshIfStale(ctx context.Context) (bool, error) {
	if !s.NeedsRefresh(s.now()) {
		return false, nil
	}
	_, err := s.Refresh(ctx, s.filter)
	return true, err
}
